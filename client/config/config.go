// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the dmail client.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel = "NOTICE"

	defaultMessageTTLHours      = 7 * 24
	defaultSweepIntervalSeconds = 3600
	defaultReplicationFactor    = 3
	defaultMinRelayConnections  = 3
	defaultMaxConnections       = 50
	defaultHealthySeconds       = 30
	defaultStaleSeconds         = 300
	defaultQueueCapacity        = 1024
	defaultBatchSize            = 16
	defaultBatchIntervalMillis  = 200
	defaultMaxRequests          = 10
	defaultGlobalMaxRequests    = 1000
	defaultWindowSeconds        = 60
	defaultMaxMessageBytes      = 1 << 20
	defaultDailyByteQuota       = 64 << 20
	defaultOnionHops            = 3
	defaultDedupeCacheSize      = 4096
	defaultReceiveQueueSize     = 64
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
		return nil
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Storage is the offline message store configuration.
type Storage struct {
	// MessageTTLHours is the stored message time-to-live in hours.
	MessageTTLHours int

	// SweepIntervalSeconds is the expiry sweep period in seconds.
	SweepIntervalSeconds int

	// ReplicationFactor is the number of nodes each record is pushed to.
	ReplicationFactor int
}

func (sCfg *Storage) fixup() {
	if sCfg.MessageTTLHours <= 0 {
		sCfg.MessageTTLHours = defaultMessageTTLHours
	}
	if sCfg.SweepIntervalSeconds <= 0 {
		sCfg.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}
	if sCfg.ReplicationFactor <= 0 {
		sCfg.ReplicationFactor = defaultReplicationFactor
	}
}

// Pool is the connection pool configuration.
type Pool struct {
	// MinRelayConnections is the relay count the pool maintains.
	MinRelayConnections int

	// MaxConnections bounds the tracked connection set.
	MaxConnections int

	// HealthCheckIntervalSeconds is the health probe period in seconds.
	HealthCheckIntervalSeconds int

	// StaleAfterSeconds is the idle duration before a probe, in seconds.
	StaleAfterSeconds int

	// QueueCapacity bounds the outbound publish queue.
	QueueCapacity int

	// BatchSize is the outbound drain batch size.
	BatchSize int

	// BatchIntervalMillis is the outbound drain period in milliseconds.
	BatchIntervalMillis int
}

func (pCfg *Pool) fixup() {
	if pCfg.MinRelayConnections <= 0 {
		pCfg.MinRelayConnections = defaultMinRelayConnections
	}
	if pCfg.MaxConnections <= 0 {
		pCfg.MaxConnections = defaultMaxConnections
	}
	if pCfg.HealthCheckIntervalSeconds <= 0 {
		pCfg.HealthCheckIntervalSeconds = defaultHealthySeconds
	}
	if pCfg.StaleAfterSeconds <= 0 {
		pCfg.StaleAfterSeconds = defaultStaleSeconds
	}
	if pCfg.QueueCapacity <= 0 {
		pCfg.QueueCapacity = defaultQueueCapacity
	}
	if pCfg.BatchSize <= 0 {
		pCfg.BatchSize = defaultBatchSize
	}
	if pCfg.BatchIntervalMillis <= 0 {
		pCfg.BatchIntervalMillis = defaultBatchIntervalMillis
	}
}

// RateLimit is the abuse control configuration.
type RateLimit struct {
	// MaxRequests is the per-sender window budget.
	MaxRequests int

	// GlobalMaxRequests is the global window budget.
	GlobalMaxRequests int

	// WindowSeconds is the sliding window length in seconds.
	WindowSeconds int

	// MaxMessageBytes is the hard per-message size cap.
	MaxMessageBytes int

	// DailyByteQuota is the rolling per-sender daily byte budget.
	DailyByteQuota int64
}

func (rCfg *RateLimit) fixup() {
	if rCfg.MaxRequests <= 0 {
		rCfg.MaxRequests = defaultMaxRequests
	}
	if rCfg.GlobalMaxRequests <= 0 {
		rCfg.GlobalMaxRequests = defaultGlobalMaxRequests
	}
	if rCfg.WindowSeconds <= 0 {
		rCfg.WindowSeconds = defaultWindowSeconds
	}
	if rCfg.MaxMessageBytes <= 0 {
		rCfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if rCfg.DailyByteQuota <= 0 {
		rCfg.DailyByteQuota = defaultDailyByteQuota
	}
}

// Onion is the circuit routing configuration.
type Onion struct {
	// Enable routes outbound messages through relay circuits.
	Enable bool

	// Hops is the relay count per circuit.
	Hops int
}

func (oCfg *Onion) validate() error {
	if oCfg.Hops == 0 {
		oCfg.Hops = defaultOnionHops
	}
	if oCfg.Hops < 1 || oCfg.Hops > 5 {
		return fmt.Errorf("config: Onion: Hops '%v' is invalid", oCfg.Hops)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// DedupeCacheSize bounds the inbound message ID dedupe cache.
	DedupeCacheSize int

	// ReceiveQueueSize bounds the delivered message channel.
	ReceiveQueueSize int
}

func (dCfg *Debug) fixup() {
	if dCfg.DedupeCacheSize <= 0 {
		dCfg.DedupeCacheSize = defaultDedupeCacheSize
	}
	if dCfg.ReceiveQueueSize <= 0 {
		dCfg.ReceiveQueueSize = defaultReceiveQueueSize
	}
}

// Config is the top level client configuration.
type Config struct {
	// DataDir is the directory holding the client databases.
	DataDir string

	Logging   *Logging
	Storage   *Storage
	Pool      *Pool
	RateLimit *RateLimit
	Onion     *Onion
	Debug     *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: DataDir is not set")
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Storage == nil {
		c.Storage = &Storage{}
	}
	if c.Pool == nil {
		c.Pool = &Pool{}
	}
	if c.RateLimit == nil {
		c.RateLimit = &RateLimit{}
	}
	if c.Onion == nil {
		c.Onion = &Onion{}
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}
	c.Storage.fixup()
	c.Pool.fixup()
	c.RateLimit.fixup()
	if err := c.Onion.validate(); err != nil {
		return err
	}
	c.Debug.fixup()
	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
