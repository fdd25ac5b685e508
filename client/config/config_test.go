// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load([]byte(`
DataDir = "/tmp/dmail"
`))
	require.NoError(t, err)
	require.Equal(t, "NOTICE", cfg.Logging.Level)
	require.Equal(t, defaultMessageTTLHours, cfg.Storage.MessageTTLHours)
	require.Equal(t, defaultReplicationFactor, cfg.Storage.ReplicationFactor)
	require.Equal(t, defaultMinRelayConnections, cfg.Pool.MinRelayConnections)
	require.Equal(t, defaultMaxRequests, cfg.RateLimit.MaxRequests)
	require.Equal(t, defaultOnionHops, cfg.Onion.Hops)
	require.False(t, cfg.Onion.Enable)
	require.Equal(t, defaultDedupeCacheSize, cfg.Debug.DedupeCacheSize)
}

func TestConfigSections(t *testing.T) {
	cfg, err := Load([]byte(`
DataDir = "/tmp/dmail"

[Logging]
Level = "debug"

[Storage]
MessageTTLHours = 48

[Onion]
Enable = true
Hops = 2

[RateLimit]
MaxRequests = 20
`))
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, 48, cfg.Storage.MessageTTLHours)
	require.True(t, cfg.Onion.Enable)
	require.Equal(t, 2, cfg.Onion.Hops)
	require.Equal(t, 20, cfg.RateLimit.MaxRequests)
}

func TestConfigRejectsInvalid(t *testing.T) {
	_, err := Load([]byte(``))
	require.Error(t, err) // missing DataDir

	_, err = Load([]byte(`
DataDir = "/tmp/dmail"

[Logging]
Level = "shouting"
`))
	require.Error(t, err)

	_, err = Load([]byte(`
DataDir = "/tmp/dmail"

[Onion]
Hops = 9
`))
	require.Error(t, err)

	_, err = Load([]byte(`
DataDir = "/tmp/dmail"
NoSuchKey = true
`))
	require.Error(t, err)
}
