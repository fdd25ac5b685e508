// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

const (
	// KeySize is the size in bytes of all ratchet keys.
	KeySize = 32

	// MaxSkip is the maximum number of message keys that will be derived
	// and cached for out-of-order delivery.  A header advertising a
	// counter further ahead than this fails the decrypt.
	MaxSkip = 1000
)

var (
	rootInfo    = []byte("dmail-ratchet-root-v1")
	chainInfo   = []byte("dmail-ratchet-chain-v1")
	messageInfo = []byte("dmail-ratchet-message-v1")
)
