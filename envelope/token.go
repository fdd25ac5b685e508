// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	tokenInfo = "dmail-routing-token-v1"
	tokenSize = 32
)

// Token derives the routing token for an address.  The derivation is a
// one-way keyed hash: without already knowing the address, observing the
// token reveals nothing about it.
func Token(address string) string {
	out := make([]byte, tokenSize)
	h := hkdf.New(sha256.New, []byte(address), nil, []byte(tokenInfo))
	if _, err := io.ReadFull(h, out); err != nil {
		panic("envelope: hkdf failure: " + err.Error())
	}
	return hex.EncodeToString(out)
}
