// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

// StoreRequest is the store-protocol request frame.
type StoreRequest struct {
	Action string  `json:"action"`
	Record *Record `json:"record"`
}

// StoreResponse is the store-protocol response frame.
type StoreResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FetchRequest is the fetch-protocol request frame.  Either Recipient or
// RoutingToken identifies the mailbox.
type FetchRequest struct {
	Action       string `json:"action"`
	Recipient    string `json:"recipient,omitempty"`
	RoutingToken string `json:"routingToken,omitempty"`
}

// FetchResponse is the fetch-protocol response frame.
type FetchResponse struct {
	Messages []*Record `json:"messages,omitempty"`
	Error    string    `json:"error,omitempty"`
}
