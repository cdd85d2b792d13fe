// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package uisync

// inbound is any operator message. A poll is {type: "update", tab};
// a command is {type: <target>, action, uuid, file?}.
type inbound struct {
	Type   string   `json:"type"`
	Tab    string   `json:"tab,omitempty"`
	Action string   `json:"action,omitempty"`
	UUID   string   `json:"uuid,omitempty"`
	File   []string `json:"file,omitempty"`
}

const typeUpdate = "update"

// viewMessage states the complete card list of the operator's tab.
type viewMessage struct {
	Title string `json:"title"`
	Cards []Card `json:"cards"`
}

type errorMessage struct {
	Error string `json:"error"`
}
