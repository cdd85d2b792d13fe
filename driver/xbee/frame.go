// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xbee

import (
	"encoding/binary"
	"fmt"
)

const (
	preamble = 0x4242

	commandRemoteAT  = 0x02
	responseRemoteAT = 0x82

	// applyChanges asks the module to apply the setting immediately.
	applyChanges = 0x02

	requestHeaderLength  = 12
	responseHeaderLength = 12

	statusOK = 0x00
)

// encodeCommand builds a remote AT command datagram:
//
//	0x4242 0x0000 | packet id | encryption | 0x02 | options | frame id | config | AT(2) | args
func encodeCommand(command string, arguments []byte) []byte {
	packet := make([]byte, 0, requestHeaderLength+len(arguments))
	packet = binary.BigEndian.AppendUint16(packet, preamble)
	packet = binary.BigEndian.AppendUint16(packet, 0x0000)
	packet = append(packet,
		0x00, // packet id
		0x00, // no encryption
		commandRemoteAT,
		0x00, // command options
		0x01, // frame id
		applyChanges,
	)
	packet = append(packet, command[0], command[1])
	return append(packet, arguments...)
}

// response is a decoded remote AT command response:
//
//	0x4242 0x0000 | packet id | encryption | 0x82 | options | frame id | AT(2) | status | data
type response struct {
	command string
	status  byte
	data    []byte
}

func decodeResponse(datagram []byte) (response, error) {
	if len(datagram) < responseHeaderLength {
		return response{}, fmt.Errorf("datagram of %d bytes is shorter than the %d byte header", len(datagram), responseHeaderLength)
	}
	if binary.BigEndian.Uint16(datagram[0:2]) != preamble {
		return response{}, fmt.Errorf("bad preamble %#04x", binary.BigEndian.Uint16(datagram[0:2]))
	}
	if datagram[6] != responseRemoteAT {
		return response{}, fmt.Errorf("unexpected command id %#02x", datagram[6])
	}
	return response{
		command: string(datagram[9:11]),
		status:  datagram[11],
		data:    append([]byte(nil), datagram[12:]...),
	}, nil
}

// encodeResponse is the inverse of decodeResponse. The supervisor never
// sends responses; the function exists for the module simulator in
// tests.
func encodeResponse(command string, status byte, data []byte) []byte {
	packet := make([]byte, 0, responseHeaderLength+len(data))
	packet = binary.BigEndian.AppendUint16(packet, preamble)
	packet = binary.BigEndian.AppendUint16(packet, 0x0000)
	packet = append(packet, 0x00, 0x00, responseRemoteAT, 0x00, 0x01)
	packet = append(packet, command[0], command[1], status)
	return append(packet, data...)
}

// decodeCommand is the inverse of encodeCommand, used by the simulator.
func decodeCommand(datagram []byte) (command string, arguments []byte, err error) {
	if len(datagram) < requestHeaderLength || binary.BigEndian.Uint16(datagram[0:2]) != preamble {
		return "", nil, fmt.Errorf("malformed command datagram")
	}
	return string(datagram[10:12]), datagram[12:], nil
}
