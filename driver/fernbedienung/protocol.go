// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fernbedienung

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// maxFrameLength bounds a single frame. Uploads are the largest
// messages; experiment bundles are far below this.
const maxFrameLength = 16 << 20

// writeFrame writes payload with a u32 big-endian length prefix.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLength {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", len(payload), maxFrameLength)
	}
	frame := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	_, err := w.Write(append(frame, payload...))
	return err
}

var errFrameTooLarge = errors.New("frame exceeds length limit")

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLength {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// byteArray is binary data encoded as a JSON array of numbers, the
// representation the robot-side daemon uses for byte buffers.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	numbers := make([]uint16, len(b))
	for index, value := range b {
		numbers[index] = uint16(value)
	}
	return json.Marshal(numbers)
}

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var numbers []uint8Number
	if err := json.Unmarshal(data, &numbers); err != nil {
		return err
	}
	*b = make(byteArray, len(numbers))
	for index, value := range numbers {
		(*b)[index] = byte(value)
	}
	return nil
}

// uint8Number rejects values outside 0..255 during decoding.
type uint8Number uint8

func (n *uint8Number) UnmarshalJSON(data []byte) error {
	var value int
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if value < 0 || value > 255 {
		return fmt.Errorf("byte value %d out of range", value)
	}
	*n = uint8Number(value)
	return nil
}

type uploadBody struct {
	Filename string    `json:"filename"`
	Path     string    `json:"path"`
	Contents byteArray `json:"contents"`
}

type runBody struct {
	Target           string   `json:"target"`
	WorkingDirectory *string  `json:"working_dir"`
	Arguments        []string `json:"args"`
}

// requestKind is the body of a request. Exactly one field is set, or
// halt/reboot/terminate.
type requestKind struct {
	halt      bool
	reboot    bool
	terminate bool
	upload    *uploadBody
	run       *runBody
}

// request is encoded as the two-element array [id, kind], with kind in
// external tagging: "Halt", {"Upload": {...}}, {"Process": {"Run": {...}}},
// {"Process": "Terminate"}.
type request struct {
	ID   uuid.UUID
	Kind requestKind
}

func (r request) MarshalJSON() ([]byte, error) {
	var kind any
	switch {
	case r.Kind.halt:
		kind = "Halt"
	case r.Kind.reboot:
		kind = "Reboot"
	case r.Kind.terminate:
		kind = map[string]any{"Process": "Terminate"}
	case r.Kind.upload != nil:
		kind = map[string]any{"Upload": r.Kind.upload}
	case r.Kind.run != nil:
		kind = map[string]any{"Process": map[string]any{"Run": r.Kind.run}}
	default:
		return nil, errors.New("empty request")
	}
	return json.Marshal([]any{r.ID, kind})
}

func (r *request) UnmarshalJSON(data []byte) error {
	var id uuid.UUID
	var kind json.RawMessage
	if err := json.Unmarshal(data, &[]any{&id, &kind}); err != nil {
		return err
	}
	r.ID = id
	var tag string
	if json.Unmarshal(kind, &tag) == nil {
		switch tag {
		case "Halt":
			r.Kind = requestKind{halt: true}
		case "Reboot":
			r.Kind = requestKind{reboot: true}
		default:
			return fmt.Errorf("unknown request %q", tag)
		}
		return nil
	}
	var tagged struct {
		Upload  *uploadBody     `json:"Upload"`
		Process json.RawMessage `json:"Process"`
	}
	if err := json.Unmarshal(kind, &tagged); err != nil {
		return err
	}
	switch {
	case tagged.Upload != nil:
		r.Kind = requestKind{upload: tagged.Upload}
	case tagged.Process != nil:
		if json.Unmarshal(tagged.Process, &tag) == nil && tag == "Terminate" {
			r.Kind = requestKind{terminate: true}
			return nil
		}
		var process struct {
			Run *runBody `json:"Run"`
		}
		if err := json.Unmarshal(tagged.Process, &process); err != nil || process.Run == nil {
			return fmt.Errorf("unknown process request %s", tagged.Process)
		}
		r.Kind = requestKind{run: process.Run}
	default:
		return fmt.Errorf("unknown request %s", kind)
	}
	return nil
}

type responseType uint8

const (
	responseOK responseType = iota + 1
	responseError
	responseStdout
	responseStderr
	responseTerminated
)

// response is [id-or-null, kind] with kind "Ok", {"Error": msg},
// {"Process": {"StandardOutput": [...]}}, {"Process": {"StandardError": [...]}},
// or {"Process": {"Terminated": bool}}.
type response struct {
	ID      uuid.NullUUID
	Type    responseType
	Message string
	Data    byteArray
	Success bool
}

func (r response) MarshalJSON() ([]byte, error) {
	var kind any
	switch r.Type {
	case responseOK:
		kind = "Ok"
	case responseError:
		kind = map[string]string{"Error": r.Message}
	case responseStdout:
		kind = map[string]any{"Process": map[string]any{"StandardOutput": r.Data}}
	case responseStderr:
		kind = map[string]any{"Process": map[string]any{"StandardError": r.Data}}
	case responseTerminated:
		kind = map[string]any{"Process": map[string]bool{"Terminated": r.Success}}
	default:
		return nil, fmt.Errorf("unknown response type %d", r.Type)
	}
	return json.Marshal([]any{r.ID, kind})
}

func (r *response) UnmarshalJSON(data []byte) error {
	var id uuid.NullUUID
	var kind json.RawMessage
	if err := json.Unmarshal(data, &[]any{&id, &kind}); err != nil {
		return err
	}
	r.ID = id
	var tag string
	if json.Unmarshal(kind, &tag) == nil {
		if tag != "Ok" {
			return fmt.Errorf("unknown response %q", tag)
		}
		r.Type = responseOK
		return nil
	}
	var tagged struct {
		Error   *string `json:"Error"`
		Process *struct {
			StandardOutput *byteArray `json:"StandardOutput"`
			StandardError  *byteArray `json:"StandardError"`
			Terminated     *bool      `json:"Terminated"`
		} `json:"Process"`
	}
	if err := json.Unmarshal(kind, &tagged); err != nil {
		return err
	}
	switch {
	case tagged.Error != nil:
		r.Type, r.Message = responseError, *tagged.Error
	case tagged.Process != nil && tagged.Process.StandardOutput != nil:
		r.Type, r.Data = responseStdout, *tagged.Process.StandardOutput
	case tagged.Process != nil && tagged.Process.StandardError != nil:
		r.Type, r.Data = responseStderr, *tagged.Process.StandardError
	case tagged.Process != nil && tagged.Process.Terminated != nil:
		r.Type, r.Success = responseTerminated, *tagged.Process.Terminated
	default:
		return fmt.Errorf("unknown response %s", kind)
	}
	return nil
}
