// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/fleet"
)

var (
	// ErrMissingConfig is returned when a bundle has no .argos file.
	ErrMissingConfig = errors.New("ARGoS configuration file missing")

	// ErrMultipleConfigs is returned when a bundle has more than one
	// .argos file.
	ErrMultipleConfigs = errors.New("more than one ARGoS configuration file provided")
)

// MissingReferenceError names a controller script the configuration
// refers to that the bundle does not contain.
type MissingReferenceError struct {
	Script string
}

func (e *MissingReferenceError) Error() string {
	return fmt.Sprintf("could not find referenced file %s", e.Script)
}

// File is one file of a bundle.
type File struct {
	Name     string
	Contents []byte
}

// Bundle is the control software for one robot kind. Files keep the
// order in which they were first added.
type Bundle struct {
	files []File
}

// Add stores a file, replacing any file with the same name.
func (b *Bundle) Add(name string, contents []byte) {
	contents = bytes.Clone(contents)
	for i := range b.files {
		if b.files[i].Name == name {
			b.files[i].Contents = contents
			return
		}
	}
	b.files = append(b.files, File{Name: name, Contents: contents})
}

// Clear removes every file.
func (b *Bundle) Clear() { b.files = nil }

// Files returns the bundle's files. The slice must not be modified.
func (b *Bundle) Files() []File { return b.files }

// Empty reports whether the bundle has no files.
func (b *Bundle) Empty() bool { return len(b.files) == 0 }

// Config returns the bundle's single ARGoS configuration file.
func (b *Bundle) Config() (File, error) {
	var found []File
	for _, file := range b.files {
		if strings.Contains(file.Name, ".argos") {
			found = append(found, file)
		}
	}
	switch len(found) {
	case 0:
		return File{}, ErrMissingConfig
	case 1:
		return found[0], nil
	default:
		return File{}, ErrMultipleConfigs
	}
}

// Check validates the bundle: exactly one configuration file, which is
// well-formed XML, and every Lua controller script it references is
// present.
func (b *Bundle) Check() error {
	config, err := b.Config()
	if err != nil {
		return err
	}
	scripts, err := controllerScripts(config.Contents)
	if err != nil {
		return fmt.Errorf("configuration file %s: %w", config.Name, err)
	}
	for _, script := range scripts {
		if !slices.ContainsFunc(b.files, func(file File) bool { return file.Name == script }) {
			return &MissingReferenceError{Script: script}
		}
	}
	return nil
}

// Summary describes the bundle for the operator view.
func (b *Bundle) Summary(kind fleet.Kind) arena.Bundle {
	summary := arena.Bundle{Kind: kind}
	for _, file := range b.files {
		sum := blake3.Sum256(file.Contents)
		summary.Files = append(summary.Files, arena.File{
			Name:     file.Name,
			Size:     len(file.Contents),
			Checksum: hex.EncodeToString(sum[:8]),
		})
	}
	if len(b.files) > 0 {
		if err := b.Check(); err != nil {
			summary.Problem = err.Error()
		}
	}
	return summary
}

// controllerScripts returns the script attributes of
// controllers/lua_controller/params elements.
func controllerScripts(document []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(document))
	var stack []string
	var scripts []string
	rooted := false
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("not valid XML: %w", err)
		}
		switch element := token.(type) {
		case xml.StartElement:
			depth := len(stack)
			if element.Name.Local == "params" && depth >= 2 &&
				stack[depth-1] == "lua_controller" && stack[depth-2] == "controllers" {
				for _, attribute := range element.Attr {
					if attribute.Name.Local == "script" {
						scripts = append(scripts, attribute.Value)
					}
				}
			}
			stack = append(stack, element.Name.Local)
			rooted = true
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		}
	}
	if !rooted || len(stack) != 0 {
		return nil, errors.New("not valid XML: no complete root element")
	}
	return scripts, nil
}
