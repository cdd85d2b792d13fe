// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// supervisor-journal reads a supervisor journal file.
//
// By default every entry is written to stdout as one JSON object per
// line, with its payload decoded. Output to a terminal is indented.
// --summary instead reports, per robot, the pose samples, process
// output and the router traffic of the ARGoS instance it ran.
//
// The journal may be read while the supervisor is still writing it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/codec"
	"github.com/bureau-foundation/supervisor/lib/process"
	"github.com/bureau-foundation/supervisor/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		from        uint64
		kinds       []string
		summary     bool
		indent      string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("supervisor-journal", pflag.ContinueOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: supervisor-journal [flags] JOURNAL_FILE\n\n")
		flagSet.PrintDefaults()
	}
	flagSet.Uint64Var(&from, "from", 0, "first sequence number to read")
	flagSet.StringSliceVar(&kinds, "kind", nil, "only entries of these kinds (repeatable)")
	flagSet.BoolVar(&summary, "summary", false, "print a per-robot summary instead of entries")
	flagSet.StringVar(&indent, "indent", "auto", "indent JSON output: always, never, or auto (on a terminal)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("supervisor-journal")
		return nil
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("exactly one journal file is required")
	}
	path := flagSet.Arg(0)

	var pretty bool
	switch indent {
	case "always":
		pretty = true
	case "never":
	case "auto":
		pretty = term.IsTerminal(int(os.Stdout.Fd()))
	default:
		return fmt.Errorf("--indent: unknown mode %q", indent)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if summary {
		report := newSummary()
		if err := journal.ReadFile(ctx, path, from, report.add); err != nil {
			return err
		}
		return report.write(os.Stdout)
	}
	return dump(ctx, os.Stdout, path, from, kinds, pretty)
}

// record is the JSON form of one entry.
type record struct {
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"`
	Compression string    `json:"compression"`
	Payload     any       `json:"payload"`
}

// dump writes the entries of path, restricted to kinds when it is not
// empty.
func dump(ctx context.Context, output io.Writer, path string, from uint64, kinds []string, pretty bool) error {
	encoder := json.NewEncoder(output)
	if pretty {
		encoder.SetIndent("", "  ")
	}
	return journal.ReadFile(ctx, path, from, func(entry journal.Entry) error {
		if len(kinds) > 0 && !slices.Contains(kinds, string(entry.Kind)) {
			return nil
		}
		payload, err := decodePayload(entry)
		if err != nil {
			return err
		}
		return encoder.Encode(record{
			Sequence:    entry.Sequence,
			Timestamp:   entry.Timestamp.UTC(),
			Kind:        string(entry.Kind),
			Compression: entry.Compression.String(),
			Payload:     payload,
		})
	})
}

// decodePayload decodes entry into its payload type. Kinds this build
// does not know are rendered in CBOR diagnostic notation.
func decodePayload(entry journal.Entry) (any, error) {
	var payload any
	switch entry.Kind {
	case journal.KindRobotAppeared:
		payload = &journal.RobotAppeared{}
	case journal.KindState:
		payload = &journal.StateChange{}
	case journal.KindOperator:
		payload = &journal.Operator{}
	case journal.KindOutput:
		payload = &journal.Output{}
	case journal.KindPose:
		payload = &journal.Pose{}
	case journal.KindBroadcast:
		payload = &journal.Broadcast{}
	case journal.KindPeer:
		payload = &journal.Peer{}
	case journal.KindExperiment:
		payload = &journal.Experiment{}
	default:
		diagnostic, err := codec.Diagnose(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, err)
		}
		return map[string]string{"cbor": diagnostic}, nil
	}
	if err := entry.Decode(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
