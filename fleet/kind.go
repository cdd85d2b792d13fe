// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import "fmt"

// Kind is the robot platform.
type Kind uint8

const (
	KindDrone Kind = iota + 1
	KindPiPuck
	KindBuilderBot
)

// Kinds lists every supported kind in display order.
var Kinds = []Kind{KindDrone, KindPiPuck, KindBuilderBot}

func (k Kind) String() string {
	switch k {
	case KindDrone:
		return "drone"
	case KindPiPuck:
		return "pipuck"
	case KindBuilderBot:
		return "builderbot"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DisplayName is the human-readable platform name used on cards.
func (k Kind) DisplayName() string {
	switch k {
	case KindDrone:
		return "Drone"
	case KindPiPuck:
		return "Pi-Puck"
	case KindBuilderBot:
		return "BuilderBot"
	default:
		return k.String()
	}
}

// ParseKind parses the configuration spelling of a kind.
func ParseKind(text string) (Kind, error) {
	for _, kind := range Kinds {
		if kind.String() == text {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown robot kind %q", text)
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < KindDrone || k > KindBuilderBot {
		return nil, fmt.Errorf("cannot marshal invalid robot kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
