// Package metrics turns per-frame landmark sets into a table of named scalar
// values driven by declarative definitions.
package metrics

import (
	"errors"
	"fmt"
	"strings"

	"github.com/heimdex/heimdex-motion/internal/pose"
)

// ErrInvalidDefinition is wrapped by every definition validation failure.
var ErrInvalidDefinition = errors.New("invalid metric definition")

// Kind selects how a metric is computed.
type Kind string

const (
	// KindAngle is the angle in degrees at the middle of three landmarks.
	KindAngle Kind = "angle"
	// KindHeight is the vertical coordinate of one landmark.
	KindHeight Kind = "height"
)

// ParseKind accepts the configuration spellings of a kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAngle:
		return KindAngle, nil
	case KindHeight:
		return KindHeight, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, s)
}

func (k Kind) arity() int {
	switch k {
	case KindAngle:
		return 3
	case KindHeight:
		return 1
	}
	return 0
}

// Definition is one named metric recipe.
type Definition struct {
	Name   string
	Kind   Kind
	Points []pose.LandmarkName
}

// Angle builds an angle definition with the vertex at p2.
func Angle(name string, p1, p2, p3 pose.LandmarkName) Definition {
	return Definition{Name: name, Kind: KindAngle, Points: []pose.LandmarkName{p1, p2, p3}}
}

// Height builds a height definition.
func Height(name string, p pose.LandmarkName) Definition {
	return Definition{Name: name, Kind: KindHeight, Points: []pose.LandmarkName{p}}
}

// Validate checks a single definition in isolation.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	want := d.Kind.arity()
	if want == 0 {
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidDefinition, d.Name, d.Kind)
	}
	if len(d.Points) != want {
		return fmt.Errorf("%w: %s: %s needs %d points, got %d", ErrInvalidDefinition, d.Name, d.Kind, want, len(d.Points))
	}
	seen := make(map[pose.LandmarkName]bool, len(d.Points))
	for _, p := range d.Points {
		if !p.Valid() {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, d.Name, p)
		}
		if seen[p] {
			return fmt.Errorf("%w: %s: landmark %s repeated", ErrInvalidDefinition, d.Name, p)
		}
		seen[p] = true
	}
	return nil
}

// ValidateDefinitions checks every definition and that names are unique.
func ValidateDefinitions(defs []Definition) error {
	names := make(map[string]bool, len(defs))
	for i, d := range defs {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("definition %d: %w", i, err)
		}
		if names[d.Name] {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidDefinition, d.Name)
		}
		names[d.Name] = true
	}
	return nil
}
