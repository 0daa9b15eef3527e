// Package move validates player move proposals before they reach the
// physics world. Everything here is pure and safe for concurrent use.
package move

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// MaxForce caps the Euclidean magnitude of a move's force vector.
	MaxForce = 100.0
	// MaxPointRadius caps the distance of the application point from the
	// block's center.
	MaxPointRadius = 5.0
)

type Kind string

const (
	KindInvalidData Kind = "INVALID_MOVE_DATA"
	KindOutOfBounds Kind = "MOVE_OUT_OF_BOUNDS"
	KindBlockLocked Kind = "BLOCK_LOCKED"
)

// ValidationError reports why a proposal was refused.
type ValidationError struct {
	Kind   Kind
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Detail)
}

// Code satisfies the error-code convention used by the wire layer.
func (e *ValidationError) Code() string { return string(e.Kind) }

// Vector is the wire form of a 3-D vector. Nil components are missing.
type Vector struct {
	X *float64 `json:"x" msgpack:"x"`
	Y *float64 `json:"y" msgpack:"y"`
	Z *float64 `json:"z" msgpack:"z"`
}

// Input is a move proposal as received from a client.
type Input struct {
	BlockIndex *float64 `json:"blockIndex" msgpack:"blockIndex"`
	Force      *Vector  `json:"force" msgpack:"force"`
	Point      *Vector  `json:"point" msgpack:"point"`
}

// Move is a validated proposal. Point is relative to the block's center.
type Move struct {
	BlockIndex int
	Force      r3.Vec
	Point      r3.Vec
}

// Limits describes the tower the move targets.
type Limits struct {
	BlockCount int
	// LockedFrom marks every index >= LockedFrom as locked. Zero disables locking.
	LockedFrom int
}

// Validate checks a proposal's shape and physical bounds.
func Validate(in *Input, limits Limits) (Move, error) {
	if in == nil {
		return Move{}, &ValidationError{Kind: KindInvalidData, Detail: "move is missing"}
	}

	idx, err := blockIndex(in.BlockIndex, limits.BlockCount)
	if err != nil {
		return Move{}, err
	}
	force, err := vector("force", in.Force)
	if err != nil {
		return Move{}, err
	}
	point, err := vector("point", in.Point)
	if err != nil {
		return Move{}, err
	}

	if n := r3.Norm(force); n > MaxForce {
		return Move{}, &ValidationError{Kind: KindOutOfBounds, Field: "force", Detail: fmt.Sprintf("magnitude %.2f exceeds %.0f", n, MaxForce)}
	}
	if n := r3.Norm(point); n > MaxPointRadius {
		return Move{}, &ValidationError{Kind: KindOutOfBounds, Field: "point", Detail: fmt.Sprintf("radius %.2f exceeds %.0f", n, MaxPointRadius)}
	}
	if limits.LockedFrom > 0 && idx >= limits.LockedFrom {
		return Move{}, &ValidationError{Kind: KindBlockLocked, Field: "blockIndex", Detail: fmt.Sprintf("block %d is locked", idx)}
	}

	return Move{BlockIndex: idx, Force: force, Point: point}, nil
}

func blockIndex(raw *float64, count int) (int, error) {
	if raw == nil {
		return 0, &ValidationError{Kind: KindInvalidData, Field: "blockIndex", Detail: "missing"}
	}
	v := *raw
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, &ValidationError{Kind: KindInvalidData, Field: "blockIndex", Detail: "not an integer"}
	}
	if v < 0 || v >= float64(count) {
		return 0, &ValidationError{Kind: KindInvalidData, Field: "blockIndex", Detail: fmt.Sprintf("%v outside [0, %d)", v, count)}
	}
	return int(v), nil
}

func vector(field string, v *Vector) (r3.Vec, error) {
	if v == nil {
		return r3.Vec{}, &ValidationError{Kind: KindInvalidData, Field: field, Detail: "missing"}
	}
	comps := [3]*float64{v.X, v.Y, v.Z}
	names := [3]string{"x", "y", "z"}
	var out [3]float64
	for i, c := range comps {
		if c == nil {
			return r3.Vec{}, &ValidationError{Kind: KindInvalidData, Field: field + "." + names[i], Detail: "missing"}
		}
		if math.IsNaN(*c) || math.IsInf(*c, 0) {
			return r3.Vec{}, &ValidationError{Kind: KindInvalidData, Field: field + "." + names[i], Detail: "not finite"}
		}
		out[i] = *c
	}
	return r3.Vec{X: out[0], Y: out[1], Z: out[2]}, nil
}

// Float returns a pointer to v; a convenience for building Inputs.
func Float(v float64) *float64 { return &v }

// NewInput builds a fully populated Input.
func NewInput(block int, force, point r3.Vec) *Input {
	return &Input{
		BlockIndex: Float(float64(block)),
		Force:      &Vector{X: Float(force.X), Y: Float(force.Y), Z: Float(force.Z)},
		Point:      &Vector{X: Float(point.X), Y: Float(point.Y), Z: Float(point.Z)},
	}
}
