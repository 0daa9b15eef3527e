// Package physics runs the rigid-body tower for one session.
//
// Bodies collide as axis-aligned boxes using their rest-pose extents; the
// orientation is integrated for display only. A body resting on others
// stays put while its center of mass lies over the region it shares with
// its supporters, otherwise it topples and falls to the ground. That is
// enough to detect displaced blocks and structural collapse, which is all
// the game needs.
package physics

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	BlockLength = 3.0
	BlockHeight = 0.6
	BlockWidth  = 1.0

	BlocksPerLayer = 3
	DefaultLayers  = 18

	// GroundedCutoff is the height below which a body counts as fallen.
	GroundedCutoff = BlockHeight

	DefaultCollapseThreshold = 0.4

	substep      = 1.0 / 240.0
	maxStep      = 0.1
	contactSlop  = 0.01
	restingSpeed = 0.5
	sleepSpeed   = 0.05
	sleepSteps   = 60
	overlapEps   = 1e-3
	toppleSpin   = 2.0
)

type Config struct {
	Difficulty Difficulty
	// Practice unlocks every block.
	Practice    bool
	Layers      int
	Gravity     float64
	MaxSubsteps int
}

func DefaultConfig() Config {
	return Config{
		Difficulty:  DifficultyMedium,
		Layers:      DefaultLayers,
		Gravity:     9.81,
		MaxSubsteps: 8,
	}
}

type body struct {
	index   int
	layer   int
	locked  bool
	half    r3.Vec
	pos     r3.Vec
	rot     quat.Number
	vel     r3.Vec
	angVel  r3.Vec
	mass    float64
	inertia float64

	initialY float64
	toppling bool
	fallen   bool
}

func (b *body) bottom() float64 { return b.pos.Y - b.half.Y }
func (b *body) top() float64    { return b.pos.Y + b.half.Y }

// World is owned by a single session and is not safe for concurrent use.
type World struct {
	cfg       Config
	mat       Material
	bodies    []*body
	asleep    bool
	restSteps int
	elapsed   float64
}

// New builds a resting tower. The world starts asleep.
func New(cfg Config) *World {
	def := DefaultConfig()
	if cfg.Layers <= 0 {
		cfg.Layers = def.Layers
	}
	if cfg.Gravity <= 0 {
		cfg.Gravity = def.Gravity
	}
	if cfg.MaxSubsteps <= 0 {
		cfg.MaxSubsteps = def.MaxSubsteps
	}
	if cfg.Difficulty == "" {
		cfg.Difficulty = def.Difficulty
	}

	w := &World{cfg: cfg, mat: Preset(cfg.Difficulty), asleep: true}
	lockedFrom := w.lockedLayer()

	along := r3.Vec{X: BlockLength / 2, Y: BlockHeight / 2, Z: BlockWidth / 2}
	across := r3.Vec{X: BlockWidth / 2, Y: BlockHeight / 2, Z: BlockLength / 2}
	turned := quat.Number{Real: math.Cos(math.Pi / 4), Jmag: math.Sin(math.Pi / 4)}

	for layer := 0; layer < cfg.Layers; layer++ {
		y := BlockHeight/2 + float64(layer)*BlockHeight
		for i := 0; i < BlocksPerLayer; i++ {
			offset := float64(i-1) * BlockWidth
			b := &body{
				index:    layer*BlocksPerLayer + i,
				layer:    layer,
				locked:   layer >= lockedFrom,
				mass:     w.mat.Mass,
				initialY: y,
			}
			if layer%2 == 0 {
				b.half = along
				b.pos = r3.Vec{Y: y, Z: offset}
				b.rot = quat.Number{Real: 1}
			} else {
				b.half = across
				b.pos = r3.Vec{X: offset, Y: y}
				b.rot = turned
			}
			b.inertia = b.mass * r3.Norm2(b.half) / 3
			w.bodies = append(w.bodies, b)
		}
	}
	return w
}

func (w *World) lockedLayer() int {
	if w.cfg.Practice {
		return w.cfg.Layers
	}
	return w.cfg.Layers - w.mat.LockedTopLayers
}

func (w *World) BlockCount() int { return len(w.bodies) }

// LockedFrom is the first locked block index, or zero when nothing is locked.
func (w *World) LockedFrom() int {
	layer := w.lockedLayer()
	if layer >= w.cfg.Layers {
		return 0
	}
	return layer * BlocksPerLayer
}

func (w *World) Material() Material { return w.mat }

// Awake reports whether bodies are still being integrated.
func (w *World) Awake() bool { return !w.asleep }

// Elapsed is the simulated time in seconds.
func (w *World) Elapsed() float64 { return w.elapsed }

// ApplyImpulse wakes the world and applies force at point, relative to the
// block's center. Out-of-range indices are ignored.
func (w *World) ApplyImpulse(index int, force, point r3.Vec) {
	if index < 0 || index >= len(w.bodies) {
		return
	}
	w.wake()
	b := w.bodies[index]
	b.vel = r3.Add(b.vel, r3.Scale(1/b.mass, force))
	if b.inertia > 0 {
		b.angVel = r3.Add(b.angVel, r3.Scale(1/b.inertia, r3.Cross(point, force)))
	}
}

func (w *World) wake() {
	w.asleep = false
	w.restSteps = 0
}

// Step advances the simulation by dt seconds, split into fixed substeps.
func (w *World) Step(dt float64) {
	if dt <= 0 || w.asleep {
		return
	}
	if dt > maxStep {
		dt = maxStep
	}
	n := int(math.Ceil(dt / substep))
	if n > w.cfg.MaxSubsteps {
		n = w.cfg.MaxSubsteps
	}
	if n < 1 {
		n = 1
	}
	h := dt / float64(n)
	for i := 0; i < n && !w.asleep; i++ {
		w.substep(h)
	}
	w.elapsed += dt
}

func (w *World) substep(h float64) {
	g := w.cfg.Gravity
	resting := true
	for _, b := range w.bodies {
		b.vel.Y -= g * h
		b.vel = r3.Scale(math.Max(0, 1-w.mat.LinearDamping*h), b.vel)
		b.angVel = r3.Scale(math.Max(0, 1-w.mat.AngularDamping*h), b.angVel)
		b.pos = r3.Add(b.pos, r3.Scale(h, b.vel))
		b.rot = integrate(b.rot, b.angVel, h)

		if b.bottom() <= 0 {
			w.landOnGround(b, h)
		} else if !b.toppling {
			w.resolveSupport(b, h)
		}

		if b.pos.Y < GroundedCutoff && b.initialY >= GroundedCutoff {
			b.fallen = true
		}
		if r3.Norm(b.vel) > sleepSpeed || r3.Norm(b.angVel) > sleepSpeed {
			resting = false
		}
	}

	if resting {
		w.restSteps++
		if w.restSteps >= sleepSteps {
			w.asleep = true
			for _, b := range w.bodies {
				b.vel = r3.Vec{}
				b.angVel = r3.Vec{}
			}
		}
	} else {
		w.restSteps = 0
	}
}

func (w *World) landOnGround(b *body, h float64) {
	b.pos.Y = b.half.Y
	b.vel.Y = w.bounce(b.vel.Y, 0)
	b.toppling = false
	w.applyFriction(b, h)
}

// resolveSupport settles b onto the bodies directly beneath it, or marks it
// toppling when its center of mass overhangs them or it lands too hard.
func (w *World) resolveSupport(b *body, h float64) {
	var (
		support    rect
		found      bool
		highest    *body
		bottom     = b.bottom()
		tolerance  = b.half.Y
		footprintB = footprint(b)
	)
	for _, s := range w.bodies {
		if s == b || s.toppling {
			continue
		}
		top := s.top()
		if bottom > top+contactSlop || bottom < top-tolerance {
			continue
		}
		overlap, ok := footprintB.intersect(footprint(s))
		if !ok {
			continue
		}
		if !found {
			support = overlap
		} else {
			support = support.union(overlap)
		}
		found = true
		if highest == nil || top > highest.top() {
			highest = s
		}
	}
	if !found {
		return
	}
	if b.vel.Y > highest.vel.Y {
		// Separating.
		return
	}

	impact := highest.vel.Y - b.vel.Y
	b.pos.Y = highest.top() + b.half.Y
	b.vel.Y = w.bounce(b.vel.Y, highest.vel.Y)

	if impact > w.mat.ImpactTolerance || !support.contains(b.pos.X, b.pos.Z) {
		w.topple(b, support)
		return
	}
	w.applyFriction(b, h)
}

func (w *World) topple(b *body, support rect) {
	b.toppling = true
	cx, cz := support.center()
	dir := r3.Vec{X: b.pos.X - cx, Z: b.pos.Z - cz}
	if r3.Norm(dir) < 1e-6 {
		dir = r3.Vec{X: 1}
	}
	axis := r3.Unit(r3.Cross(r3.Vec{Y: 1}, dir))
	b.angVel = r3.Add(b.angVel, r3.Scale(toppleSpin, axis))
	// Push off the edge so the body clears its former supporters.
	b.vel = r3.Add(b.vel, r3.Scale(0.5, r3.Unit(dir)))
}

func (w *World) bounce(vy, surface float64) float64 {
	rel := vy - surface
	if -rel < restingSpeed {
		return surface
	}
	return surface - rel*w.mat.Restitution
}

func (w *World) applyFriction(b *body, h float64) {
	horizontal := r3.Vec{X: b.vel.X, Z: b.vel.Z}
	speed := r3.Norm(horizontal)
	if speed == 0 {
		return
	}
	drop := w.mat.Friction * w.cfg.Gravity * h
	scale := math.Max(0, speed-drop) / speed
	b.vel.X *= scale
	b.vel.Z *= scale
	b.angVel = r3.Scale(scale, b.angVel)
}

func integrate(q quat.Number, omega r3.Vec, h float64) quat.Number {
	if omega == (r3.Vec{}) {
		return q
	}
	spin := quat.Number{Imag: omega.X, Jmag: omega.Y, Kmag: omega.Z}
	q = quat.Add(q, quat.Scale(0.5*h, quat.Mul(spin, q)))
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	return q
}

// IsCollapsed reports whether the fallen share of all bodies has reached
// threshold. Fallen bodies stay fallen, so the result never reverts.
func (w *World) IsCollapsed(threshold float64) bool {
	if len(w.bodies) == 0 {
		return false
	}
	fallen, total := w.FallenCount()
	return float64(fallen)/float64(total) >= threshold
}

func (w *World) FallenCount() (fallen, total int) {
	for _, b := range w.bodies {
		if b.fallen {
			fallen++
		}
	}
	return fallen, len(w.bodies)
}

type rect struct {
	minX, maxX, minZ, maxZ float64
}

func footprint(b *body) rect {
	return rect{
		minX: b.pos.X - b.half.X,
		maxX: b.pos.X + b.half.X,
		minZ: b.pos.Z - b.half.Z,
		maxZ: b.pos.Z + b.half.Z,
	}
}

func (r rect) intersect(o rect) (rect, bool) {
	out := rect{
		minX: math.Max(r.minX, o.minX),
		maxX: math.Min(r.maxX, o.maxX),
		minZ: math.Max(r.minZ, o.minZ),
		maxZ: math.Min(r.maxZ, o.maxZ),
	}
	if out.maxX-out.minX < overlapEps || out.maxZ-out.minZ < overlapEps {
		return rect{}, false
	}
	return out, true
}

func (r rect) union(o rect) rect {
	return rect{
		minX: math.Min(r.minX, o.minX),
		maxX: math.Max(r.maxX, o.maxX),
		minZ: math.Min(r.minZ, o.minZ),
		maxZ: math.Max(r.maxZ, o.maxZ),
	}
}

func (r rect) contains(x, z float64) bool {
	return x >= r.minX-overlapEps && x <= r.maxX+overlapEps && z >= r.minZ-overlapEps && z <= r.maxZ+overlapEps
}

func (r rect) center() (float64, float64) {
	return (r.minX + r.maxX) / 2, (r.minZ + r.maxZ) / 2
}
