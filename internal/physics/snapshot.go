package physics

// BodyState is the broadcast form of one body. Vectors are [x, y, z];
// orientation is [x, y, z, w].
type BodyState struct {
	Index       int        `json:"index"`
	Layer       int        `json:"layer"`
	Locked      bool       `json:"locked,omitempty"`
	Fallen      bool       `json:"fallen,omitempty"`
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation"`
	Velocity    [3]float64 `json:"velocity"`
	AngularVel  [3]float64 `json:"angularVelocity"`
}

// Snapshot copies every body's kinematic state in index order.
func (w *World) Snapshot() []BodyState {
	out := make([]BodyState, len(w.bodies))
	for i, b := range w.bodies {
		out[i] = BodyState{
			Index:       b.index,
			Layer:       b.layer,
			Locked:      b.locked,
			Fallen:      b.fallen,
			Position:    [3]float64{b.pos.X, b.pos.Y, b.pos.Z},
			Orientation: [4]float64{b.rot.Imag, b.rot.Jmag, b.rot.Kmag, b.rot.Real},
			Velocity:    [3]float64{b.vel.X, b.vel.Y, b.vel.Z},
			AngularVel:  [3]float64{b.angVel.X, b.angVel.Y, b.angVel.Z},
		}
	}
	return out
}
