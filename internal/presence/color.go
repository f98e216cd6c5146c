// Package presence assigns the fixed 8-color palette to joining sessions,
// round-robin, with a monotonic shared low-contention counter (spec §5).
package presence

import (
	"sync/atomic"

	"collabtext/internal/model"
)

// Assigner hands out colors from model.Palette round-robin.
type Assigner struct {
	next atomic.Uint64
}

// NewAssigner constructs a color Assigner.
func NewAssigner() *Assigner { return &Assigner{} }

// Next returns the next color in rotation.
func (a *Assigner) Next() model.Color {
	i := a.next.Add(1) - 1
	return model.Palette[i%uint64(len(model.Palette))]
}
