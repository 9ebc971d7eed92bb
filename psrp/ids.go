package psrp

import "sync/atomic"

// objectIDGenerator hands out strictly increasing object ids for the
// fragmenter. PSRP requires object ids to be globally monotonic across a
// session, not merely unique.
type objectIDGenerator struct {
	next atomic.Uint64
}

// Next returns the next object id, starting at 0.
func (g *objectIDGenerator) Next() uint64 {
	return g.next.Add(1) - 1
}
