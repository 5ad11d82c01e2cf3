package keypool

import "sync/atomic"

// Selector hands out credentials round-robin over whatever is available at
// call time. When membership changes between calls the rotation simply
// continues over the new list; no stable global order is kept.
type Selector struct {
	pool   *Pool
	cursor atomic.Uint64
}

// NewSelector returns a Selector over pool with its cursor at zero.
func NewSelector(pool *Pool) *Selector {
	return &Selector{pool: pool}
}

// Next returns the next credential, or ErrPoolExhausted when none is
// available. The cursor advances atomically so concurrent callers never
// lose an increment.
func (s *Selector) Next() (string, error) {
	available := s.pool.Available()
	if len(available) == 0 {
		return "", ErrPoolExhausted
	}
	i := s.cursor.Add(1) - 1
	return available[i%uint64(len(available))], nil
}
