package keypool

import "time"

// KeyStat is the per-credential entry of a Status report.
type KeyStat struct {
	Key          string     `json:"key"`
	UsageCount   int        `json:"usageCount"`
	LastUsed     *time.Time `json:"lastUsed"`
	IsBlocked    bool       `json:"isBlocked"`
	ErrorCount   int        `json:"errorCount"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

// Status is the operator-facing view of the pool. Keys are always masked.
type Status struct {
	TotalKeys     int       `json:"totalKeys"`
	AvailableKeys int       `json:"availableKeys"`
	BlockedKeys   int       `json:"blockedKeys"`
	KeyStats      []KeyStat `json:"keyStats"`
}

// Reporter projects pool state for health and admin endpoints.
type Reporter struct {
	pool *Pool
}

// NewReporter returns a Reporter over pool.
func NewReporter(pool *Pool) *Reporter {
	return &Reporter{pool: pool}
}

// Status reports totals and per-credential stats. The availability pass runs
// before the snapshot so expired blocks are shown as cleared.
func (r *Reporter) Status() Status {
	available := len(r.pool.Available())
	views := r.pool.Snapshot()

	st := Status{
		TotalKeys:     len(views),
		AvailableKeys: available,
		BlockedKeys:   len(views) - available,
		KeyStats:      make([]KeyStat, len(views)),
	}
	for i, v := range views {
		ks := KeyStat{
			Key:        v.Masked,
			UsageCount: v.UsageCount,
			IsBlocked:  v.Blocked,
			ErrorCount: v.ErrorCount,
		}
		if !v.LastUsedAt.IsZero() {
			t := v.LastUsedAt
			ks.LastUsed = &t
		}
		if v.Blocked {
			t := v.BlockedUntil
			ks.BlockedUntil = &t
		}
		st.KeyStats[i] = ks
	}
	return st
}

// AvailableCount returns how many credentials are currently eligible.
func (r *Reporter) AvailableCount() int {
	return len(r.pool.Available())
}

// TotalCount returns the pool size.
func (r *Reporter) TotalCount() int {
	return r.pool.Len()
}
