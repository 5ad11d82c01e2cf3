// Package keypool owns the provider credential pool. It tracks per-credential
// health, answers which credentials are currently eligible for selection,
// rotates through them round-robin, and projects a masked status view for
// operators.
//
// All state is process-local and in memory. Nothing here coordinates with
// other replicas.
package keypool

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dskow/promptcraft/internal/metrics"
)

// credentialMetrics is the mutable health record for one credential.
// Invariant: blocked implies blockedUntil is set.
type credentialMetrics struct {
	usageCount   int
	lastUsedAt   time.Time
	errorCount   int
	blocked      bool
	blockedUntil time.Time
}

// CredentialView is a read-only, masked copy of one credential's metrics.
type CredentialView struct {
	Masked       string
	UsageCount   int
	LastUsedAt   time.Time // zero when never used
	ErrorCount   int
	Blocked      bool
	BlockedUntil time.Time // zero unless Blocked
}

// Pool holds the credential list and its metrics. Credentials are fixed at
// construction; only their metrics change afterwards, and only through the
// Record* methods.
type Pool struct {
	mu          sync.Mutex
	credentials []string
	metrics     map[string]*credentialMetrics

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now, letting tests drive quarantine expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the logger used for block and unblock transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// New builds a pool over credentials. Entries are trimmed, blanks and
// duplicates are dropped, and order is preserved. An empty result is a
// *ConfigurationError.
func New(credentials []string, opts ...Option) (*Pool, error) {
	p := &Pool{
		metrics: make(map[string]*credentialMetrics, len(credentials)),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, c := range credentials {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := p.metrics[c]; dup {
			continue
		}
		p.credentials = append(p.credentials, c)
		p.metrics[c] = &credentialMetrics{}
	}

	if len(p.credentials) == 0 {
		return nil, &ConfigurationError{Reason: "credential list is empty", Err: ErrNoCredentials}
	}

	metrics.CredentialsTotal.Set(float64(len(p.credentials)))
	metrics.CredentialsAvailable.Set(float64(len(p.credentials)))
	return p, nil
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.credentials)
}

// Available returns the credentials that are not blocked, in pool order.
// Any credential whose block has expired is reclaimed first: it is unblocked
// and its error count cleared. An empty result means the pool is exhausted.
func (p *Pool) Available() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	available := make([]string, 0, len(p.credentials))
	for _, c := range p.credentials {
		m := p.metrics[c]
		if m.blocked && !now.Before(m.blockedUntil) {
			m.blocked = false
			m.errorCount = 0
			m.blockedUntil = time.Time{}
			p.logger.Info("credential unblocked", "credential", Mask(c))
		}
		if !m.blocked {
			available = append(available, c)
		}
	}

	metrics.CredentialsAvailable.Set(float64(len(available)))
	return available
}

// RecordSuccess clears the consecutive error count and counts the use.
// It does not lift an existing block.
func (p *Pool) RecordSuccess(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.metrics[credential]
	if !ok {
		return
	}
	m.errorCount = 0
	m.usageCount++
	m.lastUsedAt = p.now()
}

// RecordUse counts a use of credential without touching its error count.
// It covers requests the provider answered but rejected.
func (p *Pool) RecordUse(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.metrics[credential]
	if !ok {
		return
	}
	m.usageCount++
	m.lastUsedAt = p.now()
}

// RecordRateLimited blocks credential for blockDuration and counts the error.
func (p *Pool) RecordRateLimited(credential string, blockDuration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.metrics[credential]
	if !ok {
		return
	}
	m.errorCount++
	p.block(credential, m, blockDuration, "rate_limited")
}

// RecordError counts a failure and blocks credential for blockDuration once
// maxErrorsBeforeBlock consecutive failures have accumulated. It reports
// whether the credential is blocked afterwards.
func (p *Pool) RecordError(credential string, maxErrorsBeforeBlock int, blockDuration time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.metrics[credential]
	if !ok {
		return false
	}
	m.errorCount++
	if m.errorCount >= maxErrorsBeforeBlock {
		p.block(credential, m, blockDuration, "errors")
	}
	return m.blocked
}

// block must be called with p.mu held.
func (p *Pool) block(credential string, m *credentialMetrics, d time.Duration, reason string) {
	m.blocked = true
	m.blockedUntil = p.now().Add(d)

	metrics.CredentialBlocks.WithLabelValues(reason).Inc()
	p.logger.Warn("credential blocked",
		"credential", Mask(credential),
		"reason", reason,
		"error_count", m.errorCount,
		"blocked_until", m.blockedUntil,
	)
}

// Snapshot returns a masked copy of every credential's metrics in pool order.
// It does not reclaim expired blocks.
func (p *Pool) Snapshot() []CredentialView {
	p.mu.Lock()
	defer p.mu.Unlock()

	views := make([]CredentialView, len(p.credentials))
	for i, c := range p.credentials {
		m := p.metrics[c]
		views[i] = CredentialView{
			Masked:       Mask(c),
			UsageCount:   m.usageCount,
			LastUsedAt:   m.lastUsedAt,
			ErrorCount:   m.errorCount,
			Blocked:      m.blocked,
			BlockedUntil: m.blockedUntil,
		}
	}
	return views
}

// Mask redacts the middle of a credential. Long credentials keep a four
// character prefix and suffix; short ones are fully starred so the output
// never equals the input.
func Mask(credential string) string {
	const keep = 4
	if len(credential) <= 2*keep+2 {
		return strings.Repeat("*", max(len(credential), 3))
	}
	return credential[:keep] + "..." + credential[len(credential)-keep:]
}
