// Package session manages the pool of outbound network identities: proxy
// endpoints, user agents, and the sessions established through them.
// Workers borrow an identity per request; the manager owns rotation.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
)

// ErrIdentityExhausted is returned when no identity becomes available
// within the acquire timeout: everything is burned or cooling.
var ErrIdentityExhausted = eris.New("session: no identity available")

// Mirror receives identity state changes for operator inspection. The
// store implements it; a nil mirror disables persistence.
type Mirror interface {
	UpsertIdentity(ctx context.Context, ident *model.NetworkIdentity) error
}

// entry wraps one identity with its live lease count.
type entry struct {
	ident    model.NetworkIdentity
	inFlight int
}

// Manager hands out identities and rotates them. An identity serves
// requests until it crosses its rotation threshold, then rests for the
// cooldown window before re-entering the pool. Auth rejections burn an
// identity for the rest of the run.
type Manager struct {
	mu             sync.Mutex
	entries        []*entry
	rotateAfter    int
	cooldown       time.Duration
	acquireTimeout time.Duration
	mirror         Mirror
}

// NewManager seeds the pool from configuration. With no configured
// identities the pool holds a single direct (proxyless) identity, so the
// engine runs unproxied out of the box.
func NewManager(cfg config.SessionConfig, mirror Mirror) *Manager {
	m := &Manager{
		rotateAfter:    cfg.RotateAfter,
		cooldown:       cfg.Cooldown(),
		acquireTimeout: cfg.AcquireTimeout(),
		mirror:         mirror,
	}

	seeds := cfg.Identities
	if len(seeds) == 0 {
		zap.L().Warn("no identities configured, running unproxied with a single direct identity")
		seeds = []config.IdentitySeed{{Label: "direct"}}
	}
	now := time.Now().UTC()
	for _, seed := range seeds {
		m.entries = append(m.entries, &entry{ident: model.NetworkIdentity{
			ID:          uuid.NewString(),
			Label:       seed.Label,
			ProxyURL:    seed.ProxyURL,
			UserAgent:   seed.UserAgent,
			State:       model.IdentityActive,
			RotateAfter: cfg.RotateAfter,
			CreatedAt:   now,
		}})
	}
	return m
}

// Acquire returns a copy of an available identity, preferring the one
// with the fewest requests in flight. It blocks until an identity frees
// up, the acquire timeout elapses, or ctx is canceled.
func (m *Manager) Acquire(ctx context.Context) (model.NetworkIdentity, error) {
	deadline := time.Now().Add(m.acquireTimeout)
	for {
		if ident, ok := m.tryAcquire(); ok {
			return ident, nil
		}
		if m.allBurned() {
			return model.NetworkIdentity{}, ErrIdentityExhausted
		}
		if time.Now().After(deadline) {
			return model.NetworkIdentity{}, ErrIdentityExhausted
		}
		select {
		case <-ctx.Done():
			return model.NetworkIdentity{}, eris.Wrap(ctx.Err(), "session: acquire")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (m *Manager) tryAcquire() (model.NetworkIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var best *entry
	for _, e := range m.entries {
		m.reviveLocked(e, now)
		if e.ident.State != model.IdentityActive {
			continue
		}
		if best == nil || e.inFlight < best.inFlight {
			best = e
		}
	}
	if best == nil {
		return model.NetworkIdentity{}, false
	}
	best.inFlight++
	return best.ident, true
}

// reviveLocked moves a cooled identity back to active once its rest
// window has passed.
func (m *Manager) reviveLocked(e *entry, now time.Time) {
	if e.ident.State == model.IdentityCooling && e.ident.CooledUntil != nil && now.After(*e.ident.CooledUntil) {
		e.ident.State = model.IdentityActive
		e.ident.RequestsServed = 0
		e.ident.CooledUntil = nil
		zap.L().Debug("identity revived", zap.String("identity", e.ident.Label))
		m.persist(&e.ident)
	}
}

func (m *Manager) allBurned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ident.State != model.IdentityBurned {
			return false
		}
	}
	return true
}

// Release returns a borrowed identity. A served request counts toward
// the rotation threshold; crossing it sends the identity into cooldown.
func (m *Manager) Release(id string, served bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findLocked(id)
	if e == nil {
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	if !served {
		return
	}
	e.ident.RequestsServed++
	if m.rotateAfter > 0 && e.ident.RequestsServed >= m.rotateAfter && e.ident.State == model.IdentityActive {
		cooled := time.Now().UTC().Add(m.cooldown)
		e.ident.State = model.IdentityCooling
		e.ident.CooledUntil = &cooled
		zap.L().Info("identity rotated",
			zap.String("identity", e.ident.Label),
			zap.Int("requests_served", e.ident.RequestsServed),
			zap.Time("cooled_until", cooled))
		m.persist(&e.ident)
	}
}

// ReportAuthFailure records an auth rejection. The first few rejections
// cool the identity for a fresh login; repeated rejections burn it.
func (m *Manager) ReportAuthFailure(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findLocked(id)
	if e == nil {
		return
	}
	e.ident.FailureCount++
	e.ident.SessionToken = ""
	if e.ident.FailureCount >= 3 {
		e.ident.State = model.IdentityBurned
		zap.L().Warn("identity burned",
			zap.String("identity", e.ident.Label),
			zap.Int("failures", e.ident.FailureCount))
	} else {
		cooled := time.Now().UTC().Add(m.cooldown)
		e.ident.State = model.IdentityCooling
		e.ident.CooledUntil = &cooled
	}
	m.persist(&e.ident)
}

// Refresh installs a newly established session token on an identity.
func (m *Manager) Refresh(id, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.findLocked(id); e != nil {
		e.ident.SessionToken = token
		e.ident.FailureCount = 0
	}
}

// Token returns the current session token for an identity.
func (m *Manager) Token(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.findLocked(id); e != nil {
		return e.ident.SessionToken
	}
	return ""
}

// Identities returns a copy of the pool for status reporting.
func (m *Manager) Identities() []model.NetworkIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.NetworkIdentity, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.ident)
	}
	return out
}

// Snapshot serializes pool state for inclusion in a stage checkpoint.
// Session tokens ride along so a resumed run can skip re-login while the
// sessions are still valid.
func (m *Manager) Snapshot() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idents := make([]model.NetworkIdentity, 0, len(m.entries))
	for _, e := range m.entries {
		idents = append(idents, e.ident)
	}
	raw, err := json.Marshal(idents)
	return raw, eris.Wrap(err, "session: snapshot")
}

// Restore merges a checkpoint snapshot into the pool, matching on label.
// Identities no longer configured are dropped; newly configured ones
// keep their fresh state.
func (m *Manager) Restore(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var saved []model.NetworkIdentity
	if err := json.Unmarshal(raw, &saved); err != nil {
		return eris.Wrap(err, "session: restore")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byLabel := make(map[string]model.NetworkIdentity, len(saved))
	for _, ident := range saved {
		byLabel[ident.Label] = ident
	}
	for _, e := range m.entries {
		prev, ok := byLabel[e.ident.Label]
		if !ok {
			continue
		}
		e.ident.SessionToken = prev.SessionToken
		e.ident.RequestsServed = prev.RequestsServed
		e.ident.FailureCount = prev.FailureCount
		e.ident.State = prev.State
		e.ident.CooledUntil = prev.CooledUntil
	}
	return nil
}

func (m *Manager) findLocked(id string) *entry {
	for _, e := range m.entries {
		if e.ident.ID == id {
			return e
		}
	}
	return nil
}

// persist mirrors an identity state change, best effort.
func (m *Manager) persist(ident *model.NetworkIdentity) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.mirror.UpsertIdentity(ctx, ident); err != nil {
		zap.L().Warn("identity mirror failed", zap.String("identity", ident.Label), zap.Error(err))
	}
}
