// Package rules implements the Rule Manager: the user-space facade over
// the Session Map offering add/remove/list/expire operations, key
// encoding, timestamp stamping, and safe iteration (spec §4.4).
package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pinholefw/agent/internal/clock"
	"github.com/pinholefw/agent/internal/sessionmap"
)

// ErrInvalidPort indicates a destination port outside the valid u16 range.
var ErrInvalidPort = errors.New("destination port out of range")

// Session is a single entry of a Snapshot, the wire-adjacent form used by
// ListActive and by the RPC layer.
type Session struct {
	SrcIP       uint32
	DestIP      uint32
	DestPort    uint16
	TimeLeftSec int64
}

// MetricsReporter receives counters on rule lifecycle events. Implemented
// by internal/metrics.Collector; nil-safe no-op implementations are not
// required since Manager guards every call with a nil check.
type MetricsReporter interface {
	RuleAdded()
	RuleRemoved()
	ActiveRules(n int)
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithMetrics attaches a MetricsReporter to the Manager.
func WithMetrics(m MetricsReporter) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Manager is the Rule Manager. All mutating operations hold mu for the
// duration of the underlying Session Map call, per spec §4.7's single
// asynchronous-mutex serialization requirement; readers (ListActive) also
// take the lock since list_active must observe a consistent view of one
// iteration pass, unlike the broadcaster's downstream readers.
type Manager struct {
	mu     sync.Mutex
	sm     sessionmap.Map
	clock  clock.Source
	logger *slog.Logger

	metrics MetricsReporter
}

// NewManager constructs a Manager over sm using clk as the timestamp
// source.
func NewManager(sm sessionmap.Map, clk clock.Source, logger *slog.Logger, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		sm:     sm,
		clock:  clk,
		logger: logger,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// AddRule opens a pin-hole for (destIP, srcIP, destPort). Idempotent:
// re-adding an existing tuple refreshes both CreatedAtNS and LastSeenNS to
// the current time, superseding the previous entry's timestamps (spec
// §4.4, §8 idempotence property).
func (m *Manager) AddRule(destIP, srcIP uint32, destPort uint16) error {
	key := sessionmap.Key{DestIP: destIP, SrcIP: srcIP, DestPort: destPort}
	now := m.clock.NowNS()

	m.mu.Lock()
	err := m.sm.Upsert(key, sessionmap.Value{CreatedAtNS: now, LastSeenNS: now})
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("add rule: %w", err)
	}

	m.logger.Info("rule added",
		slog.Uint64("dest_ip", uint64(destIP)),
		slog.Uint64("src_ip", uint64(srcIP)),
		slog.Uint64("dest_port", uint64(destPort)),
	)
	if m.metrics != nil {
		m.metrics.RuleAdded()
	}
	return nil
}

// RemoveRule closes the pin-hole for (destIP, srcIP, destPort). Absence of
// the tuple is not an error (spec §4.4).
func (m *Manager) RemoveRule(destIP, srcIP uint32, destPort uint16) error {
	key := sessionmap.Key{DestIP: destIP, SrcIP: srcIP, DestPort: destPort}

	m.mu.Lock()
	err := m.sm.Delete(key)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("remove rule: %w", err)
	}

	m.logger.Info("rule removed",
		slog.Uint64("dest_ip", uint64(destIP)),
		slog.Uint64("src_ip", uint64(srcIP)),
		slog.Uint64("dest_port", uint64(destPort)),
	)
	if m.metrics != nil {
		m.metrics.RuleRemoved()
	}
	return nil
}

// CleanupStale deletes every entry whose age (now - LastSeenNS) exceeds
// timeoutNS, returning the count of deleted entries. Malformed entries
// encountered while iterating are skipped and left for a subsequent pass,
// never counted as deleted (spec §4.4).
func (m *Manager) CleanupStale(timeoutNS uint64) (int, error) {
	now := m.clock.NowNS()

	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []sessionmap.Key
	err := m.sm.Iterate(func(e sessionmap.Entry) error {
		// An entry seen at or after now (including every entry when the
		// clock read failed and returned 0) is never stale.
		if e.Value.LastSeenNS < now && now-e.Value.LastSeenNS > timeoutNS {
			stale = append(stale, e.Key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup stale: iterate: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}

	if err := m.sm.DeleteBatch(stale); err != nil {
		return 0, fmt.Errorf("cleanup stale: delete batch: %w", err)
	}

	return len(stale), nil
}

// ListActive returns a Snapshot of every entry currently in the map, with
// TimeLeftSec computed per spec §3's saturating formula:
// max(0, (timeoutNS - (now - LastSeenNS)) / 1e9), truncated to an integer
// number of seconds. Malformed entries are skipped.
func (m *Manager) ListActive(timeoutNS uint64) ([]Session, error) {
	now := m.clock.NowNS()

	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []Session
	err := m.sm.Iterate(func(e sessionmap.Entry) error {
		age := now - e.Value.LastSeenNS
		var timeLeft int64
		if age < timeoutNS {
			timeLeft = int64((timeoutNS - age) / 1e9)
		}
		sessions = append(sessions, Session{
			SrcIP:       e.Key.SrcIP,
			DestIP:      e.Key.DestIP,
			DestPort:    e.Key.DestPort,
			TimeLeftSec: timeLeft,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	return sessions, nil
}

// ReplaceSrcIP rewrites every entry whose SrcIP equals oldIP to carry
// newIP instead, preserving CreatedAtNS and refreshing LastSeenNS.
// Mutation order is insert-then-delete per entry, so that for a brief
// window both the old and new pin-holes are open — spec §4.4 notes this
// is safe because both permit the same traffic pattern. Returns the
// number of rewritten entries.
func (m *Manager) ReplaceSrcIP(oldIP, newIP uint32) (int, error) {
	now := m.clock.NowNS()

	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []sessionmap.Entry
	err := m.sm.Iterate(func(e sessionmap.Entry) error {
		if e.Key.SrcIP == oldIP {
			matches = append(matches, e)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replace src ip: iterate: %w", err)
	}

	oldKeys := make([]sessionmap.Key, 0, len(matches))
	for _, e := range matches {
		newKey := sessionmap.Key{DestIP: e.Key.DestIP, SrcIP: newIP, DestPort: e.Key.DestPort}
		newVal := sessionmap.Value{CreatedAtNS: e.Value.CreatedAtNS, LastSeenNS: now}
		if err := m.sm.Upsert(newKey, newVal); err != nil {
			return 0, fmt.Errorf("replace src ip: insert: %w", err)
		}
		oldKeys = append(oldKeys, e.Key)
	}

	if len(oldKeys) > 0 {
		if err := m.sm.DeleteBatch(oldKeys); err != nil {
			return 0, fmt.Errorf("replace src ip: delete old: %w", err)
		}
	}

	return len(matches), nil
}
