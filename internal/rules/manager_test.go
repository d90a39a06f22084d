package rules_test

import (
	"log/slog"
	"testing"

	"github.com/pinholefw/agent/internal/rules"
	"github.com/pinholefw/agent/internal/sessionmap"
)

// fakeClock lets tests control "now" deterministically.
type fakeClock struct{ ns uint64 }

func (f *fakeClock) NowNS() uint64 { return f.ns }

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestAddRuleStampsEqualTimestamps(t *testing.T) {
	t.Parallel()

	sm := sessionmap.NewMemMap()
	clk := &fakeClock{ns: 1000}
	mgr := rules.NewManager(sm, clk, discardLogger())

	if err := mgr.AddRule(0x0A000009, 0x0A000005, 22); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	v, ok, err := sm.Lookup(sessionmap.Key{DestIP: 0x0A000009, SrcIP: 0x0A000005, DestPort: 22})
	if err != nil || !ok {
		t.Fatalf("Lookup after AddRule: ok=%v err=%v", ok, err)
	}
	if v.CreatedAtNS != v.LastSeenNS {
		t.Errorf("created_at_ns (%d) != last_seen_ns (%d) on fresh insert", v.CreatedAtNS, v.LastSeenNS)
	}
	if v.CreatedAtNS != 1000 {
		t.Errorf("created_at_ns = %d, want 1000", v.CreatedAtNS)
	}
}

func TestAddRuleIsIdempotent(t *testing.T) {
	t.Parallel()

	sm := sessionmap.NewMemMap()
	clk := &fakeClock{ns: 1000}
	mgr := rules.NewManager(sm, clk, discardLogger())

	key := sessionmap.Key{DestIP: 1, SrcIP: 2, DestPort: 3}

	if err := mgr.AddRule(1, 2, 3); err != nil {
		t.Fatalf("first AddRule: %v", err)
	}

	clk.ns = 2000
	if err := mgr.AddRule(1, 2, 3); err != nil {
		t.Fatalf("second AddRule: %v", err)
	}

	v, ok, _ := sm.Lookup(key)
	if !ok {
		t.Fatal("entry missing after second AddRule")
	}
	if v.CreatedAtNS != 2000 || v.LastSeenNS != 2000 {
		t.Errorf("second AddRule should supersede timestamps, got %+v", v)
	}

	count := 0
	_ = sm.Iterate(func(sessionmap.Entry) error { count++; return nil })
	if count != 1 {
		t.Errorf("expected exactly one entry after idempotent re-add, got %d", count)
	}
}

func TestRemoveRuleThenLookupAbsent(t *testing.T) {
	t.Parallel()

	sm := sessionmap.NewMemMap()
	clk := &fakeClock{ns: 1}
	mgr := rules.NewManager(sm, clk, discardLogger())

	if err := mgr.AddRule(1, 2, 3); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := mgr.RemoveRule(1, 2, 3); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}

	if _, ok, _ := sm.Lookup(sessionmap.Key{DestIP: 1, SrcIP: 2, DestPort: 3}); ok {
		t.Error("entry still present after RemoveRule")
	}
}

func TestRemoveRuleAbsentIsNotError(t *testing.T) {
	t.Parallel()

	sm := sessionmap.NewMemMap()
	mgr := rules.NewManager(sm, &fakeClock{ns: 1}, discardLogger())

	if err := mgr.RemoveRule(9, 9, 9); err != nil {
		t.Errorf("RemoveRule of absent tuple returned error: %v", err)
	}
}

func TestCleanupStaleRemovesOnlyOldEntries(t *testing.T) {
	t.Parallel()

	sm := sessionmap.NewMemMap()
	clk := &fakeClock{ns: 0}
	mgr := rules.NewManager(sm, clk, discardLogger())

	clk.ns = 1000
	if err := mgr.AddRule(1, 1, 1); err != nil {
		t.Fatalf("AddRule fresh: %v", err)
	}

	_ = sm.Upsert(sessionmap.Key{DestIP: 2, SrcIP: 2, DestPort: 2}, sessionmap.Value{
		CreatedAtNS: 0, LastSeenNS: 0,
	})

	clk.ns = uint64(60e9) + 1000
	n, err := mgr.CleanupStale(uint64(60e9))
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 1 {
		t.Errorf("CleanupStale removed %d entries, want 1", n)
	}

	if _, ok, _ := sm.Lookup(sessionmap.Key{DestIP: 1, SrcIP: 1, DestPort: 1}); !ok {
		t.Error("fresh entry was incorrectly reaped")
	}
	if _, ok, _ := sm.Lookup(sessionmap.Key{DestIP: 2, SrcIP: 2, DestPort: 2}); ok {
		t.Error("stale entry was not reaped")
	}
}

func TestListActiveComputesTimeLeft(t *testing.T) {
	t.Parallel()

	sm := sessionmap.NewMemMap()
	clk := &fakeClock{ns: 0}
	mgr := rules.NewManager(sm, clk, discardLogger())

	if err := mgr.AddRule(0x0A000009, 0x0A000005, 22); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	clk.ns = uint64(5 * 1e9)
	sessions, err := mgr.ListActive(uint64(60 * 1e9))
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	if sessions[0].TimeLeftSec != 55 {
		t.Errorf("TimeLeftSec = %d, want 55", sessions[0].TimeLeftSec)
	}
}

func TestListActiveClampsNegativeTimeLeftToZero(t *testing.T) {
	t.Parallel()

	sm := sessionmap.NewMemMap()
	clk := &fakeClock{ns: 0}
	mgr := rules.NewManager(sm, clk, discardLogger())

	if err := mgr.AddRule(1, 1, 1); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// Past the timeout: age exceeds timeoutNS, so time left must clamp to 0,
	// never go negative (spec §9 saturating-subtraction note).
	clk.ns = uint64(100 * 1e9)
	sessions, err := mgr.ListActive(uint64(60 * 1e9))
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if sessions[0].TimeLeftSec != 0 {
		t.Errorf("TimeLeftSec = %d, want 0", sessions[0].TimeLeftSec)
	}
}

func TestReplaceSrcIPRewritesAndPreservesCreatedAt(t *testing.T) {
	t.Parallel()

	sm := sessionmap.NewMemMap()
	clk := &fakeClock{ns: 0}
	mgr := rules.NewManager(sm, clk, discardLogger())

	clk.ns = 111
	if err := mgr.AddRule(10, 0x0A000001, 80); err != nil {
		t.Fatalf("AddRule 1: %v", err)
	}
	if err := mgr.AddRule(20, 0x0A000001, 443); err != nil {
		t.Fatalf("AddRule 2: %v", err)
	}

	clk.ns = 999
	n, err := mgr.ReplaceSrcIP(0x0A000001, 0x0A000002)
	if err != nil {
		t.Fatalf("ReplaceSrcIP: %v", err)
	}
	if n != 2 {
		t.Fatalf("ReplaceSrcIP rewrote %d entries, want 2", n)
	}

	for _, destPort := range []uint16{80, 443} {
		destIP := uint32(10)
		if destPort == 443 {
			destIP = 20
		}
		v, ok, _ := sm.Lookup(sessionmap.Key{DestIP: destIP, SrcIP: 0x0A000002, DestPort: destPort})
		if !ok {
			t.Fatalf("new entry for port %d not found", destPort)
		}
		if v.CreatedAtNS != 111 {
			t.Errorf("port %d: created_at_ns = %d, want preserved 111", destPort, v.CreatedAtNS)
		}
		if _, ok, _ := sm.Lookup(sessionmap.Key{DestIP: destIP, SrcIP: 0x0A000001, DestPort: destPort}); ok {
			t.Errorf("port %d: old-src entry still present", destPort)
		}
	}
}
