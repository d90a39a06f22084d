//go:build integration

package integration_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/pinholefw/agent/internal/authpeer"
	"github.com/pinholefw/agent/internal/broadcast"
	"github.com/pinholefw/agent/internal/reaper"
	"github.com/pinholefw/agent/internal/rpcserver"
	"github.com/pinholefw/agent/internal/rules"
	"github.com/pinholefw/agent/internal/sessionmap"
	"github.com/pinholefw/agent/pkg/pinholev1"
)

type fixedClock struct{ ns uint64 }

func (c *fixedClock) NowNS() uint64 { return c.ns }

type fixture struct {
	url string
	rm  *rules.Manager
	bc  *broadcast.Broadcaster
	sm  sessionmap.Map
	clk *fixedClock
}

// newFixture wires a real Rule Manager, Broadcaster, and Peer
// Authenticator behind an in-process ConnectRPC server. httptest always
// reports the client's observed address as 127.0.0.1 — controllerAddr
// set to a different address exercises the PA mismatch rejection path
// (spec scenario 5); set to 127.0.0.1 to exercise the accept path.
func newFixture(t *testing.T, controllerAddr netip.Addr) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	sm := sessionmap.NewMemMap()
	clk := &fixedClock{ns: 1_000_000_000}
	rm := rules.NewManager(sm, clk, logger)
	bc := broadcast.New(16)

	pa := authpeer.New(controllerAddr, logger)
	path, handler := rpcserver.New(rm, bc, logger, connect.WithInterceptors(pa))

	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{url: srv.URL, rm: rm, bc: bc, sm: sm, clk: clk}
}

func submitClient(f *fixture) *connect.Client[pinholev1.LoginEvent, pinholev1.Ack] {
	return connect.NewClient[pinholev1.LoginEvent, pinholev1.Ack](
		http.DefaultClient, f.url+pinholev1.SubmitSessionProcedure, connect.WithCodecName(pinholev1.CodecName))
}

func ipChangeClient(f *fixture) *connect.Client[pinholev1.IpChangeList, pinholev1.Ack] {
	return connect.NewClient[pinholev1.IpChangeList, pinholev1.Ack](
		http.DefaultClient, f.url+pinholev1.IpChangeProcedure, connect.WithCodecName(pinholev1.CodecName))
}

func monitorClient(f *fixture) *connect.Client[pinholev1.Empty, pinholev1.SessionList] {
	return connect.NewClient[pinholev1.Empty, pinholev1.SessionList](
		http.DefaultClient, f.url+pinholev1.MonitorSessionsProcedure, connect.WithCodecName(pinholev1.CodecName))
}

// TestHappyPathActivateAndMonitor covers spec scenario 1: a submit
// followed by a monitor stream observing the resulting session with
// time_left close to the full rule timeout.
func TestHappyPathActivateAndMonitor(t *testing.T) {
	f := newFixture(t, netip.MustParseAddr("127.0.0.1"))
	ctx := context.Background()

	ack, err := submitClient(f).CallUnary(ctx, connect.NewRequest(&pinholev1.LoginEvent{
		Activate: true, SrcIP: 0x0A000005, DstIP: 0x0A000009, DstPort: 22,
	}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ack.Msg.Success {
		t.Fatal("expected success=true")
	}

	rp := reaper.New(f.rm, f.bc, time.Millisecond, uint64(60e9), slog.New(slog.DiscardHandler))
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go rp.Run(rctx)

	stream := monitorClient(f).CallServerStream(rctx, connect.NewRequest(&pinholev1.Empty{}))
	defer stream.Close()

	if !stream.Receive() {
		t.Fatalf("receive: %v", stream.Err())
	}
	msg := stream.Msg()
	if len(msg.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(msg.Sessions))
	}
	s := msg.Sessions[0]
	if s.SrcIP != 0x0A000005 || s.DstIP != 0x0A000009 || s.DstPort != 22 {
		t.Errorf("unexpected session: %+v", s)
	}
	if s.TimeLeft <= 0 || s.TimeLeft > 60 {
		t.Errorf("TimeLeft = %d, want in (0, 60]", s.TimeLeft)
	}
}

// TestExpiryRemovesStaleSession covers spec scenario 2: freezing the
// clock past rule_timeout causes the reaper to drop the entry.
func TestExpiryRemovesStaleSession(t *testing.T) {
	f := newFixture(t, netip.MustParseAddr("127.0.0.1"))
	ctx := context.Background()

	if err := f.rm.AddRule(0x0A000009, 0x0A000005, 22); err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	f.clk.ns += 61_000_000_000

	reaped, err := f.rm.CleanupStale(uint64(60e9))
	if err != nil {
		t.Fatalf("cleanup stale: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	sessions, err := f.rm.ListActive(uint64(60e9))
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %d, want 0", len(sessions))
	}

	if _, ok, err := f.sm.Lookup(sessionmap.Key{DestIP: 0x0A000009, SrcIP: 0x0A000005, DestPort: 22}); err != nil || ok {
		t.Errorf("expected tuple absent from session map, ok=%v err=%v", ok, err)
	}
	_ = ctx
}

// TestDeactivateClosesSession covers spec scenario 3.
func TestDeactivateClosesSession(t *testing.T) {
	f := newFixture(t, netip.MustParseAddr("127.0.0.1"))
	ctx := context.Background()

	client := submitClient(f)
	if _, err := client.CallUnary(ctx, connect.NewRequest(&pinholev1.LoginEvent{
		Activate: true, SrcIP: 0x0A000005, DstIP: 0x0A000009, DstPort: 22,
	})); err != nil {
		t.Fatalf("activate: %v", err)
	}

	ack, err := client.CallUnary(ctx, connect.NewRequest(&pinholev1.LoginEvent{
		Activate: false, SrcIP: 0x0A000005, DstIP: 0x0A000009, DstPort: 22,
	}))
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if !ack.Msg.Success {
		t.Fatal("expected success=true")
	}

	sessions, err := f.rm.ListActive(uint64(60e9))
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %d, want 0", len(sessions))
	}
}

// TestIPChangeRewritesTwoEntries covers spec scenario 4.
func TestIPChangeRewritesTwoEntries(t *testing.T) {
	f := newFixture(t, netip.MustParseAddr("127.0.0.1"))
	ctx := context.Background()

	if err := f.rm.AddRule(10, 0x0A000001, 80); err != nil {
		t.Fatalf("seed 1: %v", err)
	}
	if err := f.rm.AddRule(11, 0x0A000001, 443); err != nil {
		t.Fatalf("seed 2: %v", err)
	}

	ack, err := ipChangeClient(f).CallUnary(ctx, connect.NewRequest(&pinholev1.IpChangeList{
		IPChanges: []pinholev1.IpChangeEvent{{OldIP: 0x0A000001, NewIP: 0x0A000002}},
	}))
	if err != nil {
		t.Fatalf("ip change: %v", err)
	}
	if !ack.Msg.Success {
		t.Fatal("expected success=true")
	}

	sessions, err := f.rm.ListActive(uint64(60e9))
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	for _, s := range sessions {
		if s.SrcIP != 0x0A000002 {
			t.Errorf("src_ip = %x, want rewritten 0x0A000002", s.SrcIP)
		}
	}
}

// TestUnauthorizedPeerRejectedBeforeSRS covers spec scenario 5: a peer
// whose address does not match the configured controller is rejected by
// the Peer Authenticator with no state change, regardless of request
// content.
func TestUnauthorizedPeerRejectedBeforeSRS(t *testing.T) {
	// The configured controller is 10.0.0.99, never matching httptest's
	// loopback peer address — this exercises the same
	// mismatch branch scenario 5 describes for a non-controller source.
	f := newFixture(t, netip.MustParseAddr("10.0.0.99"))
	ctx := context.Background()

	_, err := submitClient(f).CallUnary(ctx, connect.NewRequest(&pinholev1.LoginEvent{
		Activate: true, SrcIP: 1, DstIP: 2, DstPort: 3,
	}))
	if err == nil {
		t.Fatal("expected permission-denied error")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) || connectErr.Code() != connect.CodePermissionDenied {
		t.Fatalf("got %v, want permission-denied", err)
	}

	sessions, err := f.rm.ListActive(uint64(60e9))
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %d, want 0 (no state change on rejection)", len(sessions))
	}
}

// TestPortOverflowRejectedLeavesMapUnchanged covers spec scenario 6.
func TestPortOverflowRejectedLeavesMapUnchanged(t *testing.T) {
	f := newFixture(t, netip.MustParseAddr("127.0.0.1"))
	ctx := context.Background()

	_, err := submitClient(f).CallUnary(ctx, connect.NewRequest(&pinholev1.LoginEvent{
		Activate: true, SrcIP: 1, DstIP: 2, DstPort: 70000,
	}))
	if err == nil {
		t.Fatal("expected invalid-argument error")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) || connectErr.Code() != connect.CodeInvalidArgument {
		t.Fatalf("got %v, want invalid-argument", err)
	}

	sessions, err := f.rm.ListActive(uint64(60e9))
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %d, want 0", len(sessions))
	}
}
