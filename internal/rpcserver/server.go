// Package rpcserver implements the Session RPC Service: the authenticated
// streaming service offering submit, monitor, and ip-change (spec §4.7).
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/pinholefw/agent/internal/broadcast"
	"github.com/pinholefw/agent/internal/rules"
	"github.com/pinholefw/agent/pkg/pinholev1"
)

// Service implements pinholev1.SessionServiceHandler. Each RPC delegates
// to the Rule Manager and, for MonitorSessions, the Snapshot Broadcaster.
type Service struct {
	rm     *rules.Manager
	bc     *broadcast.Broadcaster
	logger *slog.Logger
}

var _ pinholev1.SessionServiceHandler = (*Service)(nil)

// New creates a Service and returns the HTTP path and handler to mount.
func New(rm *rules.Manager, bc *broadcast.Broadcaster, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	svc := &Service{
		rm:     rm,
		bc:     bc,
		logger: logger.With(slog.String("component", "rpcserver")),
	}
	return pinholev1.NewSessionServiceHandler(svc, opts...)
}

// SubmitSession validates dst_port and activates or deactivates the
// pin-hole. The host-byte-order wire integers are passed to the Rule
// Manager unchanged; sessionmap.Key.Encode writes them into the map key
// in network byte order (spec §4.7, §9 byte order discipline).
func (s *Service) SubmitSession(ctx context.Context, req *connect.Request[pinholev1.LoginEvent]) (*connect.Response[pinholev1.Ack], error) {
	ev := req.Msg

	if ev.DstPort > 65535 {
		return nil, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("dst_port %d: %w", ev.DstPort, rules.ErrInvalidPort))
	}
	destPort := uint16(ev.DstPort)

	var err error
	if ev.Activate {
		err = s.rm.AddRule(ev.DstIP, ev.SrcIP, destPort)
	} else {
		err = s.rm.RemoveRule(ev.DstIP, ev.SrcIP, destPort)
	}
	if err != nil {
		return nil, mapRuleError(err, "submit session")
	}

	return connect.NewResponse(&pinholev1.Ack{Success: true}), nil
}

// MonitorSessions subscribes to the Snapshot Broadcaster and forwards
// every Snapshot as a SessionList until the client disconnects or the
// broadcaster closes the subscription (spec §4.6, §4.7).
func (s *Service) MonitorSessions(
	ctx context.Context,
	_ *connect.Request[pinholev1.Empty],
	stream *connect.ServerStream[pinholev1.SessionList],
) error {
	sub := s.bc.Subscribe()
	defer s.bc.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("monitor sessions: %w", ctx.Err())
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return nil
			}
			if skipped := sub.Skipped(); skipped > 0 {
				s.logger.WarnContext(ctx, "monitor subscriber lagging", slog.Uint64("skipped", skipped))
			}
			if err := stream.Send(snapshotToWire(snap)); err != nil {
				return fmt.Errorf("send session list: %w", err)
			}
		}
	}
}

// IpChange rewrites source IPs for every requested change, logging but
// not aborting on individual failures. The Ack's Success reflects the AND
// of all per-change results (spec §4.7, §7 propagation policy).
func (s *Service) IpChange(ctx context.Context, req *connect.Request[pinholev1.IpChangeList]) (*connect.Response[pinholev1.Ack], error) {
	allOK := true
	for _, change := range req.Msg.IPChanges {
		if _, err := s.rm.ReplaceSrcIP(change.OldIP, change.NewIP); err != nil {
			allOK = false
			s.logger.ErrorContext(ctx, "ip change failed for one entry",
				slog.Uint64("old_ip", uint64(change.OldIP)),
				slog.Uint64("new_ip", uint64(change.NewIP)),
				slog.String("error", err.Error()),
			)
		}
	}

	return connect.NewResponse(&pinholev1.Ack{Success: allOK}), nil
}

func snapshotToWire(snap broadcast.Snapshot) *pinholev1.SessionList {
	sessions := make([]pinholev1.Session, 0, len(snap.Sessions))
	for _, sess := range snap.Sessions {
		sessions = append(sessions, pinholev1.Session{
			SrcIP:    sess.SrcIP,
			DstIP:    sess.DestIP,
			DstPort:  uint32(sess.DestPort),
			TimeLeft: int32(sess.TimeLeftSec),
		})
	}
	return &pinholev1.SessionList{Sessions: sessions}
}

// mapRuleError translates rules.Manager errors into ConnectRPC error
// codes, following the teacher's errors.Is-chain-to-connect.Code pattern.
func mapRuleError(err error, operation string) *connect.Error {
	switch {
	case errors.Is(err, rules.ErrInvalidPort):
		return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s: %w", operation, err))
	default:
		return connect.NewError(connect.CodeInternal, fmt.Errorf("%s: %w", operation, err))
	}
}
