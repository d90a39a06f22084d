// Package authpeer implements the Peer Authenticator: gates every RPC on
// the caller's remote IPv4 address matching the configured controller,
// on top of the mTLS handshake already enforced by the HTTP server's
// tls.Config (spec §4.8).
package authpeer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"connectrpc.com/connect"
)

// Rejection reasons, mirroring the three-way check in the original
// reference implementation's validate_controller_ip.
var (
	ErrNoPeerAddress  = errors.New("unable to determine remote address")
	ErrNotIPv4        = errors.New("only IPv4 addresses are supported")
	ErrPeerMismatch   = errors.New("only requests from the controller are accepted")
)

// Metrics receives a counter on every rejected RPC. Implemented by
// internal/metrics.Collector.
type Metrics interface {
	RecordPeerRejection()
}

// Interceptor implements the full connect.Interceptor surface (not just
// the unary-only helper type the rest of this codebase's interceptors
// use) because it must also gate the streaming MonitorSessions RPC.
type Interceptor struct {
	controllerIP netip.Addr
	logger       *slog.Logger
	metrics      Metrics
}

var _ connect.Interceptor = (*Interceptor)(nil)

// Option configures an Interceptor at construction.
type Option func(*Interceptor)

// WithMetrics attaches a Metrics reporter to the Interceptor.
func WithMetrics(m Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// New returns an Interceptor that only admits callers whose remote
// address equals controllerIP.
func New(controllerIP netip.Addr, logger *slog.Logger, opts ...Option) *Interceptor {
	i := &Interceptor{controllerIP: controllerIP, logger: logger}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if err := i.authorize(ctx, req.Spec().Procedure, req.Peer().Addr); err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

func (i *Interceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (i *Interceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		if err := i.authorize(ctx, conn.Spec().Procedure, conn.Peer().Addr); err != nil {
			return err
		}
		return next(ctx, conn)
	}
}

// authorize implements the PA check: missing peer address, non-IPv4 peer
// address, and IPv4 mismatch are each rejected with permission-denied and
// a distinct logged reason.
func (i *Interceptor) authorize(ctx context.Context, procedure, peerAddr string) error {
	if peerAddr == "" {
		i.logger.WarnContext(ctx, "rejecting rpc: no remote address", slog.String("procedure", procedure))
		i.reject()
		return connect.NewError(connect.CodePermissionDenied, ErrNoPeerAddress)
	}

	host := peerAddr
	if h, _, err := net.SplitHostPort(peerAddr); err == nil {
		host = h
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		i.logger.WarnContext(ctx, "rejecting rpc: unparseable remote address",
			slog.String("procedure", procedure), slog.String("peer", peerAddr))
		i.reject()
		return connect.NewError(connect.CodePermissionDenied, ErrNoPeerAddress)
	}

	if !addr.Is4() {
		i.logger.WarnContext(ctx, "rejecting rpc: non-ipv4 remote address",
			slog.String("procedure", procedure), slog.String("peer", addr.String()))
		i.reject()
		return connect.NewError(connect.CodePermissionDenied, ErrNotIPv4)
	}

	if addr != i.controllerIP {
		i.logger.WarnContext(ctx, "rejecting rpc: peer is not the configured controller",
			slog.String("procedure", procedure),
			slog.String("observed", addr.String()),
			slog.String("expected", i.controllerIP.String()),
		)
		i.reject()
		return connect.NewError(connect.CodePermissionDenied, ErrPeerMismatch)
	}

	i.logger.InfoContext(ctx, "rpc peer authorized", slog.String("procedure", procedure))
	return nil
}

func (i *Interceptor) reject() {
	if i.metrics != nil {
		i.metrics.RecordPeerRejection()
	}
}
