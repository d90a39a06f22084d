package authpeer

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"connectrpc.com/connect"
)

func newTestInterceptor() *Interceptor {
	return New(netip.MustParseAddr("10.0.0.1"), slog.New(slog.DiscardHandler))
}

func TestAuthorizeAcceptsExactControllerMatch(t *testing.T) {
	t.Parallel()

	i := newTestInterceptor()
	if err := i.authorize(context.Background(), "SubmitSession", "10.0.0.1:51234"); err != nil {
		t.Errorf("expected controller peer to be authorized, got %v", err)
	}
}

func TestAuthorizeRejectsMissingAddress(t *testing.T) {
	t.Parallel()

	i := newTestInterceptor()
	err := i.authorize(context.Background(), "SubmitSession", "")

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) || connectErr.Code() != connect.CodePermissionDenied {
		t.Fatalf("got %v, want permission-denied connect.Error", err)
	}
	if !errors.Is(err, ErrNoPeerAddress) {
		t.Errorf("expected ErrNoPeerAddress, got %v", err)
	}
}

func TestAuthorizeRejectsIPv6(t *testing.T) {
	t.Parallel()

	i := newTestInterceptor()
	err := i.authorize(context.Background(), "SubmitSession", "[::1]:51234")

	if !errors.Is(err, ErrNotIPv4) {
		t.Errorf("expected ErrNotIPv4, got %v", err)
	}
}

func TestAuthorizeRejectsMismatchedIP(t *testing.T) {
	t.Parallel()

	i := newTestInterceptor()
	err := i.authorize(context.Background(), "SubmitSession", "10.0.0.99:51234")

	if !errors.Is(err, ErrPeerMismatch) {
		t.Errorf("expected ErrPeerMismatch, got %v", err)
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) || connectErr.Code() != connect.CodePermissionDenied {
		t.Fatalf("got %v, want permission-denied connect.Error", err)
	}
}

func TestAuthorizeAcceptsAddressWithoutPort(t *testing.T) {
	t.Parallel()

	i := newTestInterceptor()
	if err := i.authorize(context.Background(), "SubmitSession", "10.0.0.1"); err != nil {
		t.Errorf("expected bare-IP peer address to be accepted, got %v", err)
	}
}
