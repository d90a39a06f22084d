package pinholev1

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

// ServiceName is the fully-qualified RPC service name, used for gRPC
// health-check registration.
const ServiceName = "pinhole.v1.SessionService"

const baseServicePath = "/" + ServiceName + "/"

// Full procedure paths, mirroring what a protoc-gen-connect-go generated
// package would emit as package-level string constants.
const (
	SubmitSessionProcedure   = baseServicePath + "SubmitSession"
	MonitorSessionsProcedure = baseServicePath + "MonitorSessions"
	IpChangeProcedure        = baseServicePath + "IpChange"
)

// SessionServiceHandler is the server-side interface for the Session RPC
// Service (spec §4.7, §6).
type SessionServiceHandler interface {
	SubmitSession(context.Context, *connect.Request[LoginEvent]) (*connect.Response[Ack], error)
	MonitorSessions(context.Context, *connect.Request[Empty], *connect.ServerStream[SessionList]) error
	IpChange(context.Context, *connect.Request[IpChangeList]) (*connect.Response[Ack], error)
}

// NewSessionServiceHandler builds an http.Handler serving every
// SessionServiceHandler procedure under baseServicePath, along with the
// base path to mount it at — the same (path, handler) shape connect-go's
// generated constructors return.
func NewSessionServiceHandler(svc SessionServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(newJSONCodec())}, opts...)

	mux := http.NewServeMux()

	mux.Handle(SubmitSessionProcedure, connect.NewUnaryHandler(
		SubmitSessionProcedure, svc.SubmitSession, opts...,
	))
	mux.Handle(MonitorSessionsProcedure, connect.NewServerStreamHandler(
		MonitorSessionsProcedure, svc.MonitorSessions, opts...,
	))
	mux.Handle(IpChangeProcedure, connect.NewUnaryHandler(
		IpChangeProcedure, svc.IpChange, opts...,
	))

	return baseServicePath, mux
}
