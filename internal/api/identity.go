package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/courier/internal/rpc"
	"github.com/matheus3301/courier/internal/status"
)

type callerKey struct{}

// Caller returns the authenticated user id attached by the identity
// interceptors.
func Caller(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}

func withCaller(ctx context.Context) (context.Context, error) {
	id, ok := rpc.UserFromIncoming(ctx)
	if !ok {
		return nil, grpcstatus.Errorf(codes.Unauthenticated, "missing %s metadata", rpc.UserIDHeader)
	}
	return context.WithValue(ctx, callerKey{}, id), nil
}

func caller(ctx context.Context) (string, error) {
	id, ok := Caller(ctx)
	if !ok {
		return "", grpcstatus.Error(codes.Unauthenticated, "unauthenticated")
	}
	return id, nil
}

// UnaryIdentity rejects calls without a user id.
func UnaryIdentity() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := withCaller(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamIdentity is the streaming counterpart of UnaryIdentity.
func StreamIdentity() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := withCaller(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	}
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }

// UnaryReady refuses calls until the daemon finished recovery.
func UnaryReady(m *status.Machine) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !m.Serving() {
			return nil, grpcstatus.Errorf(codes.Unavailable, "daemon is %s", m.Current())
		}
		return handler(ctx, req)
	}
}

// StreamReady refuses new streams until the daemon finished recovery.
func StreamReady(m *status.Machine) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !m.Serving() {
			return grpcstatus.Errorf(codes.Unavailable, "daemon is %s", m.Current())
		}
		return handler(srv, ss)
	}
}
