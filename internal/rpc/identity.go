package rpc

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// UserIDHeader carries the caller's user id, set by the authentication layer
// in front of the daemon.
const UserIDHeader = "x-user-id"

// WithUser attaches userID to outgoing call metadata.
func WithUser(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, UserIDHeader, userID)
}

// UserFromIncoming extracts the caller's user id from incoming metadata.
func UserFromIncoming(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get(UserIDHeader)
	if len(vals) == 0 || vals[0] == "" {
		return "", false
	}
	return vals[0], true
}
