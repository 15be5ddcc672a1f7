// Package client dials a courier daemon and exposes its typed services.
package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/courier/internal/rpc"
)

// Client wraps gRPC connections to the daemon.
type Client struct {
	conn          *grpc.ClientConn
	Conversations *rpc.ConversationClient
	Messages      *rpc.MessageClient
	Delivery      *rpc.DeliveryClient
}

// New dials the daemon's Unix domain socket. Every call carries userID as
// the caller identity.
func New(socketPath, userID string) (*Client, error) {
	return Dial("unix://"+socketPath, userID)
}

// Dial connects to target with extra dial options.
func Dial(target, userID string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOption()),
		grpc.WithChainUnaryInterceptor(unaryIdentity(userID)),
		grpc.WithChainStreamInterceptor(streamIdentity(userID)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		conn:          conn,
		Conversations: rpc.NewConversationClient(conn),
		Messages:      rpc.NewMessageClient(conn),
		Delivery:      rpc.NewDeliveryClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func withIdentity(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return rpc.WithUser(ctx, userID)
}

func unaryIdentity(userID string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(withIdentity(ctx, userID), method, req, reply, cc, opts...)
	}
}

func streamIdentity(userID string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(withIdentity(ctx, userID), desc, cc, method, opts...)
	}
}
