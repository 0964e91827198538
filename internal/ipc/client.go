package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to the tunnel service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for target using dial for the transport.
func NewClient(target string, dial func(context.Context, string) (net.Conn, error)) (*Client, error) {
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dial),
	)
	if err != nil {
		return nil, fmt.Errorf("[IPC] dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Connect brings up the named profile and returns the resulting status.
func (c *Client) Connect(ctx context.Context, profile string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodConnect, wrapperspb.String(profile), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Disconnect tears the tunnel down.
func (c *Client) Disconnect(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodDisconnect, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the current state and session.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegenerateKey replaces the device key pair and returns the new public key.
func (c *Client) RegenerateKey(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, methodRegenerateKey, &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// ListProfiles returns the configured profiles.
func (c *Client) ListProfiles(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodListProfiles, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ImportProfile stores the wg-quick text as profile name.
func (c *Client) ImportProfile(ctx context.Context, name, text string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"name": name, "text": text})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodImportProfile, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch calls fn for every message the service streams until ctx ends,
// the stream closes or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &TunnelServiceDesc.Streams[0], methodWatch)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
