package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/user/converge/internal/types"
)

// Dialer opens duplex channels to a gRPC endpoint. It satisfies
// types.DuplexDialer.
type Dialer struct {
	Target    string
	AuthToken string

	// KeepaliveTime and KeepaliveTimeout tune dead-peer detection on idle
	// streams. Zero values use 30s and 10s.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

func (d *Dialer) DialDuplex(ctx context.Context) (types.Duplex, error) {
	return d.Dial(ctx)
}

// Dial connects and waits until the channel is ready or fails.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	kaTime, kaTimeout := d.KeepaliveTime, d.KeepaliveTimeout
	if kaTime == 0 {
		kaTime = 30 * time.Second
	}
	if kaTimeout == 0 {
		kaTimeout = 10 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                kaTime,
			Timeout:             kaTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if d.AuthToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCredentials{token: d.AuthToken}))
	}
	opts = append(opts, d.DialOptions...)

	conn, err := grpc.NewClient(d.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Target, err)
	}
	conn.Connect()
	if err := waitReady(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial %s: %w", d.Target, err)
	}
	return &Client{conn: conn}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		s := conn.GetState()
		switch s {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("%w: channel %s", types.ErrUnavailable, s)
		}
		if !conn.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}

// Client is a duplex channel over one gRPC connection.
type Client struct {
	conn      *grpc.ClientConn
	closeOnce sync.Once
	closeErr  error
}

func (c *Client) Append(ctx context.Context, contextID types.ContextID, entry *types.ContextEntry) (*types.ContextEntry, error) {
	out := new(AppendResponse)
	if err := c.conn.Invoke(ctx, appendMethod, &AppendRequest{ContextID: contextID, Entry: entry}, out); err != nil {
		return nil, fromStatus("append", err)
	}
	return out.Entry, nil
}

func (c *Client) Get(ctx context.Context, contextID types.ContextID, opts types.GetOptions) ([]*types.ContextEntry, error) {
	out := new(GetResponse)
	if err := c.conn.Invoke(ctx, getMethod, &GetRequest{ContextID: contextID, Options: opts}, out); err != nil {
		return nil, fromStatus("get", err)
	}
	return out.Entries, nil
}

func (c *Client) Snapshot(ctx context.Context, contextID types.ContextID) (*types.ContextSnapshot, error) {
	out := new(SnapshotResponse)
	if err := c.conn.Invoke(ctx, snapshotMethod, &SnapshotRequest{ContextID: contextID}, out); err != nil {
		return nil, fromStatus("snapshot", err)
	}
	return out.Snapshot, nil
}

func (c *Client) Load(ctx context.Context, contextID types.ContextID, req types.LoadRequest) (int64, error) {
	out := new(LoadResponse)
	if err := c.conn.Invoke(ctx, loadMethod, &LoadRequest{ContextID: contextID, Load: req}, out); err != nil {
		return 0, fromStatus("load", err)
	}
	return out.Sequence, nil
}

func (c *Client) Watch(ctx context.Context, req types.WatchRequest) (types.EntryStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &ContextServiceDesc.Streams[0], watchMethod)
	if err != nil {
		cancel()
		return nil, fromStatus("watch", err)
	}
	// io.EOF means the server already ended the stream; Recv reports why.
	if err := stream.SendMsg(&req); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, fromStatus("watch", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus("watch", err)
	}
	return &watchStream{stream: stream, cancel: cancel}, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

type watchStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (w *watchStream) Recv() (*types.ContextEntry, error) {
	ev := new(WatchEvent)
	if err := w.stream.RecvMsg(ev); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fromStatus("watch", err)
	}
	return ev.Entry, nil
}

func (w *watchStream) Close() error {
	w.cancel()
	return nil
}
