package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/converge/internal/client"
	"github.com/user/converge/internal/config"
	"github.com/user/converge/internal/httpapi"
	"github.com/user/converge/internal/rpc"
	"github.com/user/converge/internal/types"
)

// newClient builds a client from the client section of cfg. The HTTP
// fallback is wired only when a base URL is configured.
func newClient(cfg *config.Config) *client.Client {
	cc := cfg.Client
	duplex := &rpc.Dialer{
		Target:           cc.GRPCTarget,
		AuthToken:        cc.AuthToken,
		KeepaliveTime:    cc.KeepaliveTime.Std(),
		KeepaliveTimeout: cc.KeepaliveTimeout.Std(),
	}
	var unary types.UnaryDialer
	if cc.HTTPBaseURL != "" {
		unary = &httpapi.Dialer{BaseURL: cc.HTTPBaseURL, AuthToken: cc.AuthToken}
	}

	backoff := client.DefaultBackoff()
	backoff.InitialDelay = cc.BackoffInitial.Std()
	backoff.MaxDelay = cc.BackoffMax.Std()

	return client.New(duplex, unary,
		client.WithActor(types.Actor{
			Kind:     types.ActorKind(cc.ActorKind),
			UserID:   cc.UserID,
			DeviceID: cc.DeviceID,
			OrgID:    cc.OrgID,
			Roles:    cc.Roles,
		}),
		client.WithBackoff(backoff),
		client.WithDialTimeout(cc.ConnectTimeout.Std()),
		client.WithPolling(cc.PollInterval.Std(), cc.PollLimit),
		client.WithMaxWatches(int64(cc.MaxWatches)),
		client.WithLogger(slog.Default()),
	)
}

// connect starts the client and waits until requests can be served.
func connect(ctx context.Context, cfg *config.Config) (*client.Client, error) {
	c := newClient(cfg)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Client.ConnectTimeout.Std())
	defer cancel()
	if _, err := c.WaitReady(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("service unreachable at %s: %w", cfg.Client.GRPCTarget, err)
	}
	return c, nil
}
