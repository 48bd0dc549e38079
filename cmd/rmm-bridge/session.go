package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/config"
	"github.com/doughall/linuxrmm/bridge/internal/explorer"
	"github.com/doughall/linuxrmm/bridge/internal/helper"
	"github.com/doughall/linuxrmm/bridge/internal/httprpc"
	"github.com/doughall/linuxrmm/bridge/internal/logging"
	natsinternal "github.com/doughall/linuxrmm/bridge/internal/nats"
	"github.com/doughall/linuxrmm/bridge/internal/tasks"
	"github.com/doughall/linuxrmm/bridge/internal/websocket"
)

// session is an open connection to the helper over one transport.
type session struct {
	cfg    *config.Config
	handle func(service string) binder.Handle
	close  func() error
	logger *slog.Logger
}

// openSession loads the configuration named by the global flags and
// connects to the helper.
func openSession(c *cli.Context) (*session, error) {
	configPath := c.String("config")
	cfg, err := config.LoadAs(configPath, config.RoleClient)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to load configuration from %s: %v", configPath, err), exitApplication)
	}

	level := "warn"
	if c.Bool("verbose") {
		level = cfg.LogLevel
	}
	var logOut io.Writer = os.Stderr
	if c.App.ErrWriter != nil {
		logOut = c.App.ErrWriter
	}
	logger := logging.SetupLogger(logOut, logging.FormatText, level)

	s, err := dial(c.Context, cfg, logger)
	if err != nil {
		return nil, exit(err)
	}
	return s, nil
}

// dial connects to the helper over cfg.Transport.
func dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, error) {
	s := &session{cfg: cfg, logger: logger}

	switch cfg.Transport {
	case config.TransportUnix:
		client, err := helper.Dial(ctx, cfg.SocketPath, logger)
		if err != nil {
			return nil, transportError("dial helper", err)
		}
		s.handle = client.Handle
		s.close = client.Close

	case config.TransportNATS:
		conn, err := natsinternal.Connect(natsinternal.Config{
			Servers:  cfg.NATSServers,
			NKeySeed: cfg.NATSNKeySeed,
			NodeID:   cfg.NodeID,
		}, binaryName, logger)
		if err != nil {
			return nil, transportError("connect nats", err)
		}
		s.handle = func(service string) binder.Handle {
			return conn.Handle(cfg.NodeID, service)
		}
		s.close = conn.Close

	case config.TransportHTTP:
		client := httprpc.NewClient(cfg.ServerURL, cfg.Token, logger)
		s.handle = client.Handle
		s.close = func() error { return nil }

	case config.TransportWebSocket:
		client := websocket.NewClient(cfg.ServerURL, cfg.Token, logger)
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			client.Run(runCtx)
		}()
		stop := func() error {
			cancel()
			<-done
			return nil
		}
		if err := client.WaitConnected(ctx); err != nil {
			stop()
			return nil, transportError("connect websocket", err)
		}
		s.handle = client.Handle
		s.close = stop

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
	return s, nil
}

func transportError(op string, err error) error {
	var te *binder.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &binder.TransportError{Op: op, Err: err}
}

func (s *session) Close() error {
	return s.close()
}

func (s *session) activity(ctx context.Context) (*activity.Proxy, error) {
	return activity.Bind(ctx, s.handle(activity.ServiceName))
}

func (s *session) tasks(ctx context.Context) (*tasks.Proxy, error) {
	return tasks.Bind(ctx, s.handle(tasks.ServiceName))
}

func (s *session) files(ctx context.Context) (*explorer.Proxy, error) {
	return explorer.Bind(ctx, s.handle(explorer.ServiceName))
}

// withSession runs fn against an open session under the --timeout deadline
// and maps its error to an exit code.
func withSession(c *cli.Context, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	return exit(fn(ctx, s))
}
