// cmd/kiekkysync/app.go

package main

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/imadgeboyega/kiekky-sync/internal/api"
	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/config"
	"github.com/imadgeboyega/kiekky-sync/internal/realtime"
	"github.com/imadgeboyega/kiekky-sync/internal/session"
)

const connectTimeout = 15 * time.Second

// app is one signed-in session plus the clients it runs on
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	api     *api.Client
	channel *realtime.Client
	session *session.Service

	authMu     sync.Mutex
	authReason string
	cancel     context.CancelFunc
}

func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(os.Stderr, cfg.Environment, cfg.LogLevel)

	a := &app{cfg: cfg, log: log}
	a.api = api.New(api.Options{
		BaseURL:  cfg.APIBaseURL,
		Token:    cfg.AuthToken,
		PageSize: cfg.MessagePageSize,
		Timeout:  cfg.HTTPTimeout,
		Logger:   log,
	})
	a.channel = realtime.NewClient(realtime.Options{
		BaseURL:        cfg.SocketURL,
		Path:           cfg.SocketPath,
		ReconnectDelay: cfg.ReconnectDelay,
		ReconnectMax:   cfg.ReconnectMax,
		Logger:         log,
	})
	a.session = session.New(session.Options{
		Channel:       a.channel,
		Backend:       a.api,
		MaxWindow:     cfg.MessageWindowMax,
		SeenThreshold: cfg.SeenThreshold,
		Logger:        log,
		OnAuthFailure: a.authFailed,
	})
	return a, nil
}

// start signs in, loads the initial state and waits for the channel
func (a *app) start(ctx context.Context, devToken bool) (context.Context, error) {
	if a.cfg.UserID == "" {
		return nil, pkgerrors.New("no user id: set USER_ID or --user")
	}
	if a.cfg.AuthToken == "" {
		if !devToken {
			return nil, pkgerrors.New("no token: set AUTH_TOKEN, --token or --dev-token")
		}
		token, err := a.api.IssueDevToken(ctx, a.cfg.UserID)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "issue dev token")
		}
		a.cfg.AuthToken = token
		a.api.SetToken(token)
	}

	ctx, cancel := context.WithCancel(ctx)
	a.authMu.Lock()
	a.cancel = cancel
	a.authMu.Unlock()

	connected := make(chan struct{})
	var once sync.Once
	sub := a.channel.Subscribe(realtime.Listener{
		OnConnect: func() { once.Do(func() { close(connected) }) },
	})
	defer sub.Unsubscribe()

	if err := a.session.Init(ctx, a.cfg.UserID, a.cfg.AuthToken); err != nil {
		return nil, err
	}

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-connected:
	case <-ctx.Done():
		if err := a.authErr(); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	case <-timer.C:
		return nil, pkgerrors.New("realtime channel did not connect in time")
	}
	return ctx, nil
}

func (a *app) authFailed(reason string) {
	a.authMu.Lock()
	a.authReason = reason
	cancel := a.cancel
	a.authMu.Unlock()

	a.log.Error("signed out", "reason", reason)
	if cancel != nil {
		cancel()
	}
}

// authErr is non-nil once the credentials were rejected
func (a *app) authErr() error {
	a.authMu.Lock()
	defer a.authMu.Unlock()
	if a.authReason != "" {
		return pkgerrors.Wrap(api.ErrUnauthorized, a.authReason)
	}
	return nil
}

func (a *app) close() {
	a.session.Teardown()
	a.channel.Close()

	a.authMu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.authMu.Unlock()
}
