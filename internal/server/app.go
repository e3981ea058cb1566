// Package server assembles the session store, dispatcher, and hub into a
// runnable application with a graceful shutdown sequence.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// App owns the long-lived pieces of the chat service and their wiring: the
// session store, the dispatcher that serializes all roster mutations, and the
// hub that fans broadcasts out to connections.
type App struct {
	logger     *slog.Logger
	hub        *Hub
	store      *SessionStore
	dispatcher *Dispatcher
	startedAt  time.Time
}

// NewApp applies cfg (nil resets to defaults) and builds the application
// graph. The hub's registration hook delivers the initial roster snapshot to
// every new connection.
func NewApp(logger *slog.Logger, cfg *Config) *App {
	SetConfig(cfg)

	store := NewSessionStore(logger)
	hub := NewHub(logger)
	dispatcher := NewDispatcher(store, hub, logger, currentConfig().RejoinPolicy)
	hub.setOnRegister(dispatcher.HandleConnect)

	return &App{
		logger:     logger,
		hub:        hub,
		store:      store,
		dispatcher: dispatcher,
		startedAt:  time.Now(),
	}
}

// Run starts the hub and the HTTP server, then blocks until ctx is cancelled
// or the server fails, shutting both down gracefully on the way out.
func (a *App) Run(ctx context.Context) error {
	go a.hub.Run()
	a.logger.Info("Hub started and ready to manage WebSocket connections")

	srv := CreateServer(currentConfig().Port, a.Routes())
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = a.hub.Shutdown(shutdownTimeout)
		return err
	case <-ctx.Done():
	}

	if err := ShutdownServer(srv, shutdownTimeout); err != nil {
		_ = a.hub.Shutdown(shutdownTimeout)
		return err
	}
	return a.hub.Shutdown(shutdownTimeout)
}
