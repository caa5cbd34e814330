// Package middleware provides HTTP middleware for the control plane.
package middleware

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownStage is one named step of an ordered shutdown sequence. The
// control plane drains several independent subsystems on the way down —
// the exec scheduler, the heartbeat scheduler, and the durable store —
// and an operator reading the shutdown log needs to know which one is
// still hung, not just that "a callback" failed.
type ShutdownStage struct {
	Name string
	Run  func() error
}

// GracefulShutdown manages graceful server shutdown: it runs a sequence
// of named drain stages before closing the HTTP listener, so in-flight
// exec sessions and heartbeat ticks get a chance to finish rather than
// being cut off mid-request.
type GracefulShutdown struct {
	mu           sync.Mutex
	server       *http.Server
	timeout      time.Duration
	shutdownChan chan struct{}
	stages       []ShutdownStage
}

// NewGracefulShutdown creates a new graceful shutdown manager. timeout
// bounds only the final HTTP server drain; each stage registered via
// OnShutdown is expected to carry its own deadline internally (the
// exec and heartbeat schedulers both take a context).
func NewGracefulShutdown(server *http.Server, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		server:       server,
		timeout:      timeout,
		shutdownChan: make(chan struct{}),
	}
}

// OnShutdown registers a named stage to run during shutdown, in
// registration order. A stage's error is logged but never aborts the
// remaining stages — a stuck exec scheduler shouldn't prevent the
// heartbeat scheduler or store from also getting a chance to close.
func (g *GracefulShutdown) OnShutdown(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stages = append(g.stages, ShutdownStage{Name: name, Run: fn})
}

// ListenForSignals starts listening for shutdown signals.
func (g *GracefulShutdown) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Printf("openclawd: received signal %v, initiating graceful shutdown...", sig)
		g.Shutdown()
	}()
}

// Shutdown runs every registered stage in order, then drains the HTTP
// server, then signals Wait.
func (g *GracefulShutdown) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, stage := range g.stages {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("openclawd: panic in shutdown stage %q: %v", stage.Name, r)
				}
			}()
			if err := stage.Run(); err != nil {
				log.Printf("openclawd: shutdown stage %q: %v", stage.Name, err)
			}
		}()
	}

	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("openclawd: error draining HTTP server: %v", err)
		}
	}

	close(g.shutdownChan)
}

// Wait blocks until shutdown is complete.
func (g *GracefulShutdown) Wait() {
	<-g.shutdownChan
}
