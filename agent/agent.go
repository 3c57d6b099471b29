// Package agent implements the device side of the tunnel: it keeps a
// persistent connection to the proxy, registers its cameras, and services
// listing and range-read requests from the local recordings library.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camlink/camlink/config"
	"github.com/camlink/camlink/storage"
	"github.com/camlink/camlink/tunnel"
)

// reconnectJitter randomises backoff delays by ±10% so a fleet of agents
// doesn't reconnect in lockstep after a proxy restart.
const reconnectJitter = 0.1

// Agent owns the device's tunnel lifecycle. Safe for a single Run at a time.
type Agent struct {
	cfg config.Agent
	lib *storage.Library

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // request id → cancel for READ_FILE streams
}

func New(cfg config.Agent, lib *storage.Library) *Agent {
	return &Agent{
		cfg:      cfg,
		lib:      lib,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Run connects to the proxy and services requests, reconnecting with
// exponential backoff until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	consecutiveFailures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		registered, err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			consecutiveFailures = 0
		} else {
			consecutiveFailures++
		}

		delay := a.backoffDelay(consecutiveFailures)
		if consecutiveFailures >= 3 {
			slog.Warn("proxy connection failed repeatedly",
				"failures", consecutiveFailures, "retry_in", delay, "error", err)
		} else {
			slog.Info("proxy connection ended, reconnecting", "retry_in", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndServe runs one session to completion. The returned bool reports
// whether registration succeeded, which resets the backoff counter.
func (a *Agent) connectAndServe(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.ProxyURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("agent: dialling %s: %w", a.cfg.ProxyURL, err)
	}

	s := tunnel.NewSession(tunnel.NewCodec(conn), tunnel.Options{
		HeartbeatTimeout: a.cfg.HeartbeatTimeout,
	})
	if err := s.Handshake(a.cfg.DeviceToken, a.cfg.DeviceID, a.cfg.CameraIDs); err != nil {
		return false, err
	}
	slog.Info("registered with proxy",
		"device_id", a.cfg.DeviceID, "cameras", a.cfg.CameraIDs)

	// Tear the session down when the agent is asked to stop.
	stop := context.AfterFunc(ctx, func() { s.Close(tunnel.ReasonShutdown) })
	defer stop()

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		a.serve(ctx, s)
	}()

	reason := s.Run()
	<-serveDone
	return true, fmt.Errorf("agent: session closed: %s", reason)
}

func (a *Agent) backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(a.cfg.ReconnectBase) * math.Pow(2, float64(failures-1))
	if max := float64(a.cfg.ReconnectMax); d > max {
		d = max
	}
	// ±jitter
	d *= 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(d)
}

func (a *Agent) trackInflight(id string, cancel context.CancelFunc) {
	a.mu.Lock()
	a.inflight[id] = cancel
	a.mu.Unlock()
}

func (a *Agent) untrackInflight(id string) {
	a.mu.Lock()
	delete(a.inflight, id)
	a.mu.Unlock()
}

func (a *Agent) cancelInflight(id string) {
	a.mu.Lock()
	cancel, ok := a.inflight[id]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}
