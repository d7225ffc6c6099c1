package pull

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/edgeagent/internal/agent"
	"git.home.luguber.info/inful/edgeagent/internal/foundation"
	"git.home.luguber.info/inful/edgeagent/internal/logfields"
	"git.home.luguber.info/inful/edgeagent/internal/state"
)

// Reconciler receives desired states discovered by polling.
type Reconciler interface {
	Reconcile(desired *agent.DesiredState)
}

// Transport polls the controller on a fixed interval and forwards changed
// desired-state documents to the reconciler. Its fetch methods are also used
// directly by the engine during refreshes, so the transport exists even when
// polling never starts.
type Transport struct {
	client     *Client
	reconciler Reconciler
	interval   time.Duration

	mu        sync.Mutex
	scheduler gocron.Scheduler
	lastDoc   []byte
	seen      bool
}

// NewTransport builds a pull transport around an existing client.
func NewTransport(client *Client, reconciler Reconciler, interval time.Duration) (*Transport, error) {
	if client == nil {
		return nil, foundation.ValidationError("pull transport requires a client").Build()
	}
	if reconciler == nil {
		return nil, foundation.ValidationError("pull transport requires a reconciler").Build()
	}
	if interval <= 0 {
		return nil, foundation.ValidationError("poll interval must be positive").Build()
	}
	return &Transport{client: client, reconciler: reconciler, interval: interval}, nil
}

// GetSnapshot serves the engine's fetch path.
func (t *Transport) GetSnapshot(ctx context.Context) (*state.Snapshot, error) {
	return t.client.GetSnapshot(ctx)
}

// GetSettings serves the engine's fetch path.
func (t *Transport) GetSettings(ctx context.Context) (*state.Settings, error) {
	return t.client.GetSettings(ctx)
}

// StartPolling schedules the periodic controller poll. The first poll runs
// immediately so a freshly booted device converges without waiting a full
// interval.
func (t *Transport) StartPolling(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scheduler != nil {
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return foundation.TransportError("failed to create poll scheduler").
			WithComponent("pull").
			WithCause(err).
			Build()
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(t.interval),
		gocron.NewTask(t.poll, ctx),
		gocron.WithName("controller-poll"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return foundation.TransportError("failed to schedule controller poll").
			WithComponent("pull").
			WithCause(err).
			Build()
	}

	scheduler.Start()
	t.scheduler = scheduler
	slog.Info("Polling controller", logfields.Transport("pull"), "interval", t.interval)
	return nil
}

// StopPolling shuts the scheduler down. Stopping an inactive poller is a
// no-op.
func (t *Transport) StopPolling() error {
	t.mu.Lock()
	scheduler := t.scheduler
	t.scheduler = nil
	t.mu.Unlock()

	if scheduler == nil {
		return nil
	}
	if err := scheduler.Shutdown(); err != nil {
		return foundation.TransportError("failed to stop poll scheduler").
			WithComponent("pull").
			WithCause(err).
			Build()
	}
	return nil
}

// poll fetches the desired-state document and reconciles when it changed
// since the previous poll. The engine's own diffing makes a duplicate
// delivery harmless, so the comparison here only suppresses log noise.
func (t *Transport) poll(ctx context.Context) {
	doc, err := t.client.FetchDesired(ctx)
	if err != nil {
		slog.Warn("Controller poll failed", logfields.Transport("pull"), logfields.Error(err))
		return
	}
	if doc == nil {
		slog.Debug("Controller has no desired state published", logfields.Transport("pull"))
		return
	}

	t.mu.Lock()
	unchanged := t.seen && bytes.Equal(t.lastDoc, doc)
	if !unchanged {
		t.lastDoc = doc
		t.seen = true
	}
	t.mu.Unlock()

	if unchanged {
		return
	}

	desired, err := agent.ParseDesiredState(doc)
	if err != nil {
		slog.Error("Dropping malformed desired state",
			logfields.Transport("pull"), logfields.Error(err))
		return
	}
	slog.Debug("Desired state changed", logfields.Transport("pull"))
	t.reconciler.Reconcile(desired)
}
