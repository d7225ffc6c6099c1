package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/edgeagent/internal/agent/events"
)

// Recorder exposes the agent's operational counters as Prometheus metrics.
type Recorder struct {
	once               sync.Once
	reconcileDuration  prom.Histogram
	reconcileOutcomes  *prom.CounterVec
	coalescedUpdates   prom.Counter
	overwrittenUpdates prom.Counter
	agentStatus        *prom.GaugeVec
}

// NewRecorder constructs and registers the agent metrics (idempotent).
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{}
	r.once.Do(func() {
		r.reconcileDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "edgeagent",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of full reconciliation passes",
			Buckets:   prom.DefBuckets,
		})
		r.reconcileOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "edgeagent",
			Name:      "reconcile_outcomes_total",
			Help:      "Reconciliation outcomes by final result",
		}, []string{"outcome"})
		r.coalescedUpdates = prom.NewCounter(prom.CounterOpts{
			Namespace: "edgeagent",
			Name:      "coalesced_updates_total",
			Help:      "Updates parked while a reconciliation was executing",
		})
		r.overwrittenUpdates = prom.NewCounter(prom.CounterOpts{
			Namespace: "edgeagent",
			Name:      "overwritten_updates_total",
			Help:      "Parked updates discarded by a newer arrival",
		})
		r.agentStatus = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "edgeagent",
			Name:      "status",
			Help:      "Current agent status (1 for the active state, 0 otherwise)",
		}, []string{"state"})
		reg.MustRegister(r.reconcileDuration, r.reconcileOutcomes,
			r.coalescedUpdates, r.overwrittenUpdates, r.agentStatus)
	})
	return r
}

func (r *Recorder) ObserveReconcileDuration(d time.Duration) {
	if r == nil || r.reconcileDuration == nil {
		return
	}
	r.reconcileDuration.Observe(d.Seconds())
}

func (r *Recorder) IncReconcileOutcome(outcome string) {
	if r == nil || r.reconcileOutcomes == nil {
		return
	}
	r.reconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) IncCoalescedUpdate(overwrote bool) {
	if r == nil || r.coalescedUpdates == nil {
		return
	}
	r.coalescedUpdates.Inc()
	if overwrote {
		r.overwrittenUpdates.Inc()
	}
}

// SetStatus flips the status gauge so exactly one state reads 1.
func (r *Recorder) SetStatus(current string) {
	if r == nil || r.agentStatus == nil {
		return
	}
	for _, state := range []string{"unknown", "stopped", "updating", "running"} {
		v := 0.0
		if state == current {
			v = 1.0
		}
		r.agentStatus.WithLabelValues(state).Set(v)
	}
}

// HTTPHandler returns an http.Handler serving the registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	if reg == nil {
		reg = prom.DefaultRegisterer.(*prom.Registry)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Observe subscribes the recorder to the event bus until ctx is canceled or
// the bus closes.
func (r *Recorder) Observe(ctx context.Context, bus *events.Bus) {
	finishedCh, unsubFinished := events.Subscribe[events.ReconcileFinished](bus, 16)
	coalescedCh, unsubCoalesced := events.Subscribe[events.UpdateCoalesced](bus, 16)
	statusCh, unsubStatus := events.Subscribe[events.StatusChanged](bus, 16)

	go func() {
		defer unsubFinished()
		defer unsubCoalesced()
		defer unsubStatus()

		for {
			select {
			case evt, ok := <-finishedCh:
				if !ok {
					return
				}
				r.ObserveReconcileDuration(evt.Duration)
				r.IncReconcileOutcome(evt.Outcome)
			case evt, ok := <-coalescedCh:
				if !ok {
					return
				}
				r.IncCoalescedUpdate(evt.Overwrote)
			case evt, ok := <-statusCh:
				if !ok {
					return
				}
				r.SetStatus(evt.Current)
			case <-ctx.Done():
				return
			}
		}
	}()
}
