// Package listener fans build life-cycle events out to registered
// observers.
package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/bitten-ci/bitten/internal/metrics"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/pkg/jsonmap"
	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/hashicorp/go-multierror"
)

// Type names a build event.
type Type string

const (
	BuildStarted   Type = "build_started"
	BuildAborted   Type = "build_aborted"
	BuildCompleted Type = "build_completed"
)

// Event is one build life-cycle transition. Build is a copy taken after
// the owning transaction committed.
type Event struct {
	Type      Type         `json:"type"`
	Build     models.Build `json:"build"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewEvent copies b into an event of type t. The slave's session token
// is not part of the copy.
func NewEvent(t Type, b *models.Build) Event {
	build := *b
	build.SlaveInfo = jsonmap.Without(b.SlaveInfo, models.InfoToken)
	return Event{Type: t, Build: build, Timestamp: time.Now().UTC()}
}

// BuildListener observes build events.
type BuildListener interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Dispatcher delivers events to every listener in registration order.
type Dispatcher struct {
	listeners []BuildListener
	timeout   time.Duration
}

// NewDispatcher returns a dispatcher for listeners.
func NewDispatcher(listeners ...BuildListener) *Dispatcher {
	return &Dispatcher{listeners: listeners, timeout: 10 * time.Second}
}

// Listeners returns the registered listeners.
func (d *Dispatcher) Listeners() []BuildListener {
	if d == nil {
		return nil
	}
	return d.listeners
}

// Notify delivers events in order. A failing or panicking listener is
// logged and does not prevent delivery to the others; the returned error
// aggregates every failure.
func (d *Dispatcher) Notify(ctx context.Context, events ...Event) error {
	if d == nil || len(d.listeners) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var merr *multierror.Error
	for _, e := range events {
		for _, l := range d.listeners {
			if err := d.invoke(ctx, l, e); err != nil {
				log.Error("build listener failure",
					"listener", l.Name(),
					"event", e.Type,
					"build", e.Build.ID,
					"error", err,
				)
				metrics.ListenerEventsTotal.WithLabelValues(string(e.Type), l.Name(), "error").Inc()
				merr = multierror.Append(merr, err)
				continue
			}
			metrics.ListenerEventsTotal.WithLabelValues(string(e.Type), l.Name(), "ok").Inc()
		}
	}
	return merr.ErrorOrNil()
}

func (d *Dispatcher) invoke(ctx context.Context, l BuildListener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panicked: %v", l.Name(), r)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return l.Handle(callCtx, e)
}

// Logger records every event in the master log.
type Logger struct{}

func (Logger) Name() string { return "log" }

func (Logger) Handle(_ context.Context, e Event) error {
	kv := []interface{}{
		"build", e.Build.ID,
		"config", e.Build.Config,
		"rev", e.Build.Rev,
		"slave", e.Build.Slave,
	}
	if e.Type == BuildCompleted {
		kv = append(kv, "status", e.Build.Status)
	}
	log.Info(string(e.Type), kv...)
	return nil
}

// Metrics counts completed builds and their durations.
type Metrics struct{}

func (Metrics) Name() string { return "metrics" }

func (Metrics) Handle(_ context.Context, e Event) error {
	if e.Type != BuildCompleted {
		return nil
	}
	status := string(e.Build.Status)
	metrics.BuildsCompletedTotal.WithLabelValues(e.Build.Config, status).Inc()
	if e.Build.Started > 0 && e.Build.Stopped >= e.Build.Started {
		metrics.BuildDurationSeconds.WithLabelValues(e.Build.Config, status).
			Observe(float64(e.Build.Stopped - e.Build.Started))
	}
	return nil
}
