// Package master implements the build master's side of the slave
// protocol: handing out builds, serving recipes and recording results.
package master

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitten-ci/bitten/internal/listener"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/queue"
	"github.com/bitten-ci/bitten/internal/snapshot"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/pkg/log"
)

// Error is a protocol error reported to the slave with an HTTP status
// and a plain text message.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func errorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Peer identifies the slave behind a request.
type Peer struct {
	// Addr is the remote IP address.
	Addr string
	// Token is the session token presented by the slave.
	Token string
}

// Options configure a Master.
type Options struct {
	// Snapshots serves revision archives. Nil disables snapshots.
	Snapshots *snapshot.Registry
	// Listeners receive build events after each transaction commits.
	Listeners *listener.Dispatcher
	// Now overrides the clock.
	Now func() time.Time
}

// Master is the state transition authority for builds.
type Master struct {
	store     *store.Store
	queue     *queue.Queue
	snapshots *snapshot.Registry
	listeners *listener.Dispatcher
	now       func() time.Time
}

// New returns a Master over st and q.
func New(st *store.Store, q *queue.Queue, opts Options) *Master {
	if st == nil || q == nil {
		panic("master requires a store and a queue")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Master{
		store:     st,
		queue:     q,
		snapshots: opts.Snapshots,
		listeners: opts.Listeners,
		now:       opts.Now,
	}
}

// Queue returns the master's build queue.
func (m *Master) Queue() *queue.Queue {
	return m.queue
}

// transaction runs fn in a database transaction and delivers the events
// it collected once the transaction committed.
func (m *Master) transaction(ctx context.Context, fn func(tx *store.Store, emit func(listener.Type, *models.Build)) error) error {
	var events []listener.Event
	emit := func(t listener.Type, b *models.Build) {
		events = append(events, listener.NewEvent(t, b))
	}

	if err := m.store.Transaction(ctx, func(tx *store.Store) error {
		events = events[:0]
		return fn(tx, emit)
	}); err != nil {
		return err
	}

	if err := m.listeners.Notify(ctx, events...); err != nil {
		log.Warn("build listeners failed", "error", err)
	}
	return nil
}

// loadBuild fetches a build, translating a missing record into 404.
func loadBuild(ctx context.Context, st *store.Store, id int64) (*models.Build, error) {
	b, err := st.GetBuild(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(http.StatusNotFound, "No such build (%d)", id)
	}
	return b, err
}

// authorize rejects requests from anyone but the slave that owns b.
func authorize(b *models.Build, peer Peer) error {
	if b.Status != models.BuildInProgress {
		return errorf(http.StatusForbidden, "Build %d has been invalidated for host %s.", b.ID, peer.Addr)
	}
	if token := b.Info(models.InfoToken); token != "" && token != peer.Token {
		return errorf(http.StatusForbidden, "Build %d has been invalidated for host %s.", b.ID, peer.Addr)
	}
	if addr := b.Info(models.InfoIPAddress); addr != "" && peer.Addr != "" && addr != peer.Addr {
		return errorf(http.StatusForbidden, "Build %d has been invalidated for host %s.", b.ID, peer.Addr)
	}
	return nil
}
