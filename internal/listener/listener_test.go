package listener

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bitten-ci/bitten/internal/metrics"
	metrictestutil "github.com/bitten-ci/bitten/internal/metrics/testutil"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	name   string
	events []Event
	err    error
	panic  bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Handle(_ context.Context, e Event) error {
	if r.panic {
		panic("boom")
	}
	r.events = append(r.events, e)
	return r.err
}

func TestNotifyDeliversToEveryListener(t *testing.T) {
	failing := &recorder{name: "failing", err: errors.New("unavailable")}
	panicking := &recorder{name: "panicking", panic: true}
	ok := &recorder{name: "ok"}

	d := NewDispatcher(failing, panicking, ok)
	b := &models.Build{ID: 7, Config: "trunk", Status: models.BuildInProgress}

	err := d.Notify(context.Background(), NewEvent(BuildStarted, b), NewEvent(BuildAborted, b))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
	assert.Contains(t, err.Error(), "panicked")

	require.Len(t, ok.events, 2)
	assert.Equal(t, BuildStarted, ok.events[0].Type)
	assert.Equal(t, BuildAborted, ok.events[1].Type)
	assert.EqualValues(t, 7, ok.events[1].Build.ID)
	assert.Len(t, failing.events, 2)

	assert.GreaterOrEqual(t, metrictestutil.CounterValue(t, metrics.ListenerEventsTotal, "build_started", "ok", "ok"), float64(1))
}

func TestNotifyWithoutListeners(t *testing.T) {
	var d *Dispatcher
	assert.NoError(t, d.Notify(context.Background(), Event{Type: BuildStarted}))
	assert.NoError(t, NewDispatcher().Notify(context.Background(), Event{Type: BuildStarted}))
}

func TestEventCopiesBuild(t *testing.T) {
	b := &models.Build{ID: 1, Status: models.BuildSuccess}
	e := NewEvent(BuildCompleted, b)
	b.Status = models.BuildPending
	assert.Equal(t, models.BuildSuccess, e.Build.Status)
	assert.False(t, e.Timestamp.IsZero())
}

func TestEventOmitsSessionToken(t *testing.T) {
	b := &models.Build{ID: 1}
	b.SetInfo(map[string]string{models.InfoToken: "s3cret", models.InfoOS: "Linux"})

	e := NewEvent(BuildStarted, b)
	assert.Empty(t, e.Build.Info(models.InfoToken))
	assert.Equal(t, "Linux", e.Build.Info(models.InfoOS))
	assert.Equal(t, "s3cret", b.Info(models.InfoToken))
}

func TestMetricsListener(t *testing.T) {
	b := &models.Build{ID: 1, Config: "metrics-cfg", Status: models.BuildFailure, Started: 10, Stopped: 70}
	require.NoError(t, Metrics{}.Handle(context.Background(), NewEvent(BuildCompleted, b)))
	require.NoError(t, Logger{}.Handle(context.Background(), NewEvent(BuildCompleted, b)))

	assert.GreaterOrEqual(t, metrictestutil.CounterValue(t, metrics.BuildsCompletedTotal, "metrics-cfg", "failure"), float64(1))
}

func TestWebhookPostsEvent(t *testing.T) {
	var received atomic.Bool
	var got Event

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		received.Store(true)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.Equal(t, "bitten-test", r.Header.Get("User-Agent"))
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook, err := NewWebhook(WebhookConfig{
		URL:       server.URL,
		Headers:   map[string]string{"X-Token": "secret", " ": "ignored"},
		UserAgent: "bitten-test",
	}, nil)
	require.NoError(t, err)

	b := &models.Build{ID: 3, Config: "trunk", Rev: "123", Status: models.BuildSuccess}
	require.NoError(t, hook.Handle(context.Background(), NewEvent(BuildCompleted, b)))
	assert.True(t, received.Load())
	assert.Equal(t, BuildCompleted, got.Type)
	assert.Equal(t, "123", got.Build.Rev)
}

func TestWebhookReportsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	hook, err := NewWebhook(WebhookConfig{URL: server.URL}, nil)
	require.NoError(t, err)

	err = hook.Handle(context.Background(), NewEvent(BuildStarted, &models.Build{ID: 1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = NewWebhook(WebhookConfig{URL: "  "}, nil)
	assert.Error(t, err)
}
