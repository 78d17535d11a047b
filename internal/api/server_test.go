package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel-auditor/internal/circuitbreaker"
	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/enforcer"
	"github.com/ocx/sentinel-auditor/internal/events"
	"github.com/ocx/sentinel-auditor/internal/metrics"
	"github.com/ocx/sentinel-auditor/internal/trace"
)

type fakeActors struct{ err error }

func (f fakeActors) Snapshot(_ context.Context, actorID string) (core.BanRecord, error) {
	if f.err != nil {
		return core.BanRecord{}, f.err
	}
	return core.BanRecord{ActorID: actorID, State: core.BanConfirmed, Value: "auditor_confirmed_ban|strike_1|fraud", TTL: time.Hour, Strikes: 1}, nil
}

type fakePardoner struct {
	gotActor, gotReason string
	err                 error
}

func (f *fakePardoner) ManualPardon(_ context.Context, actorID, reason string) (enforcer.Outcome, error) {
	f.gotActor, f.gotReason = actorID, reason
	if f.err != nil {
		return enforcer.Outcome{Action: enforcer.ActionFailed, Error: f.err.Error()}, f.err
	}
	return enforcer.Outcome{Action: enforcer.ActionPardoned, Prior: core.BanConfirmed}, nil
}

type fakeResetter struct {
	reset []string
	err   error
}

func (f *fakeResetter) Reset(_ context.Context, actorID string) error {
	if f.err != nil {
		return f.err
	}
	f.reset = append(f.reset, actorID)
	return nil
}

type fakeTraces struct{}

func (fakeTraces) Load(_ context.Context, eventID string) (*core.Trace, error) {
	switch eventID {
	case "evt-1":
		return &core.Trace{EventID: "evt-1", ActorID: "U1", Stages: []core.StageRecord{{Stage: core.StageShield, Status: core.StatusCompleted}}}, nil
	case "evt-down":
		return nil, fmt.Errorf("%w: boom", core.ErrStoreUnavailable)
	default:
		return nil, fmt.Errorf("%w: %s", trace.ErrTraceNotFound, eventID)
	}
}

func newTestServer(t *testing.T, pardoner *fakePardoner, ping func(context.Context) error) (*httptest.Server, *events.EventBus) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.New(reg).RateLimited.Inc()
	bus := events.NewEventBus()

	s := NewServer(Deps{
		Actors:     fakeActors{},
		Pardoner:   pardoner,
		Traces:     fakeTraces{},
		Ping:       ping,
		Gatherer:   reg,
		Events:     bus,
		Breakers:   circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig("base")),
		AdminToken: "admin-token",
		APIRate:    100,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, bus
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, _ = bufio.NewReader(resp.Body).WriteTo(&sb)
	return resp, sb.String()
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakePardoner{}, func(context.Context) error { return nil })
	resp, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"healthy"`)

	down, _ := newTestServer(t, &fakePardoner{}, func(context.Context) error { return errors.New("dial tcp: refused") })
	resp, body = get(t, down.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, `"redis":"error"`)
}

func TestMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &fakePardoner{}, nil)
	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "auditor_rate_limited_total 1")
}

func TestTraceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakePardoner{}, nil)

	resp, body := get(t, srv.URL+"/api/v1/traces/evt-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"stage":"SHIELD"`)

	resp, _ = get(t, srv.URL+"/api/v1/traces/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/api/v1/traces/evt-down")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestActorEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakePardoner{}, nil)
	resp, body := get(t, srv.URL+"/api/v1/actors/U1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"state":"CONFIRMED"`)
	assert.Contains(t, body, `"ttl_seconds":3600`)
	assert.Contains(t, body, `"strikes":1`)
}

func TestPardonEndpoint(t *testing.T) {
	p := &fakePardoner{}
	srv, _ := newTestServer(t, p, nil)

	post := func(token, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/actors/U1/pardon", strings.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post("", `{"reason":"x"}`).StatusCode)
	assert.Equal(t, http.StatusOK, post("admin-token", `{"reason":"verified by phone"}`).StatusCode)
	assert.Equal(t, "U1", p.gotActor)
	assert.Equal(t, "verified by phone", p.gotReason)

	assert.Equal(t, http.StatusOK, post("admin-token", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("admin-token", "{not json").StatusCode)

	p.err = fmt.Errorf("%w: down", core.ErrStoreUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, post("admin-token", `{}`).StatusCode)
}

func TestResetRateLimitEndpoint(t *testing.T) {
	rl := &fakeResetter{}
	srv := httptest.NewServer(NewServer(Deps{
		Actors:     fakeActors{},
		Pardoner:   &fakePardoner{},
		RateLimits: rl,
		Traces:     fakeTraces{},
		Gatherer:   prometheus.NewRegistry(),
		AdminToken: "admin-token",
		APIRate:    100,
	}).Router())
	t.Cleanup(srv.Close)

	del := func(token string) (*http.Response, string) {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/actors/U2/rate-limit", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var sb strings.Builder
		_, _ = bufio.NewReader(resp.Body).WriteTo(&sb)
		return resp, sb.String()
	}

	resp, _ := del("")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, rl.reset)

	resp, body := del("admin-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"actor_id":"U2","rate_limit":"reset"}`, body)
	assert.Equal(t, []string{"U2"}, rl.reset)

	rl.err = errors.New("dial tcp: refused")
	resp, _ = del("admin-token")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	srv, bus := newTestServer(t, &fakePardoner{}, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	bus.Emit(events.TypeBanConfirmed, "test", "U1", map[string]interface{}{"strikes": 1})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: auditor.ban.confirmed\n", line)
}
