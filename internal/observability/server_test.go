package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostd/internal/timer"
	logx "boostd/pkg/logx"
)

type fakeStatus struct {
	recs []timer.Record
	hist []timer.HistoryItem
}

func (f fakeStatus) Records() []timer.Record { return f.recs }

func (f fakeStatus) Status(e timer.EntityID) timer.Status {
	for _, r := range f.recs {
		if r.EntityID == e {
			return timer.Status{EntityID: e, Exists: true, Active: r.Active, Interval: r.Interval}
		}
	}
	return timer.Status{EntityID: e}
}

func (f fakeStatus) Counts() timer.Counts {
	return timer.Counts{Total: len(f.recs), Active: len(f.recs)}
}

func (f fakeStatus) History() []timer.HistoryItem { return f.hist }

func newTestServer(cfg Config) *Server {
	src := fakeStatus{
		recs: []timer.Record{
			{EntityID: "a", Interval: time.Minute, Active: true},
			{EntityID: "b", Interval: time.Hour, Active: true},
		},
		hist: []timer.HistoryItem{{Entity: "a", Outcome: "ok"}, {Entity: "b", Outcome: "failed"}},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("boostd_timers 2\n")) })
	health := func() any { return map[string]string{"state": "ok"} }
	return New(cfg, metrics, src, health, logx.Nop())
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{Enabled: true})
	h := s.routes(s.cfg)

	rec := get(t, h, "/status?history=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 2, view.Counts.Active)
	require.Len(t, view.Timers, 2)
	assert.Equal(t, timer.EntityID("a"), view.Timers[0].EntityID)
	require.Len(t, view.History, 1)
	assert.Equal(t, "failed", view.History[0].Outcome)

	rec = get(t, h, "/status?entity=b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st timer.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Exists)
	assert.Equal(t, time.Hour, st.Interval)

	rec = get(t, h, "/status?entity=zzz", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, h, "/status?history=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutesAuthAndPprof(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{Enabled: true, Token: "s3cret"})
	h := s.routes(s.cfg)

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", nil).Code)

	withPprof := s.routes(Config{Enabled: true, Pprof: true})
	assert.Equal(t, http.StatusOK, get(t, withPprof, "/debug/pprof/", nil).Code)
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{Enabled: true, Addr: "127.0.0.1:0"})
	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "boostd_timers 2\n", string(body))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	assert.True(t, isLoopbackAddr("127.0.0.1:9469"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9469"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9469"))

	s := newTestServer(Config{Enabled: true, Addr: "0.0.0.0:0"})
	s.Start(context.Background())
	defer s.Stop(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Addr())
}
