package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/discord-voice-lab/onair/internal/broadcast"
	"github.com/discord-voice-lab/onair/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeBroadcasts struct {
	statuses []broadcast.Status
	stopped  []string
	stopErr  error
}

func (f *fakeBroadcasts) List() []broadcast.Status { return f.statuses }

func (f *fakeBroadcasts) Get(guildID string) (broadcast.Status, bool) {
	for _, st := range f.statuses {
		if st.GuildID == guildID {
			return st, true
		}
	}
	return broadcast.Status{}, false
}

func (f *fakeBroadcasts) Stop(ctx context.Context, guildID, reason string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.Get(guildID); !ok {
		return broadcast.ErrNotFound
	}
	f.stopped = append(f.stopped, guildID)
	return nil
}

func newTestServer(t *testing.T, b Broadcasts, m *metrics.Metrics, mcp http.Handler) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewHTTPServer(":0", b, m, mcp, "test").Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestHealth(t *testing.T) {
	b := &fakeBroadcasts{statuses: []broadcast.Status{{GuildID: "g1"}}}
	ts := newTestServer(t, b, metrics.New(), nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health["status"] != "healthy" || health["active_broadcasts"] != float64(1) {
		t.Fatalf("health = %v", health)
	}
}

func TestBroadcastEndpoints(t *testing.T) {
	b := &fakeBroadcasts{statuses: []broadcast.Status{
		{ID: "b1", GuildID: "g1", State: "running", Frames: 50},
		{ID: "b2", GuildID: "g2", State: "running"},
	}}
	m := metrics.New()
	ts := newTestServer(t, b, m, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/broadcasts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	var list struct {
		Total      int                `json:"total"`
		Broadcasts []broadcast.Status `json:"broadcasts"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 2 || list.Broadcasts[0].ID != "b1" {
		t.Fatalf("list = %+v", list)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/broadcasts/g1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	var st broadcast.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Frames != 50 {
		t.Fatalf("status = %+v", st)
	}

	if resp, _ := do(t, http.MethodGet, ts.URL+"/broadcasts/nope"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown guild status %d", resp.StatusCode)
	}

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/broadcasts/{guild}", "404")); got != 1 {
		t.Fatalf("404 requests recorded: %v", got)
	}
}

func TestStopBroadcast(t *testing.T) {
	b := &fakeBroadcasts{statuses: []broadcast.Status{{GuildID: "g1"}}}
	ts := newTestServer(t, b, nil, nil)

	if resp, _ := do(t, http.MethodDelete, ts.URL+"/broadcasts/g1"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status %d", resp.StatusCode)
	}
	if len(b.stopped) != 1 || b.stopped[0] != "g1" {
		t.Fatalf("stopped = %v", b.stopped)
	}
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/broadcasts/g9"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop unknown status %d", resp.StatusCode)
	}

	b.stopErr = broadcast.ErrStarting
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/broadcasts/g1"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("stop while starting status %d", resp.StatusCode)
	}

	b.stopErr = errors.New("teardown timed out")
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/broadcasts/g1"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("stop failure status %d", resp.StatusCode)
	}
}

func TestMetricsAndMCPRoutes(t *testing.T) {
	m := metrics.New()
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	ts := newTestServer(t, &fakeBroadcasts{}, m, mcp)

	do(t, http.MethodGet, ts.URL+"/health")
	resp, body := do(t, http.MethodGet, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `onair_http_requests_total{code="200",endpoint="/health",method="GET"} 1`) {
		t.Fatalf("request counter missing:\n%s", body)
	}

	if resp, _ := do(t, http.MethodGet, ts.URL+"/mcp/ws"); resp.StatusCode != http.StatusTeapot {
		t.Fatalf("mcp route status %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &fakeBroadcasts{}, nil, nil)
	if resp, _ := do(t, http.MethodPost, ts.URL+"/broadcasts"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
