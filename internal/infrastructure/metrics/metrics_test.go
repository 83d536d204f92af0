package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/config"
)

func TestRecorder_ObservePoll(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg, func(err error) string { return "TIMEOUT" })

	r.ObservePoll("a4c138f0d21e", 20*time.Millisecond, nil)
	r.ObservePoll("a4c138f0d21e", 2*time.Second, errors.New("no reply"))
	r.ObservePoll("a4c138f0d21e", 30*time.Millisecond, nil)

	if got := testutil.ToFloat64(r.pollsTotal.WithLabelValues("a4c138f0d21e", resultSuccess)); got != 2 {
		t.Errorf("success polls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.pollsTotal.WithLabelValues("a4c138f0d21e", "TIMEOUT")); got != 1 {
		t.Errorf("TIMEOUT polls = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.pollLatency); got != 1 {
		t.Errorf("latency series = %d, want 1", got)
	}
}

func TestRecorder_DefaultClassifier(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg, nil)

	r.ObserveCommand("a4c138f0d21e_ch1", errors.New("refused"))
	r.ObserveCommand("a4c138f0d21e_ch1", nil)

	if got := testutil.ToFloat64(r.commandsTotal.WithLabelValues("a4c138f0d21e_ch1", resultError)); got != 1 {
		t.Errorf("error commands = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.commandsTotal.WithLabelValues("a4c138f0d21e_ch1", resultSuccess)); got != 1 {
		t.Errorf("success commands = %v, want 1", got)
	}
}

func TestRecorder_ObserveChannel(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg, nil)

	r.ObserveChannel("dev_ch1", true, true)
	if got := testutil.ToFloat64(r.channelOn.WithLabelValues("dev_ch1")); got != 1 {
		t.Errorf("channel_on = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.channelUp.WithLabelValues("dev_ch1")); got != 1 {
		t.Errorf("channel_available = %v, want 1", got)
	}

	r.ObserveChannel("dev_ch1", false, false)
	if got := testutil.ToFloat64(r.channelUp.WithLabelValues("dev_ch1")); got != 0 {
		t.Errorf("channel_available = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.channelOn.WithLabelValues("dev_ch1")); got != 1 {
		t.Errorf("channel_on after unavailable = %v, want last known 1", got)
	}
}

func TestRecorder_ObserveDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg, nil)

	for range 3 {
		r.ObserveDropped()
	}

	expected := `
# HELP cozylife_dropped_updates_total Total state updates dropped because the dispatch queue was full
# TYPE cozylife_dropped_updates_total counter
cozylife_dropped_updates_total 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "cozylife_dropped_updates_total"); err != nil {
		t.Error(err)
	}
}

func TestLinkCollector(t *testing.T) {
	samples := []LinkSample{
		{DeviceID: "a", Connected: true, Queries: 10, Controls: 2, Reconnects: 1},
		{DeviceID: "b", Reconnecting: true, Errors: 4, FramesSkipped: 3, Contended: 5},
	}
	c := NewLinkCollector(func() []LinkSample { return samples })

	problems, err := testutil.CollectAndLint(c)
	if err != nil {
		t.Fatalf("CollectAndLint() error = %v", err)
	}
	if len(problems) > 0 {
		t.Errorf("lint problems: %v", problems)
	}
	// Eight series per device.
	if got := testutil.CollectAndCount(c); got != 16 {
		t.Errorf("CollectAndCount() = %d, want 16", got)
	}

	expected := `
# HELP cozylife_link_connected 1 when the device session is up
# TYPE cozylife_link_connected gauge
cozylife_link_connected{device_id="a"} 1
cozylife_link_connected{device_id="b"} 0
# HELP cozylife_link_errors_total Total failed exchanges
# TYPE cozylife_link_errors_total counter
cozylife_link_errors_total{device_id="a"} 0
cozylife_link_errors_total{device_id="b"} 4
# HELP cozylife_link_serializer_waits_total Total exchanges that waited for another one on the same device
# TYPE cozylife_link_serializer_waits_total counter
cozylife_link_serializer_waits_total{device_id="a"} 0
cozylife_link_serializer_waits_total{device_id="b"} 5
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"cozylife_link_connected", "cozylife_link_errors_total", "cozylife_link_serializer_waits_total"); err != nil {
		t.Error(err)
	}
}

func TestLinkCollector_NilSource(t *testing.T) {
	c := NewLinkCollector(nil)
	if got := testutil.CollectAndCount(c); got != 0 {
		t.Errorf("CollectAndCount() = %d, want 0", got)
	}
}

func TestServer_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	r := NewRecorder(reg, nil)
	r.ObserveDropped()

	srv := NewServer(config.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"}, reg, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test cleanup

	if err := srv.Start(); err != nil {
		t.Errorf("second Start() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + defaultPath)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{"cozylife_dropped_updates_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %q", want)
		}
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if srv.Addr() != "" {
		t.Errorf("Addr() after Close = %q, want empty", srv.Addr())
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestServer_CustomPath(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Path: "/prom"}, prometheus.NewRegistry(), nil)
	h := srv.Handler()

	tests := []struct {
		path string
		want int
	}{
		{"/prom", http.StatusOK},
		{"/metrics", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestServer_ListenError(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Listen: "not-an-address"}, prometheus.NewRegistry(), nil)
	if err := srv.Start(); err == nil {
		srv.Close() //nolint:errcheck // Test cleanup
		t.Fatal("Start() expected error for bad address")
	}
}
