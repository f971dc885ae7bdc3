package metrics

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// testMetricsOnce ensures we only create default-registry metrics once to
// avoid duplicate registration.
var testMetricsOnce sync.Once
var testMetrics *GCMetrics

func getTestMetrics() *GCMetrics {
	testMetricsOnce.Do(func() {
		testMetrics = NewGCMetrics()
	})
	return testMetrics
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestNewServer(t *testing.T) {
	s := NewServer(":0")
	if s.addr != ":0" {
		t.Errorf("addr = %q, want %q", s.addr, ":0")
	}
	if s.Addr() != ":0" {
		t.Errorf("Addr() before Start = %q, want %q", s.Addr(), ":0")
	}
}

func TestServer_StartAndClose(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	addr := s.Addr()
	if !strings.Contains(addr, ":") || strings.HasSuffix(addr, ":0") {
		t.Errorf("Addr() = %q, expected bound host:port", addr)
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	if err := NewServer(":0").Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}

func TestServer_DefaultRegistry(t *testing.T) {
	m := getTestMetrics()
	m.RecordRound("background", OutcomeFreed, 0.005)

	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()
	time.Sleep(10 * time.Millisecond)

	code, body := fetch(t, "http://"+s.Addr()+"/metrics")
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if !strings.Contains(body, "lfsgc_gc_rounds_total") {
		t.Error("metrics output missing lfsgc_gc_rounds_total")
	}
	if !strings.Contains(body, "lfsgc_gc_round_latency_seconds_bucket") {
		t.Error("metrics output missing latency histogram")
	}
}

func TestServer_CustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	gc := NewGCMetricsWithRegistry(reg)
	space := NewSpaceMetricsWithRegistry(reg)
	gc.RecordReclaim(3, 1, 40)
	space.FreeSections.Set(12)

	s := NewServerWithRegistry("127.0.0.1:0", reg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()
	time.Sleep(10 * time.Millisecond)

	_, body := fetch(t, "http://"+s.Addr()+"/metrics")
	for _, want := range []string{
		"lfsgc_gc_segments_freed_total 3",
		"lfsgc_gc_blocks_moved_total 40",
		"lfsgc_space_free_sections 12",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServer_Healthz(t *testing.T) {
	var mu sync.Mutex
	var healthErr error

	s := NewServerWithRegistry("127.0.0.1:0", prometheus.NewRegistry()).WithHealth(func() error {
		mu.Lock()
		defer mu.Unlock()
		return healthErr
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()
	time.Sleep(10 * time.Millisecond)

	code, body := fetch(t, "http://"+s.Addr()+"/healthz")
	if code != http.StatusOK || strings.TrimSpace(body) != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body)
	}

	mu.Lock()
	healthErr = errors.New("filesystem needs fsck")
	mu.Unlock()

	code, body = fetch(t, "http://"+s.Addr()+"/healthz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(body, "fsck") {
		t.Errorf("body = %q, want error text", body)
	}
}
