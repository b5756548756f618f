package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestPrometheusHTTPHandler(t *testing.T) {
	t.Run("basic_metrics_endpoint", func(t *testing.T) {
		ConnectionsTotal.Reset()
		CommandsTotal.Reset()

		ConnectionsTotal.WithLabelValues("success").Add(3)
		CommandsTotal.WithLabelValues("STAT", "ok").Add(7)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, "pop3client_connections_total") {
			t.Error("Expected pop3client_connections_total metric in response")
		}

		if !strings.Contains(bodyStr, "pop3client_commands_total") {
			t.Error("Expected pop3client_commands_total metric in response")
		}

		if !strings.Contains(bodyStr, `pop3client_connections_total{result="success"} 3`) {
			t.Error("Expected successful connections total to be 3")
		}

		if !strings.Contains(bodyStr, `pop3client_commands_total{status="ok",verb="STAT"} 7`) {
			t.Error("Expected STAT commands total to be 7")
		}
	})

	t.Run("command_duration_histogram", func(t *testing.T) {
		CommandDuration.Reset()
		CommandDuration.WithLabelValues("RETR").Observe(0.042)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, `pop3client_command_duration_seconds_count{verb="RETR"} 1`) {
			t.Error("Expected one RETR duration observation")
		}
	})
}

func TestHealthzHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("Expected ok status in body, got %q", rec.Body.String())
	}
}
