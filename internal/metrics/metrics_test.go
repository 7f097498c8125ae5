package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			var sum float64
			for _, m := range mf.GetMetric() {
				sum += m.GetCounter().GetValue()
			}
			return sum
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

// TestRecordSyncSuccess_IncrementsCounter は同期成功カウンタが増加することを検証する。
func TestRecordSyncSuccess_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSyncSuccess("actor-1")
	c.RecordSyncSuccess("actor-1")

	if val := counterValue(t, reg, "tomodachi_sync_success_total"); val != 2 {
		t.Errorf("sync_success_total = %v, want 2", val)
	}
}

// TestRecordSyncFailure_IncrementsCounter は同期失敗カウンタが増加することを検証する。
func TestRecordSyncFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSyncFailure("actor-2", "timeout")

	if val := counterValue(t, reg, "tomodachi_sync_fail_total"); val != 1 {
		t.Errorf("sync_fail_total = %v, want 1", val)
	}
}

// TestRecordParseFailure_CountsPerParser はパース失敗カウンタが
// パーサースラッグ別に増加することを検証する。
func TestRecordParseFailure_CountsPerParser(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordParseFailure("rss")
	c.RecordParseFailure("rss")
	c.RecordParseFailure("activitypub")

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() != "tomodachi_parse_fail_total" {
			continue
		}
		found = true
		if len(mf.GetMetric()) != 2 {
			t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
		}
		for _, m := range mf.GetMetric() {
			label := m.GetLabel()[0].GetValue()
			val := m.GetCounter().GetValue()
			switch label {
			case "rss":
				if val != 2 {
					t.Errorf("parse_fail_total{parser=rss} = %v, want 2", val)
				}
			case "activitypub":
				if val != 1 {
					t.Errorf("parse_fail_total{parser=activitypub} = %v, want 1", val)
				}
			default:
				t.Errorf("unexpected label value: %s", label)
			}
		}
	}
	if !found {
		t.Error("tomodachi_parse_fail_total metric not found")
	}
}

// TestRecordItems_Accumulate は投稿の挿入・更新カウンタが累積することを検証する。
func TestRecordItems_Accumulate(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordItemsInserted(10)
	c.RecordItemsInserted(5)
	c.RecordItemsUpdated(3)

	if val := counterValue(t, reg, "tomodachi_items_inserted_total"); val != 15 {
		t.Errorf("items_inserted_total = %v, want 15", val)
	}
	if val := counterValue(t, reg, "tomodachi_items_updated_total"); val != 3 {
		t.Errorf("items_updated_total = %v, want 3", val)
	}
}

// TestRecordFetchLatency_ObservesHistogram はフェッチレイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordFetchLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchLatency(100 * time.Millisecond)
	c.RecordFetchLatency(2 * time.Second)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "tomodachi_fetch_latency_seconds" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
			}
			// 合計は0.1 + 2.0 = 2.1秒
			if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
				t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
			}
		}
	}
	if !found {
		t.Error("tomodachi_fetch_latency_seconds metric not found")
	}
}

// TestRecordHandshake_Counters はハンドシェイク関連カウンタを検証する。
func TestRecordHandshake_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFriendRequest()
	c.RecordFriendRequest()
	c.RecordFriendAccept()
	c.RecordHandshakeRejection("PROOF_MISMATCH")

	if val := counterValue(t, reg, "tomodachi_friend_requests_total"); val != 2 {
		t.Errorf("friend_requests_total = %v, want 2", val)
	}
	if val := counterValue(t, reg, "tomodachi_friend_accepts_total"); val != 1 {
		t.Errorf("friend_accepts_total = %v, want 1", val)
	}
	if val := counterValue(t, reg, "tomodachi_handshake_rejections_total"); val != 1 {
		t.Errorf("handshake_rejections_total = %v, want 1", val)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSyncSuccess("actor-test")
	c.RecordSyncFailure("actor-test", "error")
	c.RecordFetchLatency(500 * time.Millisecond)
	c.RecordItemsInserted(3)
	c.RecordFriendRequest()

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"tomodachi_sync_success_total",
		"tomodachi_sync_fail_total",
		"tomodachi_fetch_latency_seconds",
		"tomodachi_items_inserted_total",
		"tomodachi_friend_requests_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
}
