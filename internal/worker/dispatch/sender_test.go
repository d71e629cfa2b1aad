package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/greetman/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func testDeliveryConfig(endpoint string) DeliveryConfig {
	return DeliveryConfig{
		Endpoint:    endpoint,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
	}
}

var testMessage = model.ClaimedMessage{
	ID:    "msg-1",
	Email: "taro@example.com",
	Body:  "Hey, Taro Yamada it's your birthday",
}

// --- Send のテスト ---

func TestSender_Send_Success(t *testing.T) {
	var buf bytes.Buffer

	var gotBody deliveryRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("リクエストボディの解析に失敗しました: %v", err)
		}
		json.NewEncoder(w).Encode(deliveryResponse{Status: "sent", SentTime: "2025-01-01T20:00:00Z"})
	}))
	defer ts.Close()

	s := NewSender(testDeliveryConfig(ts.URL), newTestLogger(&buf), nil)

	if err := s.Send(context.Background(), testMessage); err != nil {
		t.Fatalf("Send がエラーを返しました: %v", err)
	}

	if gotBody.Email != "taro@example.com" {
		t.Errorf("email = %q, want %q", gotBody.Email, "taro@example.com")
	}
	if gotBody.Message != "Hey, Taro Yamada it's your birthday" {
		t.Errorf("message = %q, want %q", gotBody.Message, "Hey, Taro Yamada it's your birthday")
	}
}

func TestSender_Send_StatusNotSent_IsFailure(t *testing.T) {
	var buf bytes.Buffer

	// HTTP 200でもstatusが"sent"以外なら失敗として扱う
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(deliveryResponse{Status: "queued"})
	}))
	defer ts.Close()

	s := NewSender(testDeliveryConfig(ts.URL), newTestLogger(&buf), nil)

	if err := s.Send(context.Background(), testMessage); err == nil {
		t.Fatal("status != \"sent\" のレスポンスは失敗でなければならない")
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("試行回数 = %d, want 3", got)
	}
}

func TestSender_Send_Non2xx_IsFailure(t *testing.T) {
	var buf bytes.Buffer

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	s := NewSender(testDeliveryConfig(ts.URL), newTestLogger(&buf), nil)

	if err := s.Send(context.Background(), testMessage); err == nil {
		t.Fatal("5xxレスポンスは失敗でなければならない")
	}
}

func TestSender_Send_RetriesThenSucceeds(t *testing.T) {
	var buf bytes.Buffer

	// 2回失敗した後、3回目で成功する
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(deliveryResponse{Status: "sent"})
	}))
	defer ts.Close()

	s := NewSender(testDeliveryConfig(ts.URL), newTestLogger(&buf), nil)

	if err := s.Send(context.Background(), testMessage); err != nil {
		t.Fatalf("リトライ後の成功は成功として報告されなければならない: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("試行回数 = %d, want 3", got)
	}
}

func TestSender_Send_SuccessShortCircuitsRemainingAttempts(t *testing.T) {
	var buf bytes.Buffer

	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(deliveryResponse{Status: "sent"})
	}))
	defer ts.Close()

	s := NewSender(testDeliveryConfig(ts.URL), newTestLogger(&buf), nil)

	if err := s.Send(context.Background(), testMessage); err != nil {
		t.Fatalf("Send がエラーを返しました: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("成功後に追加の試行をしてはならない（試行回数 = %d）", got)
	}
}

func TestSender_Send_PerAttemptTimeout(t *testing.T) {
	var buf bytes.Buffer

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 試行単位のタイムアウトを超えて応答を遅延させる
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer ts.Close()

	cfg := testDeliveryConfig(ts.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxAttempts = 2

	s := NewSender(cfg, newTestLogger(&buf), nil)

	if err := s.Send(context.Background(), testMessage); err == nil {
		t.Fatal("タイムアウトした試行は失敗でなければならない")
	}
}

func TestSender_Send_ContextCancelDuringRetryDelay(t *testing.T) {
	var buf bytes.Buffer

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	cfg := testDeliveryConfig(ts.URL)
	cfg.RetryDelay = 10 * time.Second

	s := NewSender(cfg, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := s.Send(ctx, testMessage)
	if err == nil {
		t.Fatal("キャンセルされたコンテキストではエラーを返さなければならない")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("キャンセル後はリトライ待機を中断しなければならない（経過 = %v）", elapsed)
	}
}

func TestSender_Send_InvalidResponseJSON_IsFailure(t *testing.T) {
	var buf bytes.Buffer

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer ts.Close()

	s := NewSender(testDeliveryConfig(ts.URL), newTestLogger(&buf), nil)

	if err := s.Send(context.Background(), testMessage); err == nil {
		t.Fatal("解析できないレスポンスは失敗でなければならない")
	}
}

// --- メトリクス記録のテスト ---

// mockDeliveryMetrics はDeliveryMetricsのテスト用モック。
type mockDeliveryMetrics struct {
	attempts  int32
	latencies int32
}

func (m *mockDeliveryMetrics) RecordDeliveryAttempt() {
	atomic.AddInt32(&m.attempts, 1)
}

func (m *mockDeliveryMetrics) RecordDeliveryLatency(d time.Duration) {
	atomic.AddInt32(&m.latencies, 1)
}

func TestSender_Send_RecordsEveryAttempt(t *testing.T) {
	var buf bytes.Buffer

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	m := &mockDeliveryMetrics{}
	s := NewSender(testDeliveryConfig(ts.URL), newTestLogger(&buf), m)

	if err := s.Send(context.Background(), testMessage); err == nil {
		t.Fatal("全試行失敗ではエラーを返さなければならない")
	}

	if got := atomic.LoadInt32(&m.attempts); got != 3 {
		t.Errorf("記録された試行回数 = %d, want 3", got)
	}
	if got := atomic.LoadInt32(&m.latencies); got != 3 {
		t.Errorf("記録されたレイテンシ数 = %d, want 3", got)
	}
}
