package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/greetman/internal/model"
)

// --- モック定義 ---

// mockClaimer はMessageClaimerのテスト用モック。
type mockClaimer struct {
	claimDueFunc func(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error)

	mu       sync.Mutex
	deleted  []string
	reverted []string
}

func (m *mockClaimer) ClaimDue(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error) {
	if m.claimDueFunc != nil {
		return m.claimDueFunc(ctx, now)
	}
	return nil, nil
}

func (m *mockClaimer) DeleteByIDs(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ids...)
	return nil
}

func (m *mockClaimer) RevertToPending(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverted = append(m.reverted, ids...)
	return nil
}

// mockDeliverer はMessageDelivererのテスト用モック。
type mockDeliverer struct {
	sendFunc func(ctx context.Context, msg model.ClaimedMessage) error
}

func (m *mockDeliverer) Send(ctx context.Context, msg model.ClaimedMessage) error {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, msg)
	}
	return nil
}

func claimedMessages(n int) []model.ClaimedMessage {
	msgs := make([]model.ClaimedMessage, n)
	for i := range msgs {
		msgs[i] = model.ClaimedMessage{
			ID:    "msg-" + string(rune('a'+i)),
			Email: "user@example.com",
			Body:  "Hey, Taro Yamada it's your birthday",
		}
	}
	return msgs
}

// --- RunOnce のテスト ---

func TestPass_RunOnce_DeletesSucceededMessages(t *testing.T) {
	var buf bytes.Buffer

	claimer := &mockClaimer{
		claimDueFunc: func(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error) {
			return claimedMessages(3), nil
		},
	}

	p := NewPass(claimer, &mockDeliverer{}, newTestLogger(&buf), nil, 2)

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := p.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("RunOnce がエラーを返しました: %v", err)
	}

	if len(claimer.deleted) != 3 {
		t.Errorf("削除されたメッセージ数 = %d, want 3", len(claimer.deleted))
	}
	if len(claimer.reverted) != 0 {
		t.Errorf("成功のみのパスで pending 復帰してはならない（復帰数 = %d）", len(claimer.reverted))
	}
}

func TestPass_RunOnce_RevertsFailedMessages(t *testing.T) {
	var buf bytes.Buffer

	claimer := &mockClaimer{
		claimDueFunc: func(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error) {
			return claimedMessages(3), nil
		},
	}
	deliverer := &mockDeliverer{
		sendFunc: func(ctx context.Context, msg model.ClaimedMessage) error {
			if msg.ID == "msg-b" {
				return errors.New("delivery rejected")
			}
			return nil
		},
	}

	p := NewPass(claimer, deliverer, newTestLogger(&buf), nil, 2)

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := p.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("1件の配送失敗でパス全体が失敗してはならない: %v", err)
	}

	sort.Strings(claimer.deleted)
	if len(claimer.deleted) != 2 {
		t.Fatalf("削除されたメッセージ数 = %d, want 2", len(claimer.deleted))
	}
	if claimer.deleted[0] != "msg-a" || claimer.deleted[1] != "msg-c" {
		t.Errorf("削除対象 = %v, want [msg-a msg-c]", claimer.deleted)
	}

	if len(claimer.reverted) != 1 || claimer.reverted[0] != "msg-b" {
		t.Errorf("pending 復帰対象 = %v, want [msg-b]", claimer.reverted)
	}
}

func TestPass_RunOnce_RespectsMaxConcurrency(t *testing.T) {
	var buf bytes.Buffer

	const maxConcurrency = 3

	claimer := &mockClaimer{
		claimDueFunc: func(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error) {
			return claimedMessages(10), nil
		},
	}

	var current, peak int32
	deliverer := &mockDeliverer{
		sendFunc: func(ctx context.Context, msg model.ClaimedMessage) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		},
	}

	p := NewPass(claimer, deliverer, newTestLogger(&buf), nil, maxConcurrency)

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := p.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("RunOnce がエラーを返しました: %v", err)
	}

	if got := atomic.LoadInt32(&peak); got > maxConcurrency {
		t.Errorf("同時配送数の最大値 = %d, 上限 %d を超えてはならない", got, maxConcurrency)
	}
	if len(claimer.deleted) != 10 {
		t.Errorf("削除されたメッセージ数 = %d, want 10", len(claimer.deleted))
	}
}

func TestPass_RunOnce_EmptyClaim(t *testing.T) {
	var buf bytes.Buffer

	claimer := &mockClaimer{}
	delivered := int32(0)
	deliverer := &mockDeliverer{
		sendFunc: func(ctx context.Context, msg model.ClaimedMessage) error {
			atomic.AddInt32(&delivered, 1)
			return nil
		},
	}

	p := NewPass(claimer, deliverer, newTestLogger(&buf), nil, 2)

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := p.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("RunOnce がエラーを返しました: %v", err)
	}

	if atomic.LoadInt32(&delivered) != 0 {
		t.Error("クレーム対象がない場合は配送してはならない")
	}
}

func TestPass_RunOnce_ClaimFailureAbortsPass(t *testing.T) {
	var buf bytes.Buffer

	claimer := &mockClaimer{
		claimDueFunc: func(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error) {
			return nil, errors.New("connection refused")
		},
	}

	p := NewPass(claimer, &mockDeliverer{}, newTestLogger(&buf), nil, 2)

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := p.RunOnce(context.Background(), now); err == nil {
		t.Fatal("クレームのストア障害ではエラーを返さなければならない")
	}
}

// --- メトリクス記録のテスト ---

// mockPassMetrics はPassMetricsのテスト用モック。
type mockPassMetrics struct {
	claimed   int32
	successes int32
	failures  int32
}

func (m *mockPassMetrics) RecordClaimed(count int) {
	atomic.AddInt32(&m.claimed, int32(count))
}

func (m *mockPassMetrics) RecordDeliverySuccess() {
	atomic.AddInt32(&m.successes, 1)
}

func (m *mockPassMetrics) RecordDeliveryFailure() {
	atomic.AddInt32(&m.failures, 1)
}

func TestPass_RunOnce_RecordsMetrics(t *testing.T) {
	var buf bytes.Buffer

	claimer := &mockClaimer{
		claimDueFunc: func(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error) {
			return claimedMessages(3), nil
		},
	}
	deliverer := &mockDeliverer{
		sendFunc: func(ctx context.Context, msg model.ClaimedMessage) error {
			if msg.ID == "msg-a" {
				return errors.New("delivery rejected")
			}
			return nil
		},
	}
	m := &mockPassMetrics{}

	p := NewPass(claimer, deliverer, newTestLogger(&buf), m, 2)

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := p.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("RunOnce がエラーを返しました: %v", err)
	}

	if got := atomic.LoadInt32(&m.claimed); got != 3 {
		t.Errorf("記録されたクレーム数 = %d, want 3", got)
	}
	if got := atomic.LoadInt32(&m.successes); got != 2 {
		t.Errorf("記録された成功数 = %d, want 2", got)
	}
	if got := atomic.LoadInt32(&m.failures); got != 1 {
		t.Errorf("記録された失敗数 = %d, want 1", got)
	}
}

// --- 並行パスの安全性 ---

// inMemoryStore は原子的クレームを模したメモリ上のメッセージストア。
// 複数のパスが同時に走っても同じメッセージが二重にクレームされない
// ことを確認するために使う。
type inMemoryStore struct {
	mu      sync.Mutex
	pending map[string]model.ClaimedMessage
}

func (s *inMemoryStore) ClaimDue(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []model.ClaimedMessage
	for id, msg := range s.pending {
		claimed = append(claimed, msg)
		delete(s.pending, id)
	}
	return claimed, nil
}

func (s *inMemoryStore) DeleteByIDs(ctx context.Context, ids []string) error {
	return nil
}

func (s *inMemoryStore) RevertToPending(ctx context.Context, ids []string) error {
	return nil
}

func TestPass_RunOnce_ConcurrentPassesClaimDisjointSets(t *testing.T) {
	var buf bytes.Buffer

	store := &inMemoryStore{pending: make(map[string]model.ClaimedMessage)}
	for _, msg := range claimedMessages(20) {
		store.pending[msg.ID] = msg
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	deliverer := &mockDeliverer{
		sendFunc: func(ctx context.Context, msg model.ClaimedMessage) error {
			mu.Lock()
			seen[msg.ID]++
			mu.Unlock()
			return nil
		},
	}

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := NewPass(store, deliverer, newTestLogger(&buf), nil, 5)
			if err := p.RunOnce(context.Background(), now); err != nil {
				t.Errorf("RunOnce がエラーを返しました: %v", err)
			}
		}()
	}
	wg.Wait()

	for id, count := range seen {
		if count != 1 {
			t.Errorf("メッセージ %s が %d 回配送されました（クレームの原子性が守られていれば1回）", id, count)
		}
	}
	if len(seen) != 20 {
		t.Errorf("配送されたメッセージ数 = %d, want 20", len(seen))
	}
}
