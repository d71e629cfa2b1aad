// Package dispatch は通知メッセージのディスパッチパスを提供する。
// 期限到来メッセージのクレーム、並列制御付きの配送、結果の永続化を含む。
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/greetman/internal/model"
)

// statusSent は配送成功を示すレスポンスのstatus値。
// トランスポートレベルで成功していてもstatusがこれ以外の場合、
// その試行は失敗として扱う。
const statusSent = "sent"

// DeliveryConfig は配送エンジンの設定パラメータ。
// 環境変数から設定可能。
type DeliveryConfig struct {
	// Endpoint は通知配送先エンドポイントのURL。
	Endpoint string
	// Timeout は1試行あたりのハードタイムアウト（デフォルト: 10秒）。
	Timeout time.Duration
	// MaxAttempts は1メッセージあたりの最大試行回数（デフォルト: 3）。
	MaxAttempts int
	// RetryDelay は失敗した試行後の固定待機時間（デフォルト: 5秒）。
	// 指数的には増加させない。
	RetryDelay time.Duration
	// RateLimit はエンドポイントへの秒間リクエスト上限。0は無制限。
	RateLimit float64
}

// DefaultDeliveryConfig はデフォルトの配送設定を返す。
func DefaultDeliveryConfig(endpoint string) DeliveryConfig {
	return DeliveryConfig{
		Endpoint:    endpoint,
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  5 * time.Second,
	}
}

// DeliveryMetrics は配送試行のメトリクス記録インターフェース。
type DeliveryMetrics interface {
	RecordDeliveryAttempt()
	RecordDeliveryLatency(duration time.Duration)
}

// deliveryRequest は配送エンドポイントへのリクエストボディ。
type deliveryRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// deliveryResponse は配送エンドポイントのレスポンスボディ。
type deliveryResponse struct {
	Status   string `json:"status"`
	SentTime string `json:"sentTime"`
}

// Sender はクレーム済みメッセージを外部エンドポイントへ配送する。
// 試行ごとのタイムアウト、上限付きリトライ、固定バックオフを実装する。
// ストアへの書き込みは一切行わず、結果は呼び出し元へ返すのみ。
type Sender struct {
	client      *http.Client
	endpoint    string
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     DeliveryMetrics
}

// NewSender はSenderの新しいインスタンスを生成する。
// MaxAttemptsが0以下の場合はデフォルト値3を使用する。
func NewSender(cfg DeliveryConfig, logger *slog.Logger, metrics DeliveryMetrics) *Sender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Sender{
		// タイムアウトは試行単位のコンテキストで制御する
		client:      &http.Client{},
		endpoint:    cfg.Endpoint,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		limiter:     limiter,
		logger:      logger,
		metrics:     metrics,
	}
}

// Send はメッセージを配送する。最大maxAttempts回試行し、
// 成功した時点で残りの試行を打ち切って即座に成功を報告する。
// 失敗またはタイムアウトした試行の後は固定のretryDelayだけ待機する。
func (s *Sender) Send(ctx context.Context, msg model.ClaimedMessage) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var last error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		start := time.Now()
		err := s.trySend(ctx, msg)
		if s.metrics != nil {
			s.metrics.RecordDeliveryAttempt()
			s.metrics.RecordDeliveryLatency(time.Since(start))
		}

		if err == nil {
			s.logger.Info("メッセージを配送しました",
				slog.String("message_id", msg.ID),
				slog.Int("attempt", attempt),
			)
			return nil
		}

		last = err
		if attempt == s.maxAttempts {
			break
		}

		s.logger.Warn("配送試行に失敗しました。リトライします",
			slog.String("message_id", msg.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", s.retryDelay),
			slog.String("error", err.Error()),
		)

		tmr := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}

	s.logger.Error("配送が試行上限に達しました",
		slog.String("message_id", msg.ID),
		slog.Int("max_attempts", s.maxAttempts),
		slog.String("error", last.Error()),
	)
	return last
}

// trySend は1回の配送試行を実行する。
// タイムアウト内にレスポンスを受信し、HTTPステータスが成功を示し、
// かつレスポンスのstatusフィールドが"sent"の場合のみ成功とする。
func (s *Sender) trySend(ctx context.Context, msg model.ClaimedMessage) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(deliveryRequest{
		Email:   msg.Email,
		Message: msg.Body,
	})
	if err != nil {
		return fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("配送リクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("配送エンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var result deliveryResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	if result.Status != statusSent {
		return fmt.Errorf("配送エンドポイントがstatus %q を返しました", result.Status)
	}

	return nil
}
