package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/greetman/internal/model"
)

// MessageClaimer はクレームと結果確定のストア操作インターフェース。
type MessageClaimer interface {
	// ClaimDue は期限到来のpendingメッセージを原子的にin_flightへ遷移させ、
	// 配送用射影を返す。
	ClaimDue(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error)
	// DeleteByIDs は配送に成功したメッセージを削除する。
	DeleteByIDs(ctx context.Context, ids []string) error
	// RevertToPending は配送に失敗したメッセージをpendingへ戻す。
	RevertToPending(ctx context.Context, ids []string) error
}

// MessageDeliverer はメッセージ配送の実行インターフェース。
type MessageDeliverer interface {
	// Send はメッセージを配送する。リトライ込みで最終結果を返す。
	Send(ctx context.Context, msg model.ClaimedMessage) error
}

// PassMetrics はディスパッチパスのメトリクス記録インターフェース。
type PassMetrics interface {
	RecordClaimed(count int)
	RecordDeliverySuccess()
	RecordDeliveryFailure()
}

// Pass は1回のディスパッチパス（クレーム→配送→結果確定）を実行する。
// 配送はsemaphoreパターンで最大並列数を制御し、クレームと
// 最終的なストア書き込みはパス内で逐次実行する。
//
// クレームの原子性により、重なって実行される複数のパスが同じ
// メッセージを二重配送することはない。
type Pass struct {
	messages       MessageClaimer
	sender         MessageDeliverer
	logger         *slog.Logger
	metrics        PassMetrics
	maxConcurrency int
}

// NewPass はPassの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewPass(messages MessageClaimer, sender MessageDeliverer, logger *slog.Logger, metrics PassMetrics, maxConcurrency int) *Pass {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Pass{
		messages:       messages,
		sender:         sender,
		logger:         logger,
		metrics:        metrics,
		maxConcurrency: maxConcurrency,
	}
}

// RunOnce は基準時刻nowで1回のディスパッチパスを実行する。
// nowは決定性とテスト容易性のため暗黙に読まず必ず引数で受け取る。
//
// 配送に成功したメッセージは削除し、失敗したメッセージはpendingへ
// 戻して次のパスに委ねる（ディスパッチ周期そのものがバックオフとなる）。
// 1件の配送失敗は残りのメッセージの処理を妨げない。
// ストアの障害はパス全体を中断し、次回の定期実行で自然に再試行される。
func (p *Pass) RunOnce(ctx context.Context, now time.Time) error {
	start := time.Now()

	claimed, err := p.messages.ClaimDue(ctx, now)
	if err != nil {
		return fmt.Errorf("メッセージのクレームに失敗しました: %w", err)
	}

	if len(claimed) == 0 {
		p.logger.Info("配送対象のメッセージはありません")
		return nil
	}

	if p.metrics != nil {
		p.metrics.RecordClaimed(len(claimed))
	}

	p.logger.Info("ディスパッチパスを開始します",
		slog.Int("message_count", len(claimed)),
	)

	// semaphoreパターンで配送の並列数を制御する
	sem := make(chan struct{}, p.maxConcurrency)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var succeeded, failed []string

	for _, msg := range claimed {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(m model.ClaimedMessage) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			err := p.sender.Send(ctx, m)

			mu.Lock()
			if err != nil {
				failed = append(failed, m.ID)
			} else {
				succeeded = append(succeeded, m.ID)
			}
			mu.Unlock()

			if p.metrics != nil {
				if err != nil {
					p.metrics.RecordDeliveryFailure()
				} else {
					p.metrics.RecordDeliverySuccess()
				}
			}

			if err != nil {
				p.logger.Error("メッセージの配送に失敗しました",
					slog.String("message_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
		}(msg)
	}

	wg.Wait()

	// 成功分は行ごと削除、失敗分はpendingへ戻す。
	// 配送成功後に削除が失敗した場合の二重配送は許容されたリスク
	// （at-least-once契約）。
	if err := p.messages.DeleteByIDs(ctx, succeeded); err != nil {
		return fmt.Errorf("配送済みメッセージの削除に失敗しました: %w", err)
	}
	if err := p.messages.RevertToPending(ctx, failed); err != nil {
		return fmt.Errorf("失敗メッセージのpending復帰に失敗しました: %w", err)
	}

	p.logger.Info("ディスパッチパスが完了しました",
		slog.Int("message_count", len(claimed)),
		slog.Int("delivered_count", len(succeeded)),
		slog.Int("failed_count", len(failed)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
