package birthday

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/greetman/internal/model"
)

// CandidateLister はスキャン対象ユーザーの取得インターフェース。
type CandidateLister interface {
	// ListWithBirthdayBetween は誕生日が[startDate, endDate]（両端含む）の
	// ユーザーの射影を返す。
	ListWithBirthdayBetween(ctx context.Context, startDate, endDate string) ([]model.BirthdayCandidate, error)
}

// MessageScheduler はメッセージ登録のインターフェース。
type MessageScheduler interface {
	// Upsert はメッセージを冪等にUPSERTする。
	Upsert(ctx context.Context, userID string, templateID int64, dispatchAt time.Time) error
}

// ScanMetrics はスキャン結果のメトリクス記録インターフェース。
type ScanMetrics interface {
	RecordScanScheduled(count int)
}

// Planner は日次スキャンを実行し、本日のUTC暦日に配送すべき
// ユーザーの通知メッセージを登録する。
//
// スキャンは誕生日が[T, T+1]の2日窓に含まれるユーザーを取得する。
// 単日の等値一致では、UTC+14のようにUTCより先行するタイムゾーンの
// ユーザーの現地09:00が前日のUTC暦日に落ちるため取りこぼしが生じる。
// 窓で拾った候補ごとに配送時刻を解決し、そのUTC暦日がTと一致する
// 候補のみを採用することで、翌日の実行に属する残り半分を除外する。
type Planner struct {
	users    CandidateLister
	messages MessageScheduler
	logger   *slog.Logger
	metrics  ScanMetrics
}

// NewPlanner はPlannerの新しいインスタンスを生成する。
func NewPlanner(users CandidateLister, messages MessageScheduler, logger *slog.Logger, metrics ScanMetrics) *Planner {
	return &Planner{
		users:    users,
		messages: messages,
		logger:   logger,
		metrics:  metrics,
	}
}

// RunOnce は基準時刻nowで1回の日次スキャンを実行する。
// nowは決定性とテスト容易性のため暗黙に読まず必ず引数で受け取る。
//
// 候補単体の解決失敗（不正なタイムゾーン等）はログに記録して
// スキップし、残りの候補の処理を継続する。ストアの障害は
// スキャン全体を中断し、次回の定期実行で自然に再試行される。
func (p *Planner) RunOnce(ctx context.Context, now time.Time) error {
	start := time.Now()

	today := now.UTC().Format(model.DateLayout)
	windowEnd := now.UTC().AddDate(0, 0, 1).Format(model.DateLayout)

	candidates, err := p.users.ListWithBirthdayBetween(ctx, today, windowEnd)
	if err != nil {
		return fmt.Errorf("日次スキャンの候補取得に失敗しました: %w", err)
	}

	if len(candidates) == 0 {
		p.logger.Info("誕生日スキャン対象のユーザーはありません",
			slog.String("date", today),
		)
		return nil
	}

	scheduled := 0
	for _, c := range candidates {
		instant, err := DispatchInstant(c.BirthDate, c.Location)
		if err != nil {
			// 1件の不正なレコードがスキャン全体を中断してはならない
			p.logger.Warn("配送時刻の解決に失敗したためスキップします",
				slog.String("user_id", c.ID),
				slog.String("birth_date", c.BirthDate),
				slog.String("location", c.Location),
				slog.String("error", err.Error()),
			)
			continue
		}

		// 配送時刻のUTC暦日が本日でない候補は翌日の実行が担当する
		if instant.Format(model.DateLayout) != today {
			continue
		}

		if err := p.messages.Upsert(ctx, c.ID, model.DefaultTemplateID, instant); err != nil {
			return fmt.Errorf("メッセージの登録に失敗しました: %w", err)
		}
		scheduled++
	}

	if p.metrics != nil {
		p.metrics.RecordScanScheduled(scheduled)
	}

	p.logger.Info("誕生日スキャンが完了しました",
		slog.String("date", today),
		slog.Int("candidate_count", len(candidates)),
		slog.Int("scheduled_count", scheduled),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
