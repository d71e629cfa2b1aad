package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/greetman/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Upsert はメッセージを冪等にUPSERTする。
// (user_id, template_id) 競合時は既存行のdispatch_atのみ上書きする。
// 同日のスキャンを2回実行しても行は1件のまま変わらない。
func (r *PostgresMessageRepo) Upsert(ctx context.Context, userID string, templateID int64, dispatchAt time.Time) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, template_id, status, dispatch_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (user_id, template_id)
		 DO UPDATE SET dispatch_at = EXCLUDED.dispatch_at, updated_at = EXCLUDED.updated_at`,
		uuid.NewString(), userID, templateID, model.MessageStatusPending, dispatchAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("メッセージのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// DeleteByUserAndTemplate は指定ユーザー・テンプレートのメッセージを削除する。
func (r *PostgresMessageRepo) DeleteByUserAndTemplate(ctx context.Context, userID string, templateID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = $1 AND template_id = $2`,
		userID, templateID,
	)
	if err != nil {
		return fmt.Errorf("メッセージの削除に失敗しました: %w", err)
	}
	return nil
}

// ClaimDue はdispatch_at <= nowのpendingメッセージをin_flightへ遷移させ、
// 配送に必要な射影（宛先メールアドレスとレンダリング済み本文）を返す。
//
// 選択とマークを単一の条件付きUPDATE文で行うため、並行する別のクレームが
// 同じ行を取得することはない（原子性はストレージ層が保証する）。
// テンプレートのレンダリングもこの結合内で行い、配送エンジンは以降
// ストアへの読み取りアクセスを必要としない。
func (r *PostgresMessageRepo) ClaimDue(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE messages m
		 SET status = $1, updated_at = now()
		 FROM users u, message_templates t
		 WHERE m.status = $2
		   AND m.dispatch_at <= $3
		   AND u.id = m.user_id
		   AND t.id = m.template_id
		 RETURNING m.id, u.email,
		           replace(t.content, '{{full_name}}', u.first_name || ' ' || u.last_name)`,
		model.MessageStatusInFlight, model.MessageStatusPending, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("メッセージのクレームに失敗しました: %w", err)
	}
	defer rows.Close()

	var claimed []model.ClaimedMessage
	for rows.Next() {
		var m model.ClaimedMessage
		if err := rows.Scan(&m.ID, &m.Email, &m.Body); err != nil {
			return nil, fmt.Errorf("クレーム結果の読み取りに失敗しました: %w", err)
		}
		claimed = append(claimed, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("クレーム結果の走査に失敗しました: %w", err)
	}

	return claimed, nil
}

// DeleteByIDs は配送に成功したメッセージを削除する。
func (r *PostgresMessageRepo) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("配送済みメッセージの削除に失敗しました: %w", err)
	}
	return nil
}

// RevertToPending は配送に失敗したin_flightメッセージをpendingへ戻す。
func (r *PostgresMessageRepo) RevertToPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET status = $1, updated_at = now()
		 WHERE id = ANY($2) AND status = $3`,
		model.MessageStatusPending, pq.Array(ids), model.MessageStatusInFlight,
	)
	if err != nil {
		return fmt.Errorf("メッセージのpending復帰に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
