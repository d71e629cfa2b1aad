// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/greetman/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Create はユーザーを作成する。
	// メールアドレス重複の場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// Update はユーザー情報を更新する。
	// 対象が存在しない場合はfalseを返す。
	// メールアドレス重複の場合はErrDuplicateEmailを返す。
	Update(ctx context.Context, user *model.User) (bool, error)

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するmessagesはCASCADE削除される。対象が存在しない場合はfalseを返す。
	DeleteByID(ctx context.Context, id string) (bool, error)

	// ListWithBirthdayBetween は誕生日が[startDate, endDate]（両端含む暦日）に
	// 含まれるユーザーの射影を返す。日次スキャンの2日窓クエリに使用する。
	ListWithBirthdayBetween(ctx context.Context, startDate, endDate string) ([]model.BirthdayCandidate, error)
}

// MessageRepository はスケジュール済みメッセージの永続化インターフェース。
// メッセージライフサイクル（pending → in_flight → 削除/復帰）の状態遷移は
// すべてこのインターフェースの操作を通じて行う。
type MessageRepository interface {
	// Upsert はメッセージを冪等にUPSERTする。
	// (user_id, template_id) 競合時は既存行のdispatch_atを上書きし、
	// 新しい行は作らない。statusは常にpendingで書き込まれる。
	Upsert(ctx context.Context, userID string, templateID int64, dispatchAt time.Time) error

	// DeleteByUserAndTemplate は指定ユーザー・テンプレートのメッセージを削除する。
	// 再スケジュール前のキャンセルに使用する。
	DeleteByUserAndTemplate(ctx context.Context, userID string, templateID int64) error

	// ClaimDue はdispatch_at <= nowのpendingメッセージを単一の条件付きUPDATE文で
	// in_flightへ遷移させ、ユーザー・テンプレートと結合した配送用射影を返す。
	// 文単位の原子性により、並行する別のクレームと同じ行を二重取得することはない。
	// 対象がない場合は空スライスを返す（エラーではない）。
	ClaimDue(ctx context.Context, now time.Time) ([]model.ClaimedMessage, error)

	// DeleteByIDs は配送に成功したメッセージを削除する。
	DeleteByIDs(ctx context.Context, ids []string) error

	// RevertToPending は配送に失敗したin_flightメッセージをpendingへ戻す。
	// 次のディスパッチパスで再試行対象となる。
	RevertToPending(ctx context.Context, ids []string) error
}
