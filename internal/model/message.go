// Package model はドメインモデルを定義する。
package model

import "time"

// DefaultTemplateID は誕生日メッセージテンプレートのID。
// マイグレーションでシードされる。
const DefaultTemplateID int64 = 1

// MessageStatus はメッセージのライフサイクル状態を表す。
type MessageStatus string

const (
	// MessageStatusPending は配送待ち状態。dispatch_at <= now でクレーム対象になる。
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusInFlight はディスパッチパスにクレームされ配送試行中の状態。
	// クレーム対象から除外される。
	MessageStatusInFlight MessageStatus = "in_flight"
)

// Message はスケジュール済みの通知メッセージを表す。
// (UserID, TemplateID) の組み合わせは一意で、再スケジュールは
// 新規行を作らず既存行のDispatchAtを上書きする。
// 配送成功時に行ごと削除され、失敗時はpendingに戻されて次のパスで再試行される。
type Message struct {
	ID         string
	UserID     string
	TemplateID int64
	Status     MessageStatus
	DispatchAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ClaimedMessage はクレーム時にユーザー・テンプレートと結合された配送用の射影。
// 配送エンジンはこの射影のみを受け取り、ストアへの読み取りアクセスを持たない。
type ClaimedMessage struct {
	ID    string
	Email string
	Body  string
}
