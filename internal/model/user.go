// Package model はドメインモデルを定義する。
package model

import "time"

// DateLayout は誕生日などのカレンダー日付の書式。
const DateLayout = "2006-01-02"

// User はサービス利用ユーザーを表す。
// BirthDateは時刻成分を持たない暦日（YYYY-MM-DD）、
// LocationはIANAタイムゾーン識別子（例: "Asia/Jakarta"）。
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	BirthDate string
	Location  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName は表示用のフルネームを返す。
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// BirthdayCandidate はスキャン対象ユーザーの射影。
// 日次スキャンがスケジュール判定に必要とする最小限のフィールドのみを持つ。
type BirthdayCandidate struct {
	ID        string
	BirthDate string
	Location  string
}
