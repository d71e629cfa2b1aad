// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, user, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeInvalidTimezone   = "INVALID_TIMEZONE"
	ErrCodeInvalidBirthDate  = "INVALID_BIRTH_DATE"
	ErrCodeEmailNotUnique    = "EMAIL_SHOULD_BE_UNIQUE"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
)

// NewValidationError はリクエスト検証エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s（%s）", field, reason),
		Category: "validation",
		Action:   "リクエストボディを確認してください。",
	}
}

// NewInvalidTimezoneError は無効なタイムゾーン識別子エラーを生成する。
func NewInvalidTimezoneError(location string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimezone,
		Message:  fmt.Sprintf("無効なタイムゾーン識別子です: %s", location),
		Category: "validation",
		Action:   "IANAタイムゾーン識別子（例: Asia/Tokyo）を指定してください。",
	}
}

// NewInvalidBirthDateError は無効な誕生日エラーを生成する。
func NewInvalidBirthDateError(birthDate string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBirthDate,
		Message:  fmt.Sprintf("無効な誕生日です: %s", birthDate),
		Category: "validation",
		Action:   "YYYY-MM-DD形式の日付を指定してください。",
	}
}

// NewEmailNotUniqueError はメールアドレス重複エラーを生成する。
func NewEmailNotUniqueError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotUnique,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "user",
		Action:   "別のメールアドレスを指定してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %s", userID),
		Category: "user",
		Action:   "ユーザーIDを確認してください。",
	}
}
