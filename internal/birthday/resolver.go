// Package birthday は誕生日通知のスケジューリングロジックを提供する。
// タイムゾーンを考慮した配送時刻の解決と、日次スキャンによる
// 通知メッセージの登録を含む。
package birthday

import (
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/greetman/internal/model"
)

// ErrInvalidTimezone は認識できないIANAタイムゾーン識別子を表す。
// 検証は通常HTTP境界で行われるが、リゾルバ自身も不正な識別子を
// 黙って受け入れてはならない。
var ErrInvalidTimezone = errors.New("無効なタイムゾーン識別子")

// ErrInvalidBirthDate はYYYY-MM-DD形式として解釈できない誕生日を表す。
var ErrInvalidBirthDate = errors.New("無効な誕生日")

// dispatchHour は現地時間での通知配送時刻（09:00）。
const dispatchHour = 9

// DispatchInstant は暦日をlocationの現地時間09:00として解釈し、
// UTCの配送時刻に変換して返す。
//
// 変換はその日付におけるタイムゾーンのオフセット規則（DST遷移や
// 歴史的なオフセット変更を含む）に従う。固定オフセットの算術ではない。
func DispatchInstant(birthDate, location string) (time.Time, error) {
	d, err := time.Parse(model.DateLayout, birthDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidBirthDate, birthDate)
	}

	loc, err := time.LoadLocation(location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimezone, location)
	}

	local := time.Date(d.Year(), d.Month(), d.Day(), dispatchHour, 0, 0, 0, loc)
	return local.UTC(), nil
}

// IsValidLocation はIANAタイムゾーン識別子として解決可能かどうかを返す。
// HTTP境界でのリクエスト検証に使用する。
func IsValidLocation(location string) bool {
	if location == "" {
		return false
	}
	_, err := time.LoadLocation(location)
	return err == nil
}

// DeliverableToday は配送時刻が基準時刻nowと同じUTC暦日かつ未来である、
// すなわち本日分のディスパッチパスでまだ配送可能かどうかを返す。
// ユーザー作成・更新時の即時スケジュール判定に使用する。
func DeliverableToday(instant, now time.Time) bool {
	instant = instant.UTC()
	now = now.UTC()
	return instant.Format(model.DateLayout) == now.Format(model.DateLayout) && instant.After(now)
}
