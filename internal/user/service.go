// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/greetman/internal/birthday"
	"github.com/hitoshi/greetman/internal/model"
	"github.com/hitoshi/greetman/internal/repository"
)

// MessageScheduler はユーザー変更に伴うメッセージ登録・取消のインターフェース。
type MessageScheduler interface {
	// Upsert はメッセージを冪等にUPSERTする。
	Upsert(ctx context.Context, userID string, templateID int64, dispatchAt time.Time) error
	// DeleteByUserAndTemplate は指定ユーザー・テンプレートのメッセージを削除する。
	DeleteByUserAndTemplate(ctx context.Context, userID string, templateID int64) error
}

// Service はユーザー管理のサービス層。
// 作成・更新・削除のビジネスロジックと、ユーザー変更に伴う
// 通知メッセージの再スケジュールを提供する。
//
// 日次スキャンは1日1回しか走らないため、スキャン後に作成・更新された
// ユーザーの本日分の誕生日はスキャンだけでは拾えない。サービス層で
// 配送時刻を解決し、本日のUTC暦日かつ未来であれば即座に登録する。
type Service struct {
	userRepo  repository.UserRepository
	scheduler MessageScheduler
	logger    *slog.Logger

	now func() time.Time
}

// CreateInput はユーザー作成の入力。
// フィールドはHTTP境界で検証済みであることを前提とする。
type CreateInput struct {
	Email     string
	FirstName string
	LastName  string
	BirthDate string
	Location  string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, scheduler MessageScheduler, logger *slog.Logger) *Service {
	return &Service{
		userRepo:  userRepo,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
	}
}

// Create はユーザーを作成し、本日配送分であれば通知メッセージを登録する。
// メールアドレス重複の場合はEMAIL_SHOULD_BE_UNIQUEエラーを返す。
func (s *Service) Create(ctx context.Context, input CreateInput) (*model.User, error) {
	now := s.now().UTC()

	u := &model.User{
		ID:        uuid.NewString(),
		Email:     input.Email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		BirthDate: input.BirthDate,
		Location:  input.Location,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.userRepo.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailNotUniqueError()
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	s.logger.Info("ユーザーを作成しました",
		slog.String("user_id", u.ID),
	)

	if err := s.rescheduleIfDeliverableToday(ctx, u, now); err != nil {
		return nil, err
	}

	return u, nil
}

// Update はユーザー情報を更新する。
// 誕生日またはタイムゾーンの変更により配送時刻が無効になるため、
// 既存のpendingメッセージを取り消したうえで、更新後の値が本日配送分で
// あれば登録し直す。in_flightの行は取り消し対象外（配送中の行には
// 干渉しない）。
func (s *Service) Update(ctx context.Context, id string, input CreateInput) (*model.User, error) {
	now := s.now().UTC()

	u := &model.User{
		ID:        id,
		Email:     input.Email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		BirthDate: input.BirthDate,
		Location:  input.Location,
		UpdatedAt: now,
	}

	updated, err := s.userRepo.Update(ctx, u)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailNotUniqueError()
		}
		return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}
	if !updated {
		return nil, model.NewUserNotFoundError(id)
	}

	s.logger.Info("ユーザーを更新しました",
		slog.String("user_id", id),
	)

	// 旧い配送時刻のメッセージを取り消す
	if err := s.scheduler.DeleteByUserAndTemplate(ctx, id, model.DefaultTemplateID); err != nil {
		return nil, fmt.Errorf("メッセージの取消に失敗しました: %w", err)
	}

	if err := s.rescheduleIfDeliverableToday(ctx, u, now); err != nil {
		return nil, err
	}

	// 更新後の全フィールドを返すため再取得する
	fresh, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if fresh == nil {
		return nil, model.NewUserNotFoundError(id)
	}

	return fresh, nil
}

// Delete はユーザーを削除する。
// 関連するメッセージはストアのCASCADE削除で同時に消える。
func (s *Service) Delete(ctx context.Context, id string) error {
	deleted, err := s.userRepo.DeleteByID(ctx, id)
	if err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.NewUserNotFoundError(id)
	}

	s.logger.Info("ユーザーを削除しました",
		slog.String("user_id", id),
	)

	return nil
}

// rescheduleIfDeliverableToday はユーザーの配送時刻を解決し、
// 本日のUTC暦日かつ未来であればメッセージを登録する。
// それ以外の日付は日次スキャンが担当する。
func (s *Service) rescheduleIfDeliverableToday(ctx context.Context, u *model.User, now time.Time) error {
	instant, err := birthday.DispatchInstant(u.BirthDate, u.Location)
	if err != nil {
		// 検証済みの入力でここに来ることはないが、解決失敗で
		// ユーザー操作自体を失敗させない
		s.logger.Warn("配送時刻の解決に失敗しました",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if !birthday.DeliverableToday(instant, now) {
		return nil
	}

	if err := s.scheduler.Upsert(ctx, u.ID, model.DefaultTemplateID, instant); err != nil {
		return fmt.Errorf("メッセージの登録に失敗しました: %w", err)
	}

	s.logger.Info("本日分の通知メッセージを登録しました",
		slog.String("user_id", u.ID),
		slog.Time("dispatch_at", instant),
	)

	return nil
}
