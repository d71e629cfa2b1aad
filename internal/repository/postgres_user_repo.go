package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/greetman/internal/model"
)

// ErrDuplicateEmail はメールアドレスの一意制約違反を表す。
var ErrDuplicateEmail = errors.New("email already exists")

// pqUniqueViolation はPostgreSQLのunique_violationエラーコード。
const pqUniqueViolation = "23505"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, to_char(birth_date, 'YYYY-MM-DD'),
		        location, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName,
		&user.BirthDate, &user.Location, &user.CreatedAt, &user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	return user, nil
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, birth_date, location, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, user.FirstName, user.LastName,
		user.BirthDate, user.Location, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はユーザー情報を更新する。対象が存在しない場合はfalseを返す。
func (r *PostgresUserRepo) Update(ctx context.Context, user *model.User) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET
		    email = $2, first_name = $3, last_name = $4,
		    birth_date = $5, location = $6, updated_at = $7
		 WHERE id = $1`,
		user.ID, user.Email, user.FirstName, user.LastName,
		user.BirthDate, user.Location, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicateEmail
		}
		return false, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するmessagesはCASCADE削除される。対象が存在しない場合はfalseを返す。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除行数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListWithBirthdayBetween は誕生日が指定範囲（両端含む）のユーザーの射影を返す。
func (r *PostgresUserRepo) ListWithBirthdayBetween(ctx context.Context, startDate, endDate string) ([]model.BirthdayCandidate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, to_char(birth_date, 'YYYY-MM-DD'), location
		 FROM users
		 WHERE birth_date BETWEEN $1 AND $2
		 ORDER BY birth_date ASC`,
		startDate, endDate,
	)
	if err != nil {
		return nil, fmt.Errorf("スキャン対象ユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var candidates []model.BirthdayCandidate
	for rows.Next() {
		var c model.BirthdayCandidate
		if err := rows.Scan(&c.ID, &c.BirthDate, &c.Location); err != nil {
			return nil, fmt.Errorf("スキャン対象ユーザーの読み取りに失敗しました: %w", err)
		}
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("スキャン対象ユーザーの走査に失敗しました: %w", err)
	}

	return candidates, nil
}

// isUniqueViolation はエラーがPostgreSQLの一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
