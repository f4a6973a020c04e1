package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/cfpman/internal/model"
)

const accountColumns = `id, email, username, password_hash, full_name, bio, is_organizer, created_at, updated_at`

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	account, err := r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	account, err := r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return account, nil
}

// FindByUsername はユーザー名でアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByUsername(ctx context.Context, username string) (*model.Account, error) {
	account, err := r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by username: %w", err)
	}
	return account, nil
}

func (r *PostgresAccountRepo) findOne(ctx context.Context, query string, arg any) (*model.Account, error) {
	account := &model.Account{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&account.ID,
		&account.Email,
		&account.Username,
		&account.PasswordHash,
		&account.FullName,
		&account.Bio,
		&account.IsOrganizer,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		account.ID, account.Email, account.Username, account.PasswordHash,
		account.FullName, account.Bio, account.IsOrganizer, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("failed to insert account", err)
	}
	return nil
}

// CreateWithLink はアカウントとプロバイダー紐付けを同一トランザクションで作成する。
// いずれかの挿入に失敗した場合はロールバックされ、部分的な状態は残らない。
func (r *PostgresAccountRepo) CreateWithLink(ctx context.Context, account *model.Account, link *model.ProviderLink) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// アカウントを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		account.ID, account.Email, account.Username, account.PasswordHash,
		account.FullName, account.Bio, account.IsOrganizer, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("failed to insert account", err)
	}

	// 紐付けを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO provider_links (id, account_id, provider, provider_user_id, raw_profile, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		link.ID, link.AccountID, string(link.Provider), link.ProviderUserID, nullableJSON(link.RawProfile), link.CreatedAt,
	)
	if err != nil {
		return wrapWriteError("failed to insert provider link", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateOrganizer は主催者フラグを更新する。
func (r *PostgresAccountRepo) UpdateOrganizer(ctx context.Context, id string, isOrganizer bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET is_organizer = $2, updated_at = now() WHERE id = $1`,
		id, isOrganizer,
	)
	if err != nil {
		return fmt.Errorf("failed to update organizer flag: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteByID は指定IDのアカウントを削除する。
// 関連するsessions、provider_linksはCASCADE削除される。
func (r *PostgresAccountRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// nullableJSON は空のJSONをNULLとして扱う。
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
