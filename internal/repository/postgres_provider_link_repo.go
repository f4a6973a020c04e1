package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/cfpman/internal/model"
)

// PostgresProviderLinkRepo はPostgreSQLを使用したプロバイダー紐付けリポジトリ。
type PostgresProviderLinkRepo struct {
	db *sql.DB
}

// NewPostgresProviderLinkRepo はPostgresProviderLinkRepoを生成する。
func NewPostgresProviderLinkRepo(db *sql.DB) *PostgresProviderLinkRepo {
	return &PostgresProviderLinkRepo{db: db}
}

// FindByProvider はproviderとprovider_user_idで紐付けを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresProviderLinkRepo) FindByProvider(ctx context.Context, provider model.ProviderKind, providerUserID string) (*model.ProviderLink, error) {
	link := &model.ProviderLink{}
	var kind string
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, provider, provider_user_id, raw_profile, created_at
		 FROM provider_links
		 WHERE provider = $1 AND provider_user_id = $2`,
		string(provider), providerUserID,
	).Scan(&link.ID, &link.AccountID, &kind, &link.ProviderUserID, &raw, &link.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find provider link: %w", err)
	}

	link.Provider = model.ProviderKind(kind)
	link.RawProfile = raw
	return link, nil
}

// Create は既存アカウントへの紐付けを作成する。
func (r *PostgresProviderLinkRepo) Create(ctx context.Context, link *model.ProviderLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provider_links (id, account_id, provider, provider_user_id, raw_profile, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		link.ID, link.AccountID, string(link.Provider), link.ProviderUserID, nullableJSON(link.RawProfile), link.CreatedAt,
	)
	if err != nil {
		return wrapWriteError("failed to insert provider link", err)
	}
	return nil
}

// ListByAccountID はアカウントに紐付く全プロバイダーを作成順に返す。
func (r *PostgresProviderLinkRepo) ListByAccountID(ctx context.Context, accountID string) ([]*model.ProviderLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, provider, provider_user_id, created_at
		 FROM provider_links
		 WHERE account_id = $1
		 ORDER BY created_at ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider links: %w", err)
	}
	defer rows.Close()

	var links []*model.ProviderLink
	for rows.Next() {
		link := &model.ProviderLink{}
		var kind string
		if err := rows.Scan(&link.ID, &link.AccountID, &kind, &link.ProviderUserID, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider link: %w", err)
		}
		link.Provider = model.ProviderKind(kind)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate provider links: %w", err)
	}

	return links, nil
}

// compile-time interface check
var _ ProviderLinkRepository = (*PostgresProviderLinkRepo)(nil)
