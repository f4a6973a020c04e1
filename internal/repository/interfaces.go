// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/cfpman/internal/model"
)

// AccountRepository はアカウントデータの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレスでアカウントを検索する。大文字小文字は区別する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// FindByUsername はユーザー名でアカウントを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.Account, error)

	// Create はアカウントを作成する。
	// email / username の一意制約違反時は ErrDuplicateEmail / ErrDuplicateUsername をラップして返す。
	Create(ctx context.Context, account *model.Account) error

	// CreateWithLink はアカウントとプロバイダー紐付けを同一トランザクションで作成する。
	CreateWithLink(ctx context.Context, account *model.Account, link *model.ProviderLink) error

	// UpdateOrganizer は主催者フラグを更新する。
	// 対象が存在しない場合は ErrNotFound を返す。
	UpdateOrganizer(ctx context.Context, id string, isOrganizer bool) error

	// DeleteByID は指定IDのアカウントを削除する。
	// 関連するsessions、provider_linksはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// ProviderLinkRepository は外部IdP紐付け情報の永続化インターフェース。
type ProviderLinkRepository interface {
	// FindByProvider はproviderとprovider_user_idで紐付けを検索する。
	// 見つからない場合はnilを返す。
	FindByProvider(ctx context.Context, provider model.ProviderKind, providerUserID string) (*model.ProviderLink, error)

	// Create は既存アカウントへの紐付けを作成する。
	// 一意制約違反時は ErrDuplicateProviderLink をラップして返す。
	Create(ctx context.Context, link *model.ProviderLink) error

	// ListByAccountID はアカウントに紐付く全プロバイダーを作成順に返す。
	ListByAccountID(ctx context.Context, accountID string) ([]*model.ProviderLink, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByTokenHash はトークンハッシュでセッションを取得する。期限切れの場合はnilを返す。
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	// DeleteByTokenHash はトークンハッシュに一致するセッションを削除する。
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	// DeleteByAccountID は指定アカウントの全セッションを削除する。
	DeleteByAccountID(ctx context.Context, accountID string) error
}
