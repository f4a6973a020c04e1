// Package memory はリポジトリインターフェースのインメモリ実装を提供する。
// PostgreSQLと同じ一意制約を再現し、同じセンチネルエラーを返す。テストと開発用。
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/cfpman/internal/model"
	"github.com/hitoshi/cfpman/internal/repository"
)

type linkKey struct {
	provider model.ProviderKind
	subject  string
}

// Store はアカウント・紐付け・セッションを1つのロックで保持する。
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[string]*model.Account
	links    map[linkKey]*model.ProviderLink
	sessions map[string]*model.Session // token_hash -> session
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		accounts: make(map[string]*model.Account),
		links:    make(map[linkKey]*model.ProviderLink),
		sessions: make(map[string]*model.Session),
	}
}

// Accounts はAccountRepositoryとしてのビューを返す。
func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s: s} }

// Links はProviderLinkRepositoryとしてのビューを返す。
func (s *Store) Links() *ProviderLinkRepo { return &ProviderLinkRepo{s: s} }

// Sessions はSessionRepositoryとしてのビューを返す。
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }

// SetNow は期限判定に使う時刻関数を差し替える。
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func copyAccount(a *model.Account) *model.Account {
	c := *a
	return &c
}

// checkAccountUnique はロック取得済みで呼ぶ。
func (s *Store) checkAccountUnique(a *model.Account) error {
	for _, existing := range s.accounts {
		if existing.ID == a.ID {
			continue
		}
		if existing.Email == a.Email {
			return repository.ErrDuplicateEmail
		}
		if a.Username != nil && existing.Username != nil && *existing.Username == *a.Username {
			return repository.ErrDuplicateUsername
		}
	}
	return nil
}

// AccountRepo はインメモリのAccountRepository。
type AccountRepo struct{ s *Store }

func (r *AccountRepo) FindByID(_ context.Context, id string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[id]; ok {
		return copyAccount(a), nil
	}
	return nil, nil
}

func (r *AccountRepo) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.Email == email {
			return copyAccount(a), nil
		}
	}
	return nil, nil
}

func (r *AccountRepo) FindByUsername(_ context.Context, username string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.Username != nil && *a.Username == username {
			return copyAccount(a), nil
		}
	}
	return nil, nil
}

func (r *AccountRepo) Create(_ context.Context, account *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.checkAccountUnique(account); err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	r.s.accounts[account.ID] = copyAccount(account)
	return nil
}

func (r *AccountRepo) CreateWithLink(_ context.Context, account *model.Account, link *model.ProviderLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.checkAccountUnique(account); err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	key := linkKey{link.Provider, link.ProviderUserID}
	if _, exists := r.s.links[key]; exists {
		return fmt.Errorf("failed to insert provider link: %w", repository.ErrDuplicateProviderLink)
	}
	r.s.accounts[account.ID] = copyAccount(account)
	l := *link
	r.s.links[key] = &l
	return nil
}

func (r *AccountRepo) UpdateOrganizer(_ context.Context, id string, isOrganizer bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, repository.ErrNotFound)
	}
	a.IsOrganizer = isOrganizer
	a.UpdatedAt = r.s.now()
	return nil
}

// DeleteByID はアカウントを削除し、紐付けとセッションもカスケード削除する。
func (r *AccountRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[id]; !ok {
		return fmt.Errorf("account %s: %w", id, repository.ErrNotFound)
	}
	delete(r.s.accounts, id)
	for k, l := range r.s.links {
		if l.AccountID == id {
			delete(r.s.links, k)
		}
	}
	for k, sess := range r.s.sessions {
		if sess.AccountID == id {
			delete(r.s.sessions, k)
		}
	}
	return nil
}

// ProviderLinkRepo はインメモリのProviderLinkRepository。
type ProviderLinkRepo struct{ s *Store }

func (r *ProviderLinkRepo) FindByProvider(_ context.Context, provider model.ProviderKind, providerUserID string) (*model.ProviderLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l, ok := r.s.links[linkKey{provider, providerUserID}]; ok {
		c := *l
		return &c, nil
	}
	return nil, nil
}

func (r *ProviderLinkRepo) Create(_ context.Context, link *model.ProviderLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[link.AccountID]; !ok {
		return fmt.Errorf("failed to insert provider link: account %s does not exist", link.AccountID)
	}
	key := linkKey{link.Provider, link.ProviderUserID}
	if _, exists := r.s.links[key]; exists {
		return fmt.Errorf("failed to insert provider link: %w", repository.ErrDuplicateProviderLink)
	}
	l := *link
	r.s.links[key] = &l
	return nil
}

func (r *ProviderLinkRepo) ListByAccountID(_ context.Context, accountID string) ([]*model.ProviderLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.ProviderLink
	for _, l := range r.s.links {
		if l.AccountID == accountID {
			c := *l
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SessionRepo はインメモリのSessionRepository。
type SessionRepo struct{ s *Store }

func (r *SessionRepo) Create(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[session.AccountID]; !ok {
		return fmt.Errorf("failed to create session: account %s does not exist", session.AccountID)
	}
	if _, exists := r.s.sessions[session.TokenHash]; exists {
		return fmt.Errorf("failed to create session: %w", repository.ErrDuplicateSession)
	}
	c := *session
	r.s.sessions[session.TokenHash] = &c
	return nil
}

func (r *SessionRepo) FindByTokenHash(_ context.Context, tokenHash string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[tokenHash]
	if !ok || !sess.ExpiresAt.After(r.s.now()) {
		return nil, nil
	}
	c := *sess
	return &c, nil
}

func (r *SessionRepo) DeleteByTokenHash(_ context.Context, tokenHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, tokenHash)
	return nil
}

func (r *SessionRepo) DeleteByAccountID(_ context.Context, accountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, sess := range r.s.sessions {
		if sess.AccountID == accountID {
			delete(r.s.sessions, k)
		}
	}
	return nil
}

// Count はテスト用に保持しているセッション数を返す。
func (r *SessionRepo) Count() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.sessions)
}

var (
	_ repository.AccountRepository      = (*AccountRepo)(nil)
	_ repository.ProviderLinkRepository = (*ProviderLinkRepo)(nil)
	_ repository.SessionRepository      = (*SessionRepo)(nil)
)
