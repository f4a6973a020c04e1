package auth

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/cfpman/internal/model"
	"github.com/hitoshi/cfpman/internal/repository"
	"github.com/hitoshi/cfpman/internal/repository/memory"
)

// testHashParams はテストを速くするための低コストなパラメータ。
var testHashParams = HashParams{
	Memory:      1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

var testSecret = []byte("test-secret-key-that-is-at-least-32-bytes")

// --- モック定義 ---

type mockSessionRepo struct {
	createFn            func(ctx context.Context, session *model.Session) error
	findByTokenHashFn   func(ctx context.Context, tokenHash string) (*model.Session, error)
	deleteByTokenHashFn func(ctx context.Context, tokenHash string) error
	deleteByAccountIDFn func(ctx context.Context, accountID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	if m.findByTokenHashFn != nil {
		return m.findByTokenHashFn(ctx, tokenHash)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	if m.deleteByTokenHashFn != nil {
		return m.deleteByTokenHashFn(ctx, tokenHash)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByAccountID(ctx context.Context, accountID string) error {
	if m.deleteByAccountIDFn != nil {
		return m.deleteByAccountIDFn(ctx, accountID)
	}
	return nil
}

type mockAccountRepo struct {
	findByIDFn       func(ctx context.Context, id string) (*model.Account, error)
	findByEmailFn    func(ctx context.Context, email string) (*model.Account, error)
	findByUsernameFn func(ctx context.Context, username string) (*model.Account, error)
	createFn         func(ctx context.Context, account *model.Account) error
	createWithLinkFn func(ctx context.Context, account *model.Account, link *model.ProviderLink) error
}

func (m *mockAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockAccountRepo) FindByUsername(ctx context.Context, username string) (*model.Account, error) {
	if m.findByUsernameFn != nil {
		return m.findByUsernameFn(ctx, username)
	}
	return nil, nil
}

func (m *mockAccountRepo) Create(ctx context.Context, account *model.Account) error {
	if m.createFn != nil {
		return m.createFn(ctx, account)
	}
	return nil
}

func (m *mockAccountRepo) CreateWithLink(ctx context.Context, account *model.Account, link *model.ProviderLink) error {
	if m.createWithLinkFn != nil {
		return m.createWithLinkFn(ctx, account, link)
	}
	return nil
}

func (m *mockAccountRepo) UpdateOrganizer(_ context.Context, _ string, _ bool) error { return nil }
func (m *mockAccountRepo) DeleteByID(_ context.Context, _ string) error              { return nil }

type mockOAuthProvider struct {
	kind           model.ProviderKind
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) Kind() model.ProviderKind { return m.kind }

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://idp.example.com/auth?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

// --- compile-time interface checks ---
var (
	_ repository.SessionRepository = (*mockSessionRepo)(nil)
	_ repository.AccountRepository = (*mockAccountRepo)(nil)
	_ OAuthProvider                = (*mockOAuthProvider)(nil)
)

// testEnv はインメモリストア上に組み立てた認証コンポーネント一式。
type testEnv struct {
	store       *memory.Store
	signer      *TokenSigner
	hasher      *PasswordHasher
	credentials *CredentialStore
	issuer      *SessionIssuer
	verifier    *TokenVerifier
	providers   *ProviderRegistry
	resolver    *LinkResolver
	service     *Service
}

func newTestEnv(t *testing.T, providers ...OAuthProvider) *testEnv {
	t.Helper()

	signer, err := NewTokenSigner(TokenConfig{Secret: testSecret, Expiry: 24 * time.Hour})
	if err != nil {
		t.Fatalf("NewTokenSigner() error = %v", err)
	}

	store := memory.NewStore()
	registry := NewProviderRegistry(ProviderConfig{})
	for _, p := range providers {
		registry.Register(p)
	}

	env := &testEnv{
		store:     store,
		signer:    signer,
		hasher:    NewPasswordHasher(2, testHashParams, nil),
		providers: registry,
	}
	env.credentials = NewCredentialStore(store.Accounts(), env.hasher)
	env.issuer = NewSessionIssuer(signer, store.Sessions())
	env.verifier = NewTokenVerifier(signer, store.Sessions(), store.Accounts(), nil)
	env.resolver = NewLinkResolver(registry, store.Accounts(), store.Links(), env.issuer, nil)
	env.service = NewService(env.credentials, env.issuer, env.verifier, env.resolver, registry, nil)
	return env
}

func strPtr(s string) *string { return &s }

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if !model.IsCode(err, code) {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}
