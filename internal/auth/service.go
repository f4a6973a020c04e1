// Package auth はパスワード認証、トークン発行・検証、OAuthアカウント解決を提供する。
package auth

import (
	"context"

	"github.com/hitoshi/cfpman/internal/metrics"
	"github.com/hitoshi/cfpman/internal/model"
)

// Service は認証の各コンポーネントをHTTP層向けにまとめる。
type Service struct {
	credentials *CredentialStore
	issuer      *SessionIssuer
	verifier    *TokenVerifier
	resolver    *LinkResolver
	providers   *ProviderRegistry
	metrics     metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(
	credentials *CredentialStore,
	issuer *SessionIssuer,
	verifier *TokenVerifier,
	resolver *LinkResolver,
	providers *ProviderRegistry,
	mc metrics.MetricsCollector,
) *Service {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &Service{
		credentials: credentials,
		issuer:      issuer,
		verifier:    verifier,
		resolver:    resolver,
		providers:   providers,
		metrics:     mc,
	}
}

// Register はアカウントを作成し、そのままセッションを発行する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*IssuedToken, *model.Account, error) {
	account, err := s.credentials.Register(ctx, in)
	s.metrics.RecordRegistration(metrics.Outcome(err))
	if err != nil {
		return nil, nil, err
	}

	token, err := s.issuer.Issue(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return token, account, nil
}

// Login はパスワードで認証し、セッションを発行する。
func (s *Service) Login(ctx context.Context, email, password string) (*IssuedToken, *model.Account, error) {
	account, err := s.credentials.Login(ctx, email, password)
	s.metrics.RecordLogin("password", metrics.Outcome(err))
	if err != nil {
		return nil, nil, err
	}

	token, err := s.issuer.Issue(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return token, account, nil
}

// Verify はBearerトークンを検証する。
func (s *Service) Verify(ctx context.Context, token string) (*model.Account, error) {
	return s.verifier.Verify(ctx, token)
}

// Logout は提示されたトークンのセッションを失効させる。
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.issuer.Revoke(ctx, token)
}

// LogoutAll はアカウントの全セッションを失効させる。
func (s *Service) LogoutAll(ctx context.Context, accountID string) error {
	return s.issuer.RevokeAll(ctx, accountID)
}

// Providers は有効なOAuthプロバイダーを返す。
func (s *Service) Providers() []model.ProviderKind {
	return s.providers.Enabled()
}

// ProviderEnabled はプロバイダーが設定済みかを返す。
func (s *Service) ProviderEnabled(kind model.ProviderKind) bool {
	_, ok := s.providers.Get(kind)
	return ok
}

// LinkedProviders はアカウントに紐付いたプロバイダーを返す。
func (s *Service) LinkedProviders(ctx context.Context, accountID string) ([]model.ProviderKind, error) {
	return s.resolver.LinkedProviders(ctx, accountID)
}

// OAuthLoginURL はプロバイダーの認可URLを返す。
func (s *Service) OAuthLoginURL(kind model.ProviderKind, state string) (string, error) {
	return s.resolver.LoginURL(kind, state)
}

// OAuthCallback はOAuthコールバックを処理し、セッションを発行する。
func (s *Service) OAuthCallback(ctx context.Context, kind model.ProviderKind, code string) (*IssuedToken, *model.Account, error) {
	token, account, err := s.resolver.HandleCallback(ctx, kind, code)
	s.metrics.RecordLogin(string(kind), metrics.Outcome(err))
	return token, account, err
}
