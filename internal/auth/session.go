package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/cfpman/internal/model"
	"github.com/hitoshi/cfpman/internal/repository"
)

// IssuedToken は発行済みのBearerトークン。
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// SessionIssuer は署名済みトークンと失効用のセッション行を発行する。
type SessionIssuer struct {
	signer   *TokenSigner
	sessions repository.SessionRepository
	now      func() time.Time
}

// NewSessionIssuer はSessionIssuerを生成する。
func NewSessionIssuer(signer *TokenSigner, sessions repository.SessionRepository) *SessionIssuer {
	return &SessionIssuer{signer: signer, sessions: sessions, now: time.Now}
}

// Issue はトークンに署名し、同じ有効期限のセッション行を作成する。
// セッション行の作成に失敗した場合、トークンは破棄され呼び出し元には返らない。
// 同一アカウントに複数の有効なセッションが存在してよい。
func (s *SessionIssuer) Issue(ctx context.Context, account *model.Account) (*IssuedToken, error) {
	if account == nil || account.ID == "" {
		return nil, errors.New("cannot issue token without account")
	}

	token, expiresAt, err := s.signer.Sign(account)
	if err != nil {
		return nil, err
	}

	session := &model.Session{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		TokenHash: HashToken(token),
		ExpiresAt: expiresAt,
		CreatedAt: s.now(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	slog.Info("session issued",
		slog.String("account_id", account.ID),
		slog.String("session_id", session.ID),
	)

	return &IssuedToken{Token: token, ExpiresAt: expiresAt}, nil
}

// Revoke はトークンに対応するセッション行を削除する。
// 未知のトークンでもエラーにしない。
func (s *SessionIssuer) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.sessions.DeleteByTokenHash(ctx, HashToken(token)); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAll はアカウントの全セッションを削除する。
func (s *SessionIssuer) RevokeAll(ctx context.Context, accountID string) error {
	if err := s.sessions.DeleteByAccountID(ctx, accountID); err != nil {
		return fmt.Errorf("failed to revoke all sessions: %w", err)
	}
	slog.Info("all sessions revoked", slog.String("account_id", accountID))
	return nil
}
