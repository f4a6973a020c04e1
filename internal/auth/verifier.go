package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/cfpman/internal/metrics"
	"github.com/hitoshi/cfpman/internal/model"
	"github.com/hitoshi/cfpman/internal/repository"
)

// TokenVerifier は提示されたトークンを署名・有効期限・セッション行の3段階で検証する。
type TokenVerifier struct {
	signer   *TokenSigner
	sessions repository.SessionRepository
	accounts repository.AccountRepository
	metrics  metrics.MetricsCollector
}

// NewTokenVerifier はTokenVerifierを生成する。
func NewTokenVerifier(
	signer *TokenSigner,
	sessions repository.SessionRepository,
	accounts repository.AccountRepository,
	mc metrics.MetricsCollector,
) *TokenVerifier {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &TokenVerifier{signer: signer, sessions: sessions, accounts: accounts, metrics: mc}
}

// Verify はトークンを検証し、現在のアカウントを返す。
// 主催者フラグはクレームではなくアカウント行から読む。
// 失効・期限切れ・アカウント消失はすべてUNAUTHORIZEDとして扱う。
func (v *TokenVerifier) Verify(ctx context.Context, token string) (*model.Account, error) {
	account, err := v.verify(ctx, token)
	v.metrics.RecordTokenVerification(metrics.Outcome(err))
	return account, err
}

func (v *TokenVerifier) verify(ctx context.Context, token string) (*model.Account, error) {
	// 1. 署名とexp
	claims, err := v.signer.Parse(token)
	if err != nil {
		slog.Debug("token rejected", slog.String("reason", err.Error()))
		return nil, model.NewUnauthorizedError()
	}

	// 2. セッション行（ログアウトで削除済みなら無効）
	session, err := v.sessions.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthorizedError()
	}

	// 3. アカウント
	account, err := v.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil || account.ID != session.AccountID {
		return nil, model.NewUnauthorizedError()
	}

	return account, nil
}

// RequireCapability は検証済みアカウントが主催者権限を持つかを判定する。
// 追加の参照は行わない。
func RequireCapability(account *model.Account) error {
	if account == nil {
		return model.NewUnauthorizedError()
	}
	if !account.IsOrganizer {
		return model.NewForbiddenError()
	}
	return nil
}
