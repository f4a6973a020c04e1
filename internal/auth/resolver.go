package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/cfpman/internal/metrics"
	"github.com/hitoshi/cfpman/internal/model"
	"github.com/hitoshi/cfpman/internal/repository"
)

// LinkResolver はOAuthコールバックを処理し、外部アイデンティティをアカウントに解決する。
//
// 状態遷移: AwaitingCode → TokenExchanged → ProfileFetched → Resolved → SessionIssued。
// 手順1〜3のいずれかが失敗した場合はフロー全体を中断し、部分的な状態は残さない。
type LinkResolver struct {
	providers *ProviderRegistry
	accounts  repository.AccountRepository
	links     repository.ProviderLinkRepository
	issuer    *SessionIssuer
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewLinkResolver はLinkResolverを生成する。
func NewLinkResolver(
	providers *ProviderRegistry,
	accounts repository.AccountRepository,
	links repository.ProviderLinkRepository,
	issuer *SessionIssuer,
	mc metrics.MetricsCollector,
) *LinkResolver {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &LinkResolver{
		providers: providers,
		accounts:  accounts,
		links:     links,
		issuer:    issuer,
		metrics:   mc,
		now:       time.Now,
	}
}

// LoginURL は指定プロバイダーの認可URLを返す。
func (r *LinkResolver) LoginURL(kind model.ProviderKind, state string) (string, error) {
	p, ok := r.providers.Get(kind)
	if !ok {
		return "", model.NewProviderNotFoundError(string(kind))
	}
	return p.GetLoginURL(state), nil
}

// LinkedProviders はアカウントに紐付いたプロバイダー種別を紐付けた順に返す。
func (r *LinkResolver) LinkedProviders(ctx context.Context, accountID string) ([]model.ProviderKind, error) {
	links, err := r.links.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider links: %w", err)
	}
	kinds := make([]model.ProviderKind, 0, len(links))
	for _, l := range links {
		kinds = append(kinds, l.Provider)
	}
	return kinds, nil
}

// HandleCallback は認可コードを交換し、アカウントを解決してセッションを発行する。
func (r *LinkResolver) HandleCallback(ctx context.Context, kind model.ProviderKind, code string) (*IssuedToken, *model.Account, error) {
	token, account, err := r.handleCallback(ctx, kind, code)
	r.metrics.RecordOAuthCallback(string(kind), metrics.Outcome(err))
	return token, account, err
}

func (r *LinkResolver) handleCallback(ctx context.Context, kind model.ProviderKind, code string) (*IssuedToken, *model.Account, error) {
	p, ok := r.providers.Get(kind)
	if !ok {
		return nil, nil, model.NewProviderNotFoundError(string(kind))
	}
	if code == "" {
		return nil, nil, model.NewValidationError("Missing authorization code")
	}

	// 1〜2. トークン交換とプロフィール取得
	info, err := p.ExchangeCode(ctx, code)
	if err != nil {
		slog.Warn("oauth exchange failed",
			slog.String("provider", string(kind)),
			slog.String("error", err.Error()),
		)
		return nil, nil, model.NewUpstreamError(kind)
	}
	if info.ProviderUserID == "" || info.Email == "" {
		slog.Warn("oauth profile incomplete",
			slog.String("provider", string(kind)),
			slog.Bool("has_subject", info.ProviderUserID != ""),
			slog.Bool("has_email", info.Email != ""),
		)
		return nil, nil, model.NewUpstreamError(kind)
	}
	if utf8.RuneCountInString(info.ProviderUserID) > maxProviderUserIDLength || utf8.RuneCountInString(info.Email) > MaxEmailLength {
		slog.Warn("oauth profile exceeds column limits",
			slog.String("provider", string(kind)),
			slog.Int("subject_length", utf8.RuneCountInString(info.ProviderUserID)),
			slog.Int("email_length", utf8.RuneCountInString(info.Email)),
		)
		return nil, nil, model.NewUpstreamError(kind)
	}
	info.Name = truncateRunes(info.Name, MaxFullNameLength)

	// 3. アカウント解決
	account, err := r.Resolve(ctx, info)
	if err != nil {
		return nil, nil, err
	}

	// 4. セッション発行
	token, err := r.issuer.Issue(ctx, account)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue session: %w", err)
	}

	return token, account, nil
}

// Resolve は外部プロフィールをアカウントに解決する。優先順位は次の通り。
//
//	a. (provider, subject) の紐付けが存在すれば、そのアカウント（メールアドレスは見ない）
//	b. 同じメールアドレスのアカウントが存在すれば、紐付けを追加する
//	c. いずれもなければ、パスワードなしのアカウントと紐付けを同一トランザクションで作成する
//
// 同じ外部アイデンティティの初回ログインが同時に走り一意制約違反になった場合は、
// 相手が作成した行を使うために一度だけ解決をやり直す。
func (r *LinkResolver) Resolve(ctx context.Context, info *OAuthUserInfo) (*model.Account, error) {
	account, err := r.resolveOnce(ctx, info)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrDuplicateProviderLink) && !errors.Is(err, repository.ErrDuplicateEmail) {
		return nil, err
	}

	slog.Info("concurrent oauth resolution detected, retrying",
		slog.String("provider", string(info.Provider)),
	)
	account, err = r.resolveOnce(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve after retry: %w", err)
	}
	return account, nil
}

// maxProviderUserIDLength はprovider_links.provider_user_idの列長。
const maxProviderUserIDLength = 255

// truncateRunes はsを最大n文字に切り詰める。
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (r *LinkResolver) resolveOnce(ctx context.Context, info *OAuthUserInfo) (*model.Account, error) {
	// a. 既存の紐付け
	link, err := r.links.FindByProvider(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find provider link: %w", err)
	}
	if link != nil {
		account, err := r.accounts.FindByID(ctx, link.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load linked account: %w", err)
		}
		if account == nil {
			return nil, fmt.Errorf("linked account %s not found", link.AccountID)
		}
		slog.Info("existing account logged in",
			slog.String("account_id", account.ID),
			slog.String("provider", string(info.Provider)),
		)
		return account, nil
	}

	now := r.now()
	newLink := &model.ProviderLink{
		ID:             uuid.New().String(),
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		RawProfile:     info.RawProfile,
		CreatedAt:      now,
	}

	// b. 同じメールアドレスのアカウントに紐付け
	account, err := r.accounts.FindByEmail(ctx, info.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	if account != nil {
		// 未確認のアドレスでは既存アカウントを引き継がせない
		if info.EmailVerified != nil && !*info.EmailVerified {
			slog.Warn("refusing to link unverified email",
				slog.String("account_id", account.ID),
				slog.String("provider", string(info.Provider)),
			)
			return nil, model.NewUnverifiedEmailError()
		}
		newLink.AccountID = account.ID
		if err := r.links.Create(ctx, newLink); err != nil {
			return nil, fmt.Errorf("failed to link account: %w", err)
		}
		slog.Info("provider linked to existing account",
			slog.String("account_id", account.ID),
			slog.String("provider", string(info.Provider)),
		)
		return account, nil
	}

	// c. 新規アカウントと紐付けを作成
	account = &model.Account{
		ID:          uuid.New().String(),
		Email:       info.Email,
		FullName:    info.Name,
		IsOrganizer: false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	newLink.AccountID = account.ID

	if err := r.accounts.CreateWithLink(ctx, account, newLink); err != nil {
		return nil, fmt.Errorf("failed to create account with link: %w", err)
	}

	slog.Info("account created via oauth",
		slog.String("account_id", account.ID),
		slog.String("provider", string(info.Provider)),
	)
	return account, nil
}
