package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/cfpman/internal/model"
	"golang.org/x/oauth2"
)

// maxProfileBytes はプロフィール応答として読み込む最大バイト数。
const maxProfileBytes = 1 << 20

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	Provider       model.ProviderKind
	ProviderUserID string
	Email          string
	Name           string
	// EmailVerified はプロバイダーが確認状態を返さない場合nil。
	EmailVerified *bool
	RawProfile    json.RawMessage
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Kind はプロバイダー種別を返す。
	Kind() model.ProviderKind
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ProfileFields はプロフィールJSONのどのキーを使うかを表す。
type ProfileFields struct {
	Subject string
	Email   string
	Name    string
	// AltName はNameが空のときに使うキー（GitHubのloginなど）。
	AltName string
	// EmailVerified はメールアドレスの確認状態を表すキー。空なら確認状態を読まない。
	EmailVerified string
}

// ProviderSpec はプロバイダーごとに異なるエンドポイントとフィールド対応だけを記述する。
// 解決アルゴリズムはすべてのプロバイダーで共通。
type ProviderSpec struct {
	Kind       model.ProviderKind
	AuthURL    string
	TokenURL   string
	ProfileURL string
	Scopes     []string
	Fields     ProfileFields
	// EmailURL はプロフィールにメールアドレスが含まれない場合の取得先。
	EmailURL  string
	AuthStyle oauth2.AuthStyle
}

// DefaultProviderSpecs は対応プロバイダーの既定のエンドポイント。
var DefaultProviderSpecs = map[model.ProviderKind]ProviderSpec{
	model.ProviderGoogle: {
		Kind:       model.ProviderGoogle,
		AuthURL:    "https://accounts.google.com/o/oauth2/auth",
		TokenURL:   "https://oauth2.googleapis.com/token",
		ProfileURL: "https://www.googleapis.com/oauth2/v3/userinfo",
		Scopes:     []string{"openid", "email", "profile"},
		Fields:     ProfileFields{Subject: "sub", Email: "email", Name: "name", EmailVerified: "email_verified"},
		AuthStyle:  oauth2.AuthStyleInParams,
	},
	model.ProviderGitHub: {
		Kind:       model.ProviderGitHub,
		AuthURL:    "https://github.com/login/oauth/authorize",
		TokenURL:   "https://github.com/login/oauth/access_token",
		ProfileURL: "https://api.github.com/user",
		Scopes:     []string{"read:user", "user:email"},
		Fields:     ProfileFields{Subject: "id", Email: "email", Name: "name", AltName: "login"},
		EmailURL:   "https://api.github.com/user/emails",
		AuthStyle:  oauth2.AuthStyleInParams,
	},
	model.ProviderFacebook: {
		Kind:       model.ProviderFacebook,
		AuthURL:    "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL:   "https://graph.facebook.com/v19.0/oauth/access_token",
		ProfileURL: "https://graph.facebook.com/me?fields=id,name,email",
		Scopes:     []string{"email", "public_profile"},
		Fields:     ProfileFields{Subject: "id", Email: "email", Name: "name"},
		AuthStyle:  oauth2.AuthStyleInParams,
	},
	model.ProviderLinkedIn: {
		Kind:       model.ProviderLinkedIn,
		AuthURL:    "https://www.linkedin.com/oauth/v2/authorization",
		TokenURL:   "https://www.linkedin.com/oauth/v2/accessToken",
		ProfileURL: "https://api.linkedin.com/v2/userinfo",
		Scopes:     []string{"openid", "profile", "email"},
		Fields:     ProfileFields{Subject: "sub", Email: "email", Name: "name", EmailVerified: "email_verified"},
		AuthStyle:  oauth2.AuthStyleInParams,
	},
}

// ProviderCredentials はプロバイダーごとのクライアント資格情報。
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled はクライアントIDとシークレットが両方設定されているかを返す。
func (c ProviderCredentials) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// ProviderConfig はプロバイダーレジストリの設定。
type ProviderConfig struct {
	Credentials map[model.ProviderKind]ProviderCredentials
	// Specs は既定のエンドポイントを上書きする（テスト用）。
	Specs       map[model.ProviderKind]ProviderSpec
	HTTPTimeout time.Duration
}

// GenericOAuthProvider はProviderSpecで記述された任意のプロバイダーを扱う。
type GenericOAuthProvider struct {
	spec       ProviderSpec
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewGenericOAuthProvider はGenericOAuthProviderを生成する。
func NewGenericOAuthProvider(spec ProviderSpec, creds ProviderCredentials, httpClient *http.Client) *GenericOAuthProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GenericOAuthProvider{
		spec: spec,
		oauth: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Scopes:       spec.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   spec.AuthURL,
				TokenURL:  spec.TokenURL,
				AuthStyle: spec.AuthStyle,
			},
		},
		httpClient: httpClient,
	}
}

// Kind はプロバイダー種別を返す。
func (p *GenericOAuthProvider) Kind() model.ProviderKind {
	return p.spec.Kind
}

// GetLoginURL はプロバイダーの認可URLを生成する。
func (p *GenericOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// ExchangeCode は認可コードをアクセストークンに交換し、プロフィールを取得する。
// 自動リトライはしない。
func (p *GenericOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	// 1. 認可コードをアクセストークンに交換
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			// 応答本文にはプロバイダーの内部情報が含まれうるため、ステータスだけを残す
			return nil, fmt.Errorf("token exchange failed with status %d", re.Response.StatusCode)
		}
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	client := p.oauth.Client(ctx, tok)

	// 2. アクセストークンでプロフィールを取得
	raw, err := fetchJSON(ctx, client, p.spec.ProfileURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	var profile map[string]any
	if err := decodeJSON(raw, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	info := &OAuthUserInfo{
		Provider:       p.spec.Kind,
		ProviderUserID: stringField(profile, p.spec.Fields.Subject),
		Email:          stringField(profile, p.spec.Fields.Email),
		Name:           stringField(profile, p.spec.Fields.Name),
		EmailVerified:  boolField(profile, p.spec.Fields.EmailVerified),
		RawProfile:     raw,
	}
	if info.Name == "" && p.spec.Fields.AltName != "" {
		info.Name = stringField(profile, p.spec.Fields.AltName)
	}

	// 3. プロフィールにメールアドレスがなければ専用エンドポイントから取得
	if info.Email == "" && p.spec.EmailURL != "" {
		email, err := p.fetchPrimaryEmail(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch email: %w", err)
		}
		info.Email = email
	}

	return info, nil
}

type providerEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// fetchPrimaryEmail は確認済みのプライマリアドレスを返す。
// プライマリがない場合は最初の確認済みアドレスを使う。
func (p *GenericOAuthProvider) fetchPrimaryEmail(ctx context.Context, client *http.Client) (string, error) {
	raw, err := fetchJSON(ctx, client, p.spec.EmailURL)
	if err != nil {
		return "", err
	}

	var emails []providerEmail
	if err := json.Unmarshal(raw, &emails); err != nil {
		return "", fmt.Errorf("failed to parse email list: %w", err)
	}

	fallback := ""
	for _, e := range emails {
		if !e.Verified {
			continue
		}
		if e.Primary {
			return e.Email, nil
		}
		if fallback == "" {
			fallback = e.Email
		}
	}
	return fallback, nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return body, nil
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// stringField は文字列または数値のフィールドを文字列として取り出す。
func stringField(m map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// boolField は真偽値または"true"/"false"のフィールドを返す。キーがなければnil。
func boolField(m map[string]any, key string) *bool {
	if key == "" {
		return nil
	}
	var b bool
	switch v := m[key].(type) {
	case bool:
		b = v
	case string:
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil
		}
		b = parsed
	default:
		return nil
	}
	return &b
}

// ProviderRegistry は有効なプロバイダーを保持する。起動後は読み取り専用。
type ProviderRegistry struct {
	providers map[model.ProviderKind]OAuthProvider
	order     []model.ProviderKind
}

// NewProviderRegistry は資格情報が揃っているプロバイダーだけを登録する。
func NewProviderRegistry(cfg ProviderConfig) *ProviderRegistry {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	r := &ProviderRegistry{providers: make(map[model.ProviderKind]OAuthProvider)}
	for _, kind := range model.AllProviderKinds() {
		creds, ok := cfg.Credentials[kind]
		if !ok || !creds.Enabled() {
			continue
		}
		spec, ok := cfg.Specs[kind]
		if !ok {
			spec = DefaultProviderSpecs[kind]
		}
		r.Register(NewGenericOAuthProvider(spec, creds, httpClient))
	}
	return r
}

// Register はプロバイダーを登録する。同じ種別は上書きする。
func (r *ProviderRegistry) Register(p OAuthProvider) {
	if _, exists := r.providers[p.Kind()]; !exists {
		r.order = append(r.order, p.Kind())
	}
	r.providers[p.Kind()] = p
}

// Get は有効なプロバイダーを返す。
func (r *ProviderRegistry) Get(kind model.ProviderKind) (OAuthProvider, bool) {
	p, ok := r.providers[kind]
	return p, ok
}

// Enabled は有効なプロバイダー種別を登録順に返す。
func (r *ProviderRegistry) Enabled() []model.ProviderKind {
	out := make([]model.ProviderKind, len(r.order))
	copy(out, r.order)
	return out
}

// compile-time interface check
var _ OAuthProvider = (*GenericOAuthProvider)(nil)
