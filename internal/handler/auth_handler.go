// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/cfpman/internal/auth"
	"github.com/hitoshi/cfpman/internal/middleware"
	"github.com/hitoshi/cfpman/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.IssuedToken, *model.Account, error)
	Login(ctx context.Context, email, password string) (*auth.IssuedToken, *model.Account, error)
	Providers() []model.ProviderKind
	ProviderEnabled(kind model.ProviderKind) bool
	LinkedProviders(ctx context.Context, accountID string) ([]model.ProviderKind, error)
	OAuthLoginURL(kind model.ProviderKind, state string) (string, error)
	OAuthCallback(ctx context.Context, kind model.ProviderKind, code string) (*auth.IssuedToken, *model.Account, error)
	Logout(ctx context.Context, token string) error
	LogoutAll(ctx context.Context, accountID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendURL  string // OAuth完了後のリダイレクト先
	CookieSecure bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	config.FrontendURL = strings.TrimRight(config.FrontendURL, "/")
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type registerRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName string  `json:"full_name"`
	Username *string `json:"username"`
	Bio      *string `json:"bio"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register はパスワードでアカウントを登録し、トークンを返す。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	token, account, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Username: req.Username,
		Bio:      req.Bio,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TokenResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
		User:      toAccountResponse(account),
	})
}

// Login はメールアドレスとパスワードで認証し、トークンを返す。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	token, account, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
		User:      toAccountResponse(account),
	})
}

// Providers は有効なOAuthプロバイダーの一覧を返す。
// GET /api/auth/providers
func (h *AuthHandler) Providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": providerNames(h.service.Providers())})
}

// OAuthStart はOAuthフローを開始する。
// GET /api/auth/{provider}
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.enabledProvider(r)
	if !ok {
		middleware.WriteError(w, model.NewProviderNotFoundError(chi.URLParam(r, "provider")))
		return
	}

	state, err := generateState()
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	loginURL, err := h.service.OAuthLoginURL(kind, state)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// OAuthCallback はOAuthコールバックを処理し、フロントエンドにトークンを渡す。
// GET /api/auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	// 無効なプロバイダーはstateの検証より先に404を返す
	kind, ok := h.enabledProvider(r)
	if !ok {
		middleware.WriteError(w, model.NewProviderNotFoundError(chi.URLParam(r, "provider")))
		return
	}

	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch",
			slog.String("provider", string(kind)),
		)
		middleware.WriteError(w, model.NewValidationError("Invalid state parameter"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// IdP側でユーザーが拒否した場合
	if idpErr := r.URL.Query().Get("error"); idpErr != "" {
		slog.Info("oauth authorization denied",
			slog.String("provider", string(kind)),
			slog.String("idp_error", idpErr),
		)
		h.redirectLoginError(w, r, model.ErrCodeUnauthorized)
		return
	}

	// 2. 認証処理
	token, _, err := h.service.OAuthCallback(r.Context(), kind, r.URL.Query().Get("code"))
	if err != nil {
		code := errorCodeOf(err)
		if code == middleware.ErrorCodeInternal {
			slog.Error("oauth callback failed",
				slog.String("provider", string(kind)),
				slog.String("error", err.Error()),
			)
		}
		h.redirectLoginError(w, r, code)
		return
	}

	// 3. フロントエンドにリダイレクト
	target := h.config.FrontendURL + "/auth/callback?token=" + url.QueryEscape(token.Token)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// enabledProvider はURLの{provider}が対応済みかつ設定済みの場合にその種別を返す。
func (h *AuthHandler) enabledProvider(r *http.Request) (model.ProviderKind, bool) {
	kind, ok := model.ParseProviderKind(chi.URLParam(r, "provider"))
	if !ok || !h.service.ProviderEnabled(kind) {
		return "", false
	}
	return kind, true
}

func (h *AuthHandler) redirectLoginError(w http.ResponseWriter, r *http.Request, code string) {
	target := h.config.FrontendURL + "/login?error=" + url.QueryEscape(code)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// Me は現在のログインアカウント情報と紐付け済みプロバイダーを返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}

	kinds, err := h.service.LinkedProviders(r.Context(), account.ID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MeResponse{
		AccountResponse: toAccountResponse(account),
		Providers:       providerNames(kinds),
	})
}

// Logout は提示されたトークンのセッションを失効させる。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), middleware.TokenFromContext(r.Context())); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll はアカウントの全セッションを失効させる。
// POST /api/auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}
	if err := h.service.LogoutAll(r.Context(), account.ID); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorCodeOf はエラーのAPIエラーコードを返す。APIError以外はINTERNAL_ERROR。
func errorCodeOf(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return middleware.ErrorCodeInternal
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
