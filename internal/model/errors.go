// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeUpstream     = "UPSTREAM_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
)

// IsCode はerrがAPIErrorであり、かつ指定コードを持つかどうかを返す。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewValidationError は入力値不正エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewEmailConflictError はメールアドレス重複エラーを生成する。
func NewEmailConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "User with this email already exists",
		Category: "validation",
		Action:   "別のメールアドレスを使用するか、ログインしてください。",
	}
}

// NewUnverifiedEmailError は未確認のメールアドレスで既存アカウントに紐付けようとした場合のエラーを生成する。
func NewUnverifiedEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "An account with this email already exists and the provider has not verified the address",
		Category: "auth",
		Action:   "メールアドレスでログインするか、プロバイダー側でアドレスを確認してください。",
	}
}

// NewUsernameConflictError はユーザー名重複エラーを生成する。
func NewUsernameConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "Username already taken",
		Category: "validation",
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
// 未登録のメールアドレスとパスワード誤りを区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Invalid email or password",
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認してください。",
	}
}

// NewUnauthorizedError はトークン不正・失効エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Invalid or expired token",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "Organizer access required",
		Category: "auth",
		Action:   "主催者権限を持つアカウントでログインしてください。",
	}
}

// NewUpstreamError は外部IdPとの通信失敗エラーを生成する。
// 外部IdPのレスポンス本文は含めない。
func NewUpstreamError(provider ProviderKind) *APIError {
	return &APIError{
		Code:     ErrCodeUpstream,
		Message:  fmt.Sprintf("Authentication with %s failed", provider),
		Category: "upstream",
		Action:   "しばらく待ってから再度ログインをお試しください。",
	}
}

// NewProviderNotFoundError は未対応または無効なプロバイダーのエラーを生成する。
func NewProviderNotFoundError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("Unknown OAuth provider: %s", provider),
		Category: "auth",
		Action:   "利用可能なログイン方法を選択してください。",
	}
}

// NewAccountNotFoundError はアカウントが見つからない場合のエラーを生成する。
func NewAccountNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "Account not found",
		Category: "auth",
		Action:   "アカウントIDを確認してください。",
	}
}
