// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// Account はローカルのユーザーアカウントを表す。
// 認証方式（パスワード / OAuth）とは独立したアイデンティティ。
type Account struct {
	ID           string
	Email        string
	Username     *string
	PasswordHash *string // OAuthのみのアカウントではnil
	FullName     string
	Bio          *string
	IsOrganizer  bool // 主催者権限（昇格権限）フラグ
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はパスワードログインが可能なアカウントかどうかを返す。
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// ProviderKind はOAuthプロバイダーの種別を表す。
type ProviderKind string

// 対応しているOAuthプロバイダー。この集合は閉じている。
const (
	ProviderGoogle   ProviderKind = "google"
	ProviderGitHub   ProviderKind = "github"
	ProviderFacebook ProviderKind = "facebook"
	ProviderLinkedIn ProviderKind = "linkedin"
)

// AllProviderKinds は対応している全プロバイダー種別を返す。
func AllProviderKinds() []ProviderKind {
	return []ProviderKind{ProviderGoogle, ProviderGitHub, ProviderFacebook, ProviderLinkedIn}
}

// ParseProviderKind は文字列をProviderKindに変換する。
// 未対応の値の場合はfalseを返す。
func ParseProviderKind(s string) (ProviderKind, bool) {
	for _, k := range AllProviderKinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// ProviderLink は外部IdPのアイデンティティとアカウントの紐付けを表す。
// (Provider, ProviderUserID) の組はシステム全体で一意。
type ProviderLink struct {
	ID             string
	AccountID      string
	Provider       ProviderKind
	ProviderUserID string
	RawProfile     json.RawMessage
	CreatedAt      time.Time
}

// Session は発行済みトークンを失効可能にするための永続レコード。
// トークン本体は保存せず、SHA-256ハッシュのみを保持する。
type Session struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}
