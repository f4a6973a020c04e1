package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/cfpman/internal/model"
)

// MinSecretLength はHS256署名鍵の最小バイト長。
const MinSecretLength = 32

// TokenConfig はトークン署名の設定。起動時に一度だけ組み立てる。
type TokenConfig struct {
	Secret []byte
	Expiry time.Duration
	Issuer string
}

// Claims はBearerトークンに埋め込むクレーム。永続化はしない。
type Claims struct {
	Email       string `json:"email"`
	IsOrganizer bool   `json:"is_organizer"`
	jwt.RegisteredClaims
}

// TokenSigner はHS256でクレームの署名と検証を行う。
type TokenSigner struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenSigner はTokenSignerを生成する。
func NewTokenSigner(cfg TokenConfig) (*TokenSigner, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.Expiry <= 0 {
		return nil, fmt.Errorf("token expiry must be positive")
	}
	return &TokenSigner{cfg: cfg, now: time.Now}, nil
}

// Sign はアカウントからクレームを組み立てて署名し、トークンと有効期限を返す。
// jtiを毎回生成するため、同一秒内の発行でもトークンは重複しない。
func (s *TokenSigner) Sign(account *model.Account) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.Expiry).Truncate(time.Second)

	claims := Claims{
		Email:       account.Email,
		IsOrganizer: account.IsOrganizer,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   account.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Parse は署名とexpを検証してクレームを返す。HS256以外のalgは拒否する。
func (s *TokenSigner) Parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// HashToken はセッション行の照合に使うトークンのSHA-256（16進）を返す。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
