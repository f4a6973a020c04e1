package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/cfpman/internal/model"
	"github.com/hitoshi/cfpman/internal/repository"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 8

// 入力の最大長。accountsテーブルの列定義と一致させる。
const (
	MaxEmailLength    = 320
	MaxUsernameLength = 64
	MaxFullNameLength = 255
)

// RegisterInput はパスワード登録の入力。
type RegisterInput struct {
	Email    string
	Password string
	FullName string
	Username *string
	Bio      *string
}

// CredentialStore はパスワード認証とアカウントの一意性を扱う。
type CredentialStore struct {
	accounts repository.AccountRepository
	hasher   *PasswordHasher
	now      func() time.Time
}

// NewCredentialStore はCredentialStoreを生成する。
func NewCredentialStore(accounts repository.AccountRepository, hasher *PasswordHasher) *CredentialStore {
	return &CredentialStore{accounts: accounts, hasher: hasher, now: time.Now}
}

// Register は入力を検証し、パスワードをハッシュ化してアカウントを作成する。
// 事前の重複チェックをすり抜けた同時登録は一意制約違反としてCONFLICTになる。
func (c *CredentialStore) Register(ctx context.Context, in RegisterInput) (*model.Account, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	if in.Username != nil {
		u := strings.TrimSpace(*in.Username)
		if u == "" {
			in.Username = nil
		} else {
			in.Username = &u
		}
	}

	if err := validateRegisterInput(in); err != nil {
		return nil, err
	}

	existing, err := c.accounts.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailConflictError()
	}

	if in.Username != nil {
		existing, err := c.accounts.FindByUsername(ctx, *in.Username)
		if err != nil {
			return nil, fmt.Errorf("failed to check username: %w", err)
		}
		if existing != nil {
			return nil, model.NewUsernameConflictError()
		}
	}

	hash, err := c.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := c.now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: &hash,
		FullName:     in.FullName,
		Bio:          in.Bio,
		IsOrganizer:  false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.accounts.Create(ctx, account); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, model.NewEmailConflictError()
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, model.NewUsernameConflictError()
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account registered", slog.String("account_id", account.ID))
	return account, nil
}

// Login はメールアドレスとパスワードでアカウントを認証する。
// 未登録・パスワード未設定・不一致はすべて同じエラーを返す。
func (c *CredentialStore) Login(ctx context.Context, email, password string) (*model.Account, error) {
	account, err := c.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	if account == nil || !account.HasPassword() {
		if err := c.hasher.VerifyDummy(ctx, password); err != nil {
			return nil, err
		}
		return nil, model.NewInvalidCredentialsError()
	}

	ok, err := c.hasher.Verify(ctx, password, *account.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewInvalidCredentialsError()
	}

	return account, nil
}

func validateRegisterInput(in RegisterInput) error {
	if !looksLikeEmail(in.Email) {
		return model.NewValidationError("Invalid email address")
	}
	if utf8.RuneCountInString(in.Password) < MinPasswordLength {
		return model.NewValidationError(fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	if utf8.RuneCountInString(in.Email) > MaxEmailLength {
		return model.NewValidationError(fmt.Sprintf("Email must be at most %d characters", MaxEmailLength))
	}
	if in.FullName == "" {
		return model.NewValidationError("Full name is required")
	}
	if utf8.RuneCountInString(in.FullName) > MaxFullNameLength {
		return model.NewValidationError(fmt.Sprintf("Full name must be at most %d characters", MaxFullNameLength))
	}
	if in.Username != nil && utf8.RuneCountInString(*in.Username) > MaxUsernameLength {
		return model.NewValidationError(fmt.Sprintf("Username must be at most %d characters", MaxUsernameLength))
	}
	return nil
}

// looksLikeEmail はローカル部、@、ドメイン部を持つかだけを確認する。
func looksLikeEmail(email string) bool {
	if strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	domain := email[at+1:]
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}
	return true
}
