// Package account はアカウント管理のドメインロジックを提供する。
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/cfpman/internal/model"
	"github.com/hitoshi/cfpman/internal/repository"
)

// Service はアカウント管理のサービス層。
// 退会処理と主催者フラグの変更を提供する。
type Service struct {
	accountRepo repository.AccountRepository
	sessionRepo repository.SessionRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(accountRepo repository.AccountRepository, sessionRepo repository.SessionRepository) *Service {
	return &Service{
		accountRepo: accountRepo,
		sessionRepo: sessionRepo,
	}
}

// Withdraw はアカウントの退会処理を実行する。
// 削除順序: sessions → account（+ CASCADE: provider_links）
func (s *Service) Withdraw(ctx context.Context, accountID string) error {
	account, err := s.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return model.NewAccountNotFoundError()
	}

	slog.Info("account withdrawal started",
		slog.String("account_id", accountID),
	)

	// 1. セッションを削除（以降このアカウントのトークンは検証に失敗する）
	if err := s.sessionRepo.DeleteByAccountID(ctx, accountID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}

	// 2. アカウントを削除（provider_linksはCASCADE削除）
	if err := s.accountRepo.DeleteByID(ctx, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewAccountNotFoundError()
		}
		return fmt.Errorf("failed to delete account: %w", err)
	}

	slog.Info("account withdrawal completed",
		slog.String("account_id", accountID),
	)

	return nil
}

// SetOrganizer は主催者フラグを変更し、更新後のアカウントを返す。
// 変更は同じトークンの次回検証から反映される。
func (s *Service) SetOrganizer(ctx context.Context, accountID string, isOrganizer bool) (*model.Account, error) {
	if err := s.accountRepo.UpdateOrganizer(ctx, accountID, isOrganizer); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewAccountNotFoundError()
		}
		return nil, fmt.Errorf("failed to update organizer flag: %w", err)
	}

	account, err := s.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}

	slog.Info("organizer flag changed",
		slog.String("account_id", accountID),
		slog.Bool("is_organizer", isOrganizer),
	)
	return account, nil
}

// SetOrganizerByEmail はメールアドレスで対象を特定して主催者フラグを変更する。
// 管理用CLIから使用する。
func (s *Service) SetOrganizerByEmail(ctx context.Context, email string, isOrganizer bool) (*model.Account, error) {
	account, err := s.accountRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}
	return s.SetOrganizer(ctx, account.ID, isOrganizer)
}
