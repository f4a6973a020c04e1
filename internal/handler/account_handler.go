package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/cfpman/internal/middleware"
	"github.com/hitoshi/cfpman/internal/model"
)

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	// Withdraw はアカウントの退会処理を実行する。
	// sessions、provider_linksを含めて一括削除する。
	Withdraw(ctx context.Context, accountID string) error
	// SetOrganizer は主催者フラグを変更する。
	SetOrganizer(ctx context.Context, accountID string, isOrganizer bool) (*model.Account, error)
}

// AccountHandler はアカウント管理のHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface) *AccountHandler {
	return &AccountHandler{
		service: service,
	}
}

// Withdraw はログイン中のアカウントの退会処理を実行する。
// DELETE /api/accounts/me
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Withdraw(r.Context(), account.ID); err != nil {
		middleware.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type setOrganizerRequest struct {
	IsOrganizer *bool `json:"is_organizer"`
}

// SetOrganizer は指定アカウントの主催者フラグを変更する。主催者のみ実行できる。
// PUT /api/accounts/{id}/organizer
func (h *AccountHandler) SetOrganizer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		middleware.WriteError(w, model.NewValidationError("Invalid account id"))
		return
	}

	var req setOrganizerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if req.IsOrganizer == nil {
		middleware.WriteError(w, model.NewValidationError("is_organizer is required"))
		return
	}

	account, err := h.service.SetOrganizer(r.Context(), id, *req.IsOrganizer)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}
