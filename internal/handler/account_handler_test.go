package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/cfpman/internal/middleware"
	"github.com/hitoshi/cfpman/internal/model"
)

type mockAccountService struct {
	withdrawFn     func(ctx context.Context, accountID string) error
	setOrganizerFn func(ctx context.Context, accountID string, isOrganizer bool) (*model.Account, error)
}

func (m *mockAccountService) Withdraw(ctx context.Context, accountID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, accountID)
	}
	return nil
}

func (m *mockAccountService) SetOrganizer(ctx context.Context, accountID string, isOrganizer bool) (*model.Account, error) {
	if m.setOrganizerFn != nil {
		return m.setOrganizerFn(ctx, accountID, isOrganizer)
	}
	return nil, model.NewAccountNotFoundError()
}

var _ AccountServiceInterface = (*mockAccountService)(nil)

func TestAccountHandler_Withdraw(t *testing.T) {
	var withdrawn string
	h := NewAccountHandler(&mockAccountService{
		withdrawFn: func(ctx context.Context, accountID string) error {
			withdrawn = accountID
			return nil
		},
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/accounts/me", nil)
	req = req.WithContext(middleware.ContextWithAccount(req.Context(), testAccount(), "tok"))
	w := httptest.NewRecorder()
	h.Withdraw(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if withdrawn != "acc-1" {
		t.Errorf("withdrawn = %q, want acc-1", withdrawn)
	}
}

func TestAccountHandler_Withdraw_NoAccount_Returns401(t *testing.T) {
	h := NewAccountHandler(&mockAccountService{})

	w := httptest.NewRecorder()
	h.Withdraw(w, httptest.NewRequest(http.MethodDelete, "/api/accounts/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

const (
	testAccountID    = "7d0f5a52-3c0e-4f55-9a53-1a4c2b8e9f01"
	missingAccountID = "00000000-0000-4000-8000-000000000000"
)

func TestAccountHandler_SetOrganizer(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		body       string
		wantStatus int
		wantFlag   bool
	}{
		{"昇格", testAccountID, `{"is_organizer":true}`, http.StatusOK, true},
		{"降格", testAccountID, `{"is_organizer":false}`, http.StatusOK, false},
		{"フラグなし", testAccountID, `{}`, http.StatusBadRequest, false},
		{"不正なJSON", testAccountID, `{`, http.StatusBadRequest, false},
		{"存在しないアカウント", missingAccountID, `{"is_organizer":true}`, http.StatusNotFound, false},
		{"UUIDでないID", "not-a-uuid", `{"is_organizer":true}`, http.StatusBadRequest, false},
		{"空のID", "", `{"is_organizer":true}`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAccountHandler(&mockAccountService{
				setOrganizerFn: func(ctx context.Context, accountID string, isOrganizer bool) (*model.Account, error) {
					if accountID == missingAccountID {
						return nil, model.NewAccountNotFoundError()
					}
					return &model.Account{ID: accountID, Email: "b@example.com", IsOrganizer: isOrganizer}, nil
				},
			})

			req := httptest.NewRequest(http.MethodPut, "/api/accounts/"+tt.id+"/organizer", strings.NewReader(tt.body))
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tt.id)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
			w := httptest.NewRecorder()
			h.SetOrganizer(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body=%s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusOK && !strings.Contains(w.Body.String(), `"is_organizer":`+boolString(tt.wantFlag)) {
				t.Errorf("body = %s, want is_organizer=%v", w.Body.String(), tt.wantFlag)
			}
		})
	}
}

// UUIDでないIDはサービスに渡さずVALIDATION_ERRORを返すこと
func TestAccountHandler_SetOrganizer_InvalidID_DoesNotCallService(t *testing.T) {
	h := NewAccountHandler(&mockAccountService{
		setOrganizerFn: func(ctx context.Context, accountID string, isOrganizer bool) (*model.Account, error) {
			t.Errorf("SetOrganizer called with %q", accountID)
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodPut, "/api/accounts/1%27/organizer", strings.NewReader(`{"is_organizer":true}`))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "1'")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()
	h.SetOrganizer(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeValidation {
		t.Errorf("code = %q, want VALIDATION_ERROR", body.Code)
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
