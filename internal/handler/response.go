package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/cfpman/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// AccountResponse はアカウント情報のレスポンス形式。
// パスワードハッシュは含めない。
type AccountResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    *string   `json:"username"`
	FullName    string    `json:"full_name"`
	Bio         *string   `json:"bio"`
	IsOrganizer bool      `json:"is_organizer"`
	CreatedAt   time.Time `json:"created_at"`
}

// MeResponse は/api/auth/meのレスポンス形式。
type MeResponse struct {
	AccountResponse
	Providers []string `json:"providers"`
}

// TokenResponse は登録・ログイン成功時のレスポンス形式。
type TokenResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      AccountResponse `json:"user"`
}

func toAccountResponse(a *model.Account) AccountResponse {
	return AccountResponse{
		ID:          a.ID,
		Email:       a.Email,
		Username:    a.Username,
		FullName:    a.FullName,
		Bio:         a.Bio,
		IsOrganizer: a.IsOrganizer,
		CreatedAt:   a.CreatedAt,
	}
}

func providerNames(kinds []model.ProviderKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON はリクエストボディをJSONとしてデコードする。
// 不正なボディはVALIDATION_ERRORとして返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return model.NewValidationError("Invalid request body")
	}
	return nil
}
