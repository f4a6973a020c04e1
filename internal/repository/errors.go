package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// 一意制約違反・存在しないレコードを表すセンチネルエラー。
// 呼び出し側は errors.Is で判定する。
var (
	ErrDuplicateEmail        = errors.New("repository: duplicate account email")
	ErrDuplicateUsername     = errors.New("repository: duplicate account username")
	ErrDuplicateProviderLink = errors.New("repository: duplicate provider link")
	ErrDuplicateSession      = errors.New("repository: duplicate session token")
	ErrNotFound              = errors.New("repository: not found")
)

// マイグレーションで定義している一意制約名。
const (
	constraintAccountsEmail      = "accounts_email_key"
	constraintAccountsUsername   = "accounts_username_key"
	constraintProviderLinksIdent = "provider_links_provider_provider_user_id_key"
	constraintSessionsTokenHash  = "sessions_token_hash_key"
)

// uniqueViolationCode はPostgreSQLのunique_violationのSQLSTATE。
const uniqueViolationCode = "23505"

// uniqueViolation はPostgreSQLの一意制約違反を対応するセンチネルエラーに変換する。
// 一意制約違反でない場合、または未知の制約名の場合はnilを返す。
func uniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolationCode {
		return nil
	}

	switch pqErr.Constraint {
	case constraintAccountsEmail:
		return ErrDuplicateEmail
	case constraintAccountsUsername:
		return ErrDuplicateUsername
	case constraintProviderLinksIdent:
		return ErrDuplicateProviderLink
	case constraintSessionsTokenHash:
		return ErrDuplicateSession
	default:
		return nil
	}
}

// wrapWriteError は書き込み系のエラーをラップする。
// 一意制約違反の場合は元のドライバエラーではなくセンチネルエラーをラップする。
func wrapWriteError(msg string, err error) error {
	if dup := uniqueViolation(err); dup != nil {
		return fmt.Errorf("%s: %w", msg, dup)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
