package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/cfpman/internal/metrics"
	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

// HashParams はargon2idのコストパラメータ。
type HashParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  int
	KeyLength   uint32
}

// DefaultHashParams は新規ハッシュに使うパラメータ。
var DefaultHashParams = HashParams{
	Memory:      64 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashPassword はargon2idでパスワードをハッシュ化し、
// ソルトとパラメータを埋め込んだPHC形式の文字列を返す。
func HashPassword(plain string, params HashParams) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plain), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		params.Memory,
		params.Iterations,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword は平文パスワードが保存済みハッシュと一致するかを返す。
// 解析できないハッシュはfalseを返す。副作用はない。
func VerifyPassword(plain, stored string) bool {
	params, salt, key, err := decodeHash(stored)
	if err != nil {
		return false
	}
	other := argon2.IDKey([]byte(plain), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return subtle.ConstantTimeCompare(key, other) == 1
}

// decodeHash は "$argon2id$v=19$m=..,t=..,p=..$salt$hash" を分解する。
func decodeHash(encoded string) (HashParams, []byte, []byte, error) {
	var params HashParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return params, nil, nil, fmt.Errorf("unsupported hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return params, nil, nil, fmt.Errorf("parse params: %w", err)
	}
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return params, nil, nil, fmt.Errorf("invalid params")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) == 0 {
		return params, nil, nil, fmt.Errorf("empty key")
	}
	params.SaltLength = len(salt)
	params.KeyLength = uint32(len(key))

	return params, salt, key, nil
}

// PasswordHasher はargon2idの同時実行数をセマフォで制限する。
// メモリハードな計算が並列に走りすぎてメモリを使い切らないようにする。
type PasswordHasher struct {
	sem     *semaphore.Weighted
	params  HashParams
	metrics metrics.MetricsCollector

	dummyOnce sync.Once
	dummyHash string
}

// NewPasswordHasher はPasswordHasherを生成する。concurrencyが1未満の場合は1とする。
func NewPasswordHasher(concurrency int, params HashParams, mc metrics.MetricsCollector) *PasswordHasher {
	if concurrency < 1 {
		concurrency = 1
	}
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &PasswordHasher{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		params:  params,
		metrics: mc,
	}
}

// Hash はセマフォを取得してからパスワードをハッシュ化する。
func (h *PasswordHasher) Hash(ctx context.Context, plain string) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire hash slot: %w", err)
	}
	defer h.sem.Release(1)

	start := time.Now()
	defer func() { h.metrics.RecordPasswordHashLatency(time.Since(start)) }()

	return HashPassword(plain, h.params)
}

// Verify はセマフォを取得してからVerifyPasswordを実行する。
func (h *PasswordHasher) Verify(ctx context.Context, plain, stored string) (bool, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire hash slot: %w", err)
	}
	defer h.sem.Release(1)

	start := time.Now()
	defer func() { h.metrics.RecordPasswordHashLatency(time.Since(start)) }()

	return VerifyPassword(plain, stored), nil
}

// VerifyDummy は存在しないアカウントに対しても同じコストの検証を行い、
// 応答時間からアカウントの有無を推測されないようにする。
func (h *PasswordHasher) VerifyDummy(ctx context.Context, plain string) error {
	h.dummyOnce.Do(func() {
		// 失敗時は空文字のままとなり、VerifyPasswordは即座にfalseを返す
		h.dummyHash, _ = HashPassword("cfpman-dummy-password", h.params)
	})
	_, err := h.Verify(ctx, plain, h.dummyHash)
	return err
}
