package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minJWTSecretLength はJWT_SECRETに要求する最小バイト長。
const minJWTSecretLength = 32

// ProviderNames は資格情報を読み込むOAuthプロバイダー名。環境変数の接頭辞にも使う。
var ProviderNames = []string{"google", "github", "facebook", "linkedin"}

// ProviderCredentials は1プロバイダー分のOAuthクライアント設定。
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnectTimeout  time.Duration

	// Token
	JWTSecret string
	JWTExpiry time.Duration

	// Password hashing
	PasswordHashConcurrency int

	// OAuth
	OAuthHTTPTimeout     time.Duration
	OAuthRedirectBaseURL string
	// Providers はプロバイダー名（小文字）ごとの資格情報。未設定のプロバイダーも含む。
	Providers map[string]ProviderCredentials

	// Rate Limit（req/min）
	RateLimitGeneral    int
	RateLimitCredential int

	// Worker
	SessionCleanupInterval time.Duration
	// WorkerMetricsPort が空の場合、ワーカーは/metricsを公開しない。
	WorkerMetricsPort string

	// Server
	ServerPort  string
	FrontendURL string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string

	// TrustedProxy がtrueの場合のみX-Forwarded-For/X-Real-IPをクライアントIPとして信頼する。
	TrustedProxy bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.FrontendURL = strings.TrimSuffix(os.Getenv("FRONTEND_URL"), "/")
	if cfg.FrontendURL == "" {
		missing = append(missing, "FRONTEND_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.JWTSecret) < minJWTSecretLength {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.JWTExpiry = time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 24)) * time.Hour
	cfg.PasswordHashConcurrency = getEnvInt("PASSWORD_HASH_CONCURRENCY", 4)
	cfg.OAuthHTTPTimeout = getEnvDuration("OAUTH_HTTP_TIMEOUT", 10*time.Second)
	cfg.OAuthRedirectBaseURL = strings.TrimSuffix(
		getEnvString("OAUTH_REDIRECT_BASE_URL", "http://localhost:"+cfg.ServerPort), "/")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitCredential = getEnvInt("RATE_LIMIT_CREDENTIAL", 10)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.WorkerMetricsPort = os.Getenv("WORKER_METRICS_PORT")
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.DBConnectTimeout = getEnvDuration("DB_CONNECT_TIMEOUT", 5*time.Second)
	cfg.CookieSecure = strings.HasPrefix(cfg.OAuthRedirectBaseURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.FrontendURL)
	cfg.TrustedProxy = getEnvBool("TRUSTED_PROXY", false)

	if cfg.JWTExpiry <= 0 {
		return nil, fmt.Errorf("JWT_EXPIRY_HOURS must be positive")
	}

	// OAuth providers: IDとシークレットが揃ったものだけが有効になる
	cfg.Providers = make(map[string]ProviderCredentials, len(ProviderNames))
	for _, name := range ProviderNames {
		prefix := strings.ToUpper(name)
		cfg.Providers[name] = ProviderCredentials{
			ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
			RedirectURL: getEnvString(prefix+"_REDIRECT_URL",
				cfg.OAuthRedirectBaseURL+"/api/auth/"+name+"/callback"),
		}
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
