package config

import "time"

// StudioConfig holds runtime configuration for the workspace API service.
type StudioConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	BuilderURL         string
	BuilderAuthToken   string
	AnthropicAPIKey    string
	SuggestionModel    string
	SuggestionMaxTok   int
	SuggestionCount    int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	DeployHistoryLimit int
	ShutdownTimeout    time.Duration
}

// LoadStudioConfig constructs a StudioConfig from environment variables.
func LoadStudioConfig() StudioConfig {
	return StudioConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("STUDIO_ADDR", ":4200"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://studio:studio@db:5432/studio?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		BuilderURL:         GetString("BUILDER_URL", "http://builder:5000"),
		BuilderAuthToken:   GetString("BUILDER_AUTH_TOKEN", ""),
		AnthropicAPIKey:    GetString("ANTHROPIC_API_KEY", ""),
		SuggestionModel:    GetString("SUGGESTION_MODEL", "claude-sonnet-4-20250514"),
		SuggestionMaxTok:   GetInt("SUGGESTION_MAX_TOKENS", 4096),
		SuggestionCount:    GetInt("SUGGESTION_COUNT", 3),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		DeployHistoryLimit: GetInt("DEPLOY_HISTORY_LIMIT", 50),
		ShutdownTimeout:    time.Duration(GetInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}
