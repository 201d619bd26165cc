package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string
	Env  string

	// Credential issuance.
	TokenSecret string
	TokenTTL    time.Duration

	// Registration defaults and admin surface.
	DefaultRequestLimit   int
	DefaultConcurrencyCap int
	AllowRegistration     bool
	AdminEmails           []string

	// Identifier-only access: bare emails accepted when no token is sent.
	AllowIdentifierOnly bool

	// Ledger backend selection: postgres when a DSN is set, redis when an
	// address is set, in-memory otherwise.
	LedgerPGDSN     string
	LedgerRedisAddr string

	// Upstream provider.
	GeminiAPIKey string
	GeminiModel  string

	// Relay progress timeouts.
	FirstByteTimeout time.Duration
	ChunkTimeout     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8080", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	return &Config{
		Port: *port,
		Env:  env,

		TokenSecret: firstNonEmpty(strings.TrimSpace(os.Getenv("TOKEN_SECRET")), "dev-secret-change-me"),
		TokenTTL:    time.Duration(envInt("TOKEN_TTL_MINUTES", 60)) * time.Minute,

		DefaultRequestLimit:   envInt("DEFAULT_REQUEST_LIMIT", 15000),
		DefaultConcurrencyCap: envInt("DEFAULT_CONCURRENCY_CAP", 1),
		AllowRegistration:     envBool("ALLOW_REGISTRATION", true),
		AdminEmails:           splitList(os.Getenv("ADMIN_EMAILS")),

		AllowIdentifierOnly: envBool("ALLOW_IDENTIFIER_ONLY", true),

		LedgerPGDSN:     strings.TrimSpace(os.Getenv("LEDGER_PG_DSN")),
		LedgerRedisAddr: strings.TrimSpace(os.Getenv("LEDGER_REDIS_ADDR")),

		GeminiAPIKey: strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:  firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_MODEL")), "gemini-2.0-flash-001"),

		FirstByteTimeout: time.Duration(envInt("RELAY_FIRST_BYTE_TIMEOUT_MS", 30000)) * time.Millisecond,
		ChunkTimeout:     time.Duration(envInt("RELAY_CHUNK_TIMEOUT_MS", 60000)) * time.Millisecond,
	}, nil
}

// IsAdmin reports whether the given email is on the admin list.
func (c *Config) IsAdmin(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range c.AdminEmails {
		if strings.ToLower(strings.TrimSpace(a)) == email {
			return true
		}
	}
	return false
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
