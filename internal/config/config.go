package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	HTTPPort       int
	AdminToken     string
	TrustedProxies []string

	// Database
	DBPath string

	// Logging
	LogLevel string

	// Selection
	SeedSecret string

	// TonAPI
	TonAPIKey        string
	TonAPIBaseURL    string
	GatingCollection string

	// Rounds
	DefaultWindowMinutes int
	DefaultRewardAmount  int64
	AutoCloseInterval    time.Duration

	// Claims
	ClaimTTL        time.Duration
	LockMaxAttempts int
	LockWindow      time.Duration

	// Limits (0 disables)
	IPRateLimit          int
	UserRateLimit        int
	DailyCap             int64
	MaxWinsPerUserPerDay int
	AddressDailyCap      int64

	// Payout
	RewardTokenID  string
	PayoutURL      string
	PayoutAPIKey   string
	PayoutWalletID string

	// Reply sources: agent name -> gateway URL, "" is the default
	ReplySources     map[string]string
	ReplySourceToken string

	// Telegram
	BotToken     string
	AdminChatIDs []int64
}

func Load() *Config {
	cfg := &Config{
		// HTTP
		HTTPPort:   getEnvInt("HTTP_PORT", 8080),
		AdminToken: getEnv("ADMIN_TOKEN", ""),

		// Database
		DBPath: getEnv("DB_PATH", "./trivia.db"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Selection
		SeedSecret: getEnv("SEED_SECRET", ""),

		// TonAPI
		TonAPIKey:        getEnv("TONAPI_API_KEY", ""),
		TonAPIBaseURL:    strings.TrimSuffix(getEnv("TONAPI_BASE_URL", "https://tonapi.io/v2"), "/"),
		GatingCollection: getEnv("GATING_COLLECTION", ""),

		// Rounds
		DefaultWindowMinutes: getEnvInt("DEFAULT_WINDOW_MINUTES", 10),
		DefaultRewardAmount:  getEnvInt64("DEFAULT_REWARD_AMOUNT", 5),
		AutoCloseInterval:    getEnvDuration("AUTO_CLOSE_INTERVAL", time.Minute),

		// Claims
		ClaimTTL:        getEnvDuration("CLAIM_TTL", 60*time.Minute),
		LockMaxAttempts: getEnvInt("LOCK_MAX_ATTEMPTS", 3),
		LockWindow:      getEnvDuration("LOCK_WINDOW", 15*time.Minute),

		// Limits
		IPRateLimit:          getEnvInt("IP_RATE_LIMIT", 30),
		UserRateLimit:        getEnvInt("USER_RATE_LIMIT", 10),
		DailyCap:             getEnvInt64("DAILY_CAP", 0),
		MaxWinsPerUserPerDay: getEnvInt("MAX_WINS_PER_USER_PER_DAY", 0),
		AddressDailyCap:      getEnvInt64("ADDRESS_DAILY_CAP", 0),

		// Payout
		RewardTokenID:  getEnv("REWARD_TOKEN_ID", ""),
		PayoutURL:      getEnv("PAYOUT_URL", ""),
		PayoutAPIKey:   getEnv("PAYOUT_API_KEY", ""),
		PayoutWalletID: getEnv("PAYOUT_WALLET_ID", ""),

		// Reply sources
		ReplySources:     parseSources(getEnv("REPLY_SOURCES", "")),
		ReplySourceToken: getEnv("REPLY_SOURCE_TOKEN", ""),

		// Telegram
		BotToken: getEnv("BOT_TOKEN", ""),
	}

	for _, p := range strings.Split(getEnv("TRUSTED_PROXIES", ""), ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.TrustedProxies = append(cfg.TrustedProxies, p)
		}
	}

	// Parse admin chat IDs
	for _, idStr := range strings.Split(getEnv("ADMIN_CHAT_IDS", ""), ",") {
		idStr = strings.TrimSpace(idStr)
		if id, err := strconv.ParseInt(idStr, 10, 64); err == nil {
			cfg.AdminChatIDs = append(cfg.AdminChatIDs, id)
		}
	}

	return cfg
}

// Validate reports settings the service cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.AdminToken == "" {
		errs = append(errs, errors.New("ADMIN_TOKEN is required"))
	}
	if c.SeedSecret == "" {
		errs = append(errs, errors.New("SEED_SECRET is required"))
	}
	if len(c.ReplySources) > 0 {
		if _, ok := c.ReplySources[""]; !ok {
			errs = append(errs, errors.New("REPLY_SOURCES needs a default entry (=url)"))
		}
	}
	if c.DefaultWindowMinutes <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_WINDOW_MINUTES must be positive, got %d", c.DefaultWindowMinutes))
	}
	if c.DefaultRewardAmount <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_REWARD_AMOUNT must be positive, got %d", c.DefaultRewardAmount))
	}
	return errors.Join(errs...)
}

// parseSources reads "url" or "=url,name=url2" into agent -> url.
// A bare url is the default source.
func parseSources(s string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, found := strings.Cut(entry, "=")
		if !found {
			name, url = "", entry
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
