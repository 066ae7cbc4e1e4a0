package structengine

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketstructure/internal/logger"
	"marketstructure/internal/structure"
)

// Config holds all env-parsed configuration for the structure engine service.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	ConsumerGroup string
	ConsumerName  string

	EnabledTFs         []int
	SubscribeTokenKeys []string // "exchange:token" keys

	HTTPAddr          string
	MetricsAddr       string // separate /metrics and /healthz listener, off when empty
	SnapshotIntervalS int
	SweepIntervalS    int
	SnapshotQueue     int
	SnapshotKeep      int
	SnapshotTTL       time.Duration
	MaxCandles        int
	BackfillLimit     int
	EventBuffer       int
	RedisBufferMax    int

	LogLevel  slog.Level
	LogFormat string

	WebhookURL     string
	TelegramToken  string
	TelegramChatID string

	Structure  structure.Config
	ConfigFile string
}

// fileConfig is the optional YAML overlay. Absent keys keep their env values.
type fileConfig struct {
	Structure structure.Config `yaml:"structure"`
	TFs       []int            `yaml:"tfs"`
	Symbols   []string         `yaml:"symbols"`
}

// LoadConfig reads all environment variables and, when STRUCT_CONFIG_FILE
// is set, overlays the YAML file on top of them.
func LoadConfig() (Config, error) {
	cfg := Config{
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		SQLitePath:         getEnv("SQLITE_PATH", "data/candles.db"),
		ConsumerGroup:      getEnv("CONSUMER_GROUP", "structengine"),
		ConsumerName:       getEnv("CONSUMER_NAME", "worker-1"),
		EnabledTFs:         parseTFs(getEnv("ENABLED_TFS", "60,120,180,300")),
		SubscribeTokenKeys: parseTokenKeys(getEnv("SUBSCRIBE_TOKENS", "")),
		HTTPAddr:           getEnv("STRUCTENGINE_HTTP_ADDR", ":9096"),
		MetricsAddr:        getEnv("METRICS_ADDR", ""),
		SnapshotIntervalS:  positive(getEnvInt("SNAPSHOT_INTERVAL_SEC", 30), 30),
		SweepIntervalS:     positive(getEnvInt("SWEEP_INTERVAL_SEC", 5), 5),
		SnapshotQueue:      positive(getEnvInt("SNAPSHOT_QUEUE", 256), 256),
		SnapshotKeep:       positive(getEnvInt("SNAPSHOT_KEEP", 10), 10),
		SnapshotTTL:        getEnvDuration("SNAPSHOT_TTL", 24*time.Hour),
		MaxCandles:         positive(getEnvInt("MAX_CANDLES", 5000), 5000),
		BackfillLimit:      positive(getEnvInt("BACKFILL_LIMIT", 2000), 2000),
		EventBuffer:        positive(getEnvInt("EVENT_BUFFER", 1024), 1024),
		RedisBufferMax:     positive(getEnvInt("REDIS_BUFFER_MAX", 10000), 10000),
		LogLevel:           logger.ParseLevel(getEnv("LOG_LEVEL", "info")),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		WebhookURL:         getEnv("WEBHOOK_URL", ""),
		TelegramToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     getEnv("TELEGRAM_CHAT_ID", ""),
		ConfigFile:         getEnv("STRUCT_CONFIG_FILE", ""),
		Structure: structure.Config{
			Strength:      getEnvInt("STRENGTH", structure.DefaultStrength),
			SustainWindow: getEnvInt("SUSTAIN_WINDOW", structure.DefaultSustainWindow),
			SetupWindow:   getEnvInt("SETUP_WINDOW", structure.DefaultSetupWindow),
			MaxLevels:     getEnvInt("MAX_LEVELS", structure.DefaultMaxLevels),
			MaxAge:        getEnvDuration("LEVEL_MAX_AGE", 0),
		},
	}

	if cfg.ConfigFile != "" {
		if err := cfg.overlay(cfg.ConfigFile); err != nil {
			return cfg, err
		}
	}
	if len(cfg.EnabledTFs) == 0 {
		log.Println("[structengine] WARNING: no valid TFs configured, using 60")
		cfg.EnabledTFs = []int{60}
	}
	return cfg, nil
}

// overlay applies the YAML file at path.
func (c *Config) overlay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	fc := fileConfig{Structure: c.Structure}
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("decode yaml %s: %w", path, err)
	}
	c.Structure = fc.Structure
	if len(fc.TFs) > 0 {
		c.EnabledTFs = validTFs(fc.TFs)
	}
	if len(fc.Symbols) > 0 {
		c.SubscribeTokenKeys = fc.Symbols
	}
	log.Printf("[structengine] loaded overlay %s (strength=%d, tfs=%v)", path, c.Structure.Strength, c.EnabledTFs)
	return nil
}

func parseTFs(s string) []int {
	parts := strings.Split(s, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		tfs = append(tfs, n)
	}
	return validTFs(tfs)
}

func validTFs(in []int) []int {
	out := make([]int, 0, len(in))
	for _, n := range in {
		if n > 0 {
			out = append(out, n)
		}
	}
	return out
}

// parseTokenKeys parses "exchangeType:token,..." into "exchange:token" keys.
// Exchange types 1, 2 and 3 are NSE, NFO and BSE; a name passes through.
func parseTokenKeys(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, pair := range strings.Split(s, ",") {
		ex, token, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" {
			continue
		}
		switch ex {
		case "1", "":
			ex = "NSE"
		case "2":
			ex = "NFO"
		case "3":
			ex = "BSE"
		}
		keys = append(keys, ex+":"+token)
	}
	return keys
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[structengine] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Printf("[structengine] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func positive(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
