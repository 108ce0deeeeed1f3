// Package config loads the typed service configuration from the environment.
// All knobs have defaults; only LLM provider keys are required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Phase-model environment overrides. Logical model names are resolved by the
// LLM gateway against the configured providers.
const (
	defaultModelMap           = "google/gemini-2.5-flash"
	defaultModelAnalysis      = "google/gemini-2.5-flash"
	defaultModelSynthesis     = "google/gemini-2.5-pro"
	defaultModelDriftAnalysis = "google/gemini-2.5-flash"
	defaultModelMediumScoring = "google/gemini-2.5-flash-lite"
)

// Models binds each pipeline phase to a logical model name.
type Models struct {
	Map           string
	Analysis      string
	Synthesis     string
	DriftAnalysis string
	MediumScoring string
}

// Config is the orchestrator service configuration, loaded once at startup.
type Config struct {
	HTTPPort    string
	AdminSecret string // empty means unauthenticated access is allowed

	// LLM provider key pools, in rotation order per provider.
	OpenRouterKeys []string
	GeminiKeys     []string
	OpenAIKeys     []string
	OpenAIBaseURL  string

	Models Models

	// Pipeline knobs.
	MapChunkSize       int
	MapMaxParallel     int
	MediumScoreMin     float64
	MediumMaxSelected  int
	RecentWindow       time.Duration
	RequestDeadline    time.Duration
	LLMCallTimeout     time.Duration
	MaxQuotaWait       time.Duration

	// Reddit branch.
	RedditProxyURL string
}

// Load reads the orchestrator configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		OpenRouterKeys: splitKeys(os.Getenv("OPENROUTER_API_KEYS")),
		GeminiKeys:     splitKeys(os.Getenv("GEMINI_API_KEYS")),
		OpenAIKeys:     splitKeys(os.Getenv("OPENAI_API_KEYS")),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Models: Models{
			Map:           getEnv("MODEL_MAP", defaultModelMap),
			Analysis:      getEnv("MODEL_ANALYSIS", defaultModelAnalysis),
			Synthesis:     getEnv("MODEL_SYNTHESIS", defaultModelSynthesis),
			DriftAnalysis: getEnv("MODEL_DRIFT_ANALYSIS", defaultModelDriftAnalysis),
			MediumScoring: getEnv("MODEL_MEDIUM_SCORING", defaultModelMediumScoring),
		},
		RedditProxyURL: getEnv("REDDIT_PROXY_URL", "http://localhost:8090"),
	}

	var err error
	if cfg.MapChunkSize, err = getEnvInt("MAP_CHUNK_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.MapMaxParallel, err = getEnvInt("MAP_MAX_PARALLEL", 25); err != nil {
		return nil, err
	}
	if cfg.MediumScoreMin, err = getEnvFloat("MEDIUM_SCORE_THRESHOLD", 0.7); err != nil {
		return nil, err
	}
	if cfg.MediumMaxSelected, err = getEnvInt("MEDIUM_MAX_SELECTED_POSTS", 5); err != nil {
		return nil, err
	}
	if cfg.RecentWindow, err = getEnvDuration("RECENT_WINDOW_DAYS", 90*24*time.Hour, time.Hour*24); err != nil {
		return nil, err
	}
	if cfg.RequestDeadline, err = getEnvDuration("REQUEST_DEADLINE_MS", 180*time.Second, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.LLMCallTimeout, err = getEnvDuration("LLM_CALL_TIMEOUT_MS", 30*time.Second, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.MaxQuotaWait, err = getEnvDuration("MAX_QUOTA_WAIT_MS", 90*time.Second, time.Millisecond); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.OpenRouterKeys)+len(c.GeminiKeys)+len(c.OpenAIKeys) == 0 {
		return fmt.Errorf("no LLM provider keys configured: set OPENROUTER_API_KEYS, GEMINI_API_KEYS, or OPENAI_API_KEYS")
	}
	if c.MapChunkSize < 1 {
		return fmt.Errorf("MAP_CHUNK_SIZE must be >= 1, got %d", c.MapChunkSize)
	}
	if c.MapMaxParallel < 1 {
		return fmt.Errorf("MAP_MAX_PARALLEL must be >= 1, got %d", c.MapMaxParallel)
	}
	if c.MediumScoreMin < 0 || c.MediumScoreMin > 1 {
		return fmt.Errorf("MEDIUM_SCORE_THRESHOLD must be in [0,1], got %v", c.MediumScoreMin)
	}
	return nil
}

// SidecarConfig is the Reddit proxy configuration.
type SidecarConfig struct {
	HTTPPort        string
	MCPCommand      string
	MCPArgs         []string
	MCPTimeout      time.Duration
	TeardownTimeout time.Duration
	RestartBudget   int
	CacheTTL        time.Duration
	CacheSize       int
	UserAgent       string
}

// LoadSidecar reads the Reddit proxy configuration from the environment.
func LoadSidecar() (*SidecarConfig, error) {
	cfg := &SidecarConfig{
		HTTPPort:        getEnv("HTTP_PORT", "8090"),
		MCPCommand:      getEnv("MCP_COMMAND", "reddit-mcp-server"),
		TeardownTimeout: 2 * time.Second,
		CacheSize:       100,
		UserAgent:       getEnv("REDDIT_USER_AGENT", "chanspect-reddit-proxy/1.0"),
	}
	if args := os.Getenv("MCP_ARGS"); args != "" {
		cfg.MCPArgs = strings.Fields(args)
	}

	var err error
	if cfg.MCPTimeout, err = getEnvDuration("MCP_TIMEOUT_MS", 15*time.Second, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL_MS", 5*time.Minute, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RestartBudget, err = getEnvInt("MCP_RESTART_BUDGET", 10); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitKeys parses a comma-separated key list, dropping empty entries.
func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

// getEnvDuration reads an integer env value scaled by unit.
func getEnvDuration(key string, defaultVal time.Duration, unit time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * unit, nil
}
