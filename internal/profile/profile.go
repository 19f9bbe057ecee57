package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the routing engine and its jobs.
type Profile struct {
	// Chat provider used by the LLM complexity detector (OpenAI-compatible protocol).
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	LLMTimeout  int // seconds, default 3

	// LLMFallback enables the LLM detector for ambiguous queries.
	LLMFallback bool
	// LLMRatePerSecond limits detector calls; 0 disables the limiter.
	LLMRatePerSecond float64

	// Embedding configuration
	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingAPIKey    string
	EmbeddingBaseURL   string
	EmbeddingDimension int
	EmbeddingTimeout   int // seconds, default 5

	// Complexity classifier configuration
	ClassifierBackend string // linear | default
	ModelPath         string
	WatchModel        bool
	TopicToolsPath    string // YAML file mapping topics to required tools

	// Keyword learning thresholds
	PromotionMinFactories     int
	PromotionMinEffectiveness float64
	CleanupScoreThreshold     float64
	CleanupMinNegative        int
	JobIntervalSeconds        int
	MetricsAddr               string

	Mode   string
	DSN    string
	Driver string
	Data   string
}

// Provider default configurations for LLM and embedding endpoints.
// Used when the base URL is not explicitly set.
var providerDefaults = map[string]struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
}{
	"zai": {
		BaseURL:        "https://open.bigmodel.cn/api/paas/v4",
		Model:          "glm-4-flash",
		EmbeddingModel: "embedding-3",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
	},
	"siliconflow": {
		BaseURL:        "https://api.siliconflow.cn/v1",
		Model:          "Qwen/Qwen2.5-7B-Instruct",
		EmbeddingModel: "BAAI/bge-m3",
	},
	"dashscope": {
		BaseURL:        "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:          "qwen-turbo",
		EmbeddingModel: "text-embedding-v3",
	},
	"ollama": {
		BaseURL:        "http://localhost:11434/v1",
		Model:          "llama3.1",
		EmbeddingModel: "nomic-embed-text",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if the LLM detector can reach a provider.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

// IsEmbeddingEnabled returns true if an embedding provider is configured.
func (p *Profile) IsEmbeddingEnabled() bool {
	return p.EmbeddingAPIKey != "" || p.EmbeddingProvider == "ollama"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables. A set variable
// replaces the field; unset fields fall back to their defaults.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("KEYROUTE_LLM_PROVIDER", orDefault(p.LLMProvider, "siliconflow"))
	p.LLMAPIKey = getEnvOrDefault("KEYROUTE_LLM_API_KEY", p.LLMAPIKey)
	p.LLMBaseURL = getEnvOrDefault("KEYROUTE_LLM_BASE_URL", p.LLMBaseURL)
	p.LLMModel = getEnvOrDefault("KEYROUTE_LLM_MODEL", p.LLMModel)
	p.LLMTimeout = getEnvOrDefaultInt("KEYROUTE_LLM_TIMEOUT_SECONDS", orDefaultInt(p.LLMTimeout, 3))
	p.LLMFallback = getEnvOrDefaultBool("KEYROUTE_LLM_FALLBACK", p.LLMFallback)
	p.LLMRatePerSecond = getEnvOrDefaultFloat("KEYROUTE_LLM_RATE", p.LLMRatePerSecond)

	if _, ok := providerDefaults[p.LLMProvider]; !ok {
		slog.Warn("Unknown LLM provider, using default: siliconflow", "provider", p.LLMProvider)
		p.LLMProvider = "siliconflow"
	}
	if defaults, ok := providerDefaults[p.LLMProvider]; ok {
		p.LLMBaseURL = orDefault(p.LLMBaseURL, defaults.BaseURL)
		p.LLMModel = orDefault(p.LLMModel, defaults.Model)
	}

	// Embedding configuration
	p.EmbeddingProvider = getEnvOrDefault("KEYROUTE_EMBEDDING_PROVIDER", orDefault(p.EmbeddingProvider, "siliconflow"))
	p.EmbeddingModel = getEnvOrDefault("KEYROUTE_EMBEDDING_MODEL", p.EmbeddingModel)
	p.EmbeddingAPIKey = getEnvOrDefault("KEYROUTE_EMBEDDING_API_KEY", p.EmbeddingAPIKey)
	p.EmbeddingBaseURL = getEnvOrDefault("KEYROUTE_EMBEDDING_BASE_URL", p.EmbeddingBaseURL)
	p.EmbeddingDimension = getEnvOrDefaultInt("KEYROUTE_EMBEDDING_DIMENSION", orDefaultInt(p.EmbeddingDimension, 1024))
	p.EmbeddingTimeout = getEnvOrDefaultInt("KEYROUTE_EMBEDDING_TIMEOUT_SECONDS", orDefaultInt(p.EmbeddingTimeout, 5))
	if defaults, ok := providerDefaults[p.EmbeddingProvider]; ok {
		p.EmbeddingBaseURL = orDefault(p.EmbeddingBaseURL, defaults.BaseURL)
		p.EmbeddingModel = orDefault(p.EmbeddingModel, defaults.EmbeddingModel)
	}

	// Classifier configuration
	p.ClassifierBackend = getEnvOrDefault("KEYROUTE_CLASSIFIER_BACKEND", orDefault(p.ClassifierBackend, "linear"))
	p.ModelPath = getEnvOrDefault("KEYROUTE_MODEL_PATH", p.ModelPath)
	p.WatchModel = getEnvOrDefaultBool("KEYROUTE_MODEL_WATCH", p.WatchModel)
	p.TopicToolsPath = getEnvOrDefault("KEYROUTE_TOPIC_TOOLS", p.TopicToolsPath)

	// Keyword learning
	p.PromotionMinFactories = getEnvOrDefaultInt("KEYROUTE_PROMOTION_MIN_FACTORIES", orDefaultInt(p.PromotionMinFactories, 3))
	p.PromotionMinEffectiveness = getEnvOrDefaultFloat("KEYROUTE_PROMOTION_MIN_EFFECTIVENESS", orDefaultFloat(p.PromotionMinEffectiveness, 0.8))
	p.CleanupScoreThreshold = getEnvOrDefaultFloat("KEYROUTE_CLEANUP_THRESHOLD", orDefaultFloat(p.CleanupScoreThreshold, 0.3))
	p.CleanupMinNegative = getEnvOrDefaultInt("KEYROUTE_CLEANUP_MIN_NEGATIVE", orDefaultInt(p.CleanupMinNegative, 5))
	p.JobIntervalSeconds = getEnvOrDefaultInt("KEYROUTE_JOB_INTERVAL_SECONDS", orDefaultInt(p.JobIntervalSeconds, 3600))
	p.MetricsAddr = getEnvOrDefault("KEYROUTE_METRICS_ADDR", orDefault(p.MetricsAddr, ":9090"))

	p.Driver = getEnvOrDefault("KEYROUTE_DRIVER", orDefault(p.Driver, "sqlite"))
	p.DSN = getEnvOrDefault("KEYROUTE_DSN", p.DSN)
	p.Data = getEnvOrDefault("KEYROUTE_DATA", p.Data)
	p.Mode = getEnvOrDefault("KEYROUTE_MODE", orDefault(p.Mode, "dev"))
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func orDefaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func orDefaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	switch p.Driver {
	case "postgres":
		if p.DSN == "" {
			return errors.New("dsn is required for postgres driver")
		}
	case "sqlite":
		if p.DSN == "" {
			if p.Data == "" {
				p.Data = "."
			}
			dataDir, err := checkDataDir(p.Data)
			if err != nil {
				slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
				return err
			}
			p.Data = dataDir
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("keyroute_%s.db", p.Mode))
		}
	default:
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.PromotionMinEffectiveness < 0 || p.PromotionMinEffectiveness > 1 {
		return errors.Errorf("promotion min effectiveness %v out of range [0,1]", p.PromotionMinEffectiveness)
	}
	if p.CleanupScoreThreshold < 0 || p.CleanupScoreThreshold > 1 {
		return errors.Errorf("cleanup threshold %v out of range [0,1]", p.CleanupScoreThreshold)
	}
	return nil
}
