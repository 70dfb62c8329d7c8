// internal/appconfig/appconfig.go
// Package appconfig manages loading and interpreting application configuration.
package appconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// DefaultConfigPath is the default path to the application's configuration file.
	DefaultConfigPath = "config/config.json"
	// legacyConfigPath is the path to the configuration file used in previous versions.
	legacyConfigPath = "config.json"
	// defaultRequestTimeout is the default timeout for HTTP requests.
	defaultRequestTimeout = 600 * time.Second

	// Chunk option defaults applied when the config leaves them unset.
	defaultChunkMaxChars     = 1500
	defaultChunkMinChars     = 350
	defaultChunkOverlapChars = 120

	// Retrieval defaults for chat requests.
	defaultTopK          = 8
	defaultDenseTopK     = 24
	defaultSparseTopK    = 24
	defaultDenseWeight   = 0.6
	defaultHistoryWindow = 6
)

// Config represents the top-level application configuration.
type Config struct {
	BackendURL     string           `json:"backendUrl"`
	ProjectID      string           `json:"projectId,omitempty"`
	Debug          bool             `json:"debug"`
	TimeoutSeconds int              `json:"timeout,omitempty"`
	LogFile        string           `json:"logFile,omitempty"`
	SessionMode    bool             `json:"sessionMode"`
	PersistRemote  bool             `json:"persistSessions"`
	Normalize      NormalizeOptions `json:"normalize"`
	Chunking       ChunkOptions     `json:"chunking"`
	Retrieval      RetrievalOptions `json:"retrieval"`
	Models         ModelOverrides   `json:"models"`
	ConfigPath     string           `json:"-"`
}

// NormalizeOptions controls the server-side text normalization stage.
type NormalizeOptions struct {
	MaxBlankLines            int  `json:"maxBlankLines,omitempty"`
	RemoveRepeatedShortLines bool `json:"removeRepeatedShortLines"`
}

// ChunkOptions carries the character bounds passed to the chunking stage.
type ChunkOptions struct {
	MaxChars     int `json:"maxChars,omitempty"`
	MinChars     int `json:"minChars,omitempty"`
	OverlapChars int `json:"overlapChars,omitempty"`
}

// RetrievalOptions tunes hybrid retrieval for chat requests.
type RetrievalOptions struct {
	TopK             int     `json:"topK,omitempty"`
	DenseTopK        int     `json:"denseTopK,omitempty"`
	SparseTopK       int     `json:"sparseTopK,omitempty"`
	DenseWeight      float64 `json:"denseWeight,omitempty"`
	RerankCandidates int     `json:"rerankCandidates,omitempty"`
	RerankModel      string  `json:"rerankModel,omitempty"`
	HistoryWindow    int     `json:"historyWindow,omitempty"`
}

// ModelOverrides names the backend models to use instead of server defaults.
type ModelOverrides struct {
	Chunk   string `json:"chunk,omitempty"`
	Context string `json:"context,omitempty"`
	Chat    string `json:"chat,omitempty"`
}

// RequestTimeout returns the timeout duration for HTTP requests, falling back to the default if not specified.
func (c Config) RequestTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultRequestTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LogFilePath returns the path to the application log file, applying a default if not set.
func (c Config) LogFilePath() string {
	if path := c.LogFile; strings.TrimSpace(path) != "" {
		return path
	}
	return "loom.log"
}

// ChunkBounds returns the configured chunk character bounds with defaults applied.
func (c Config) ChunkBounds() ChunkOptions {
	bounds := c.Chunking
	if bounds.MaxChars <= 0 {
		bounds.MaxChars = defaultChunkMaxChars
	}
	if bounds.MinChars <= 0 {
		bounds.MinChars = defaultChunkMinChars
	}
	if bounds.OverlapChars < 0 {
		bounds.OverlapChars = 0
	}
	if bounds.OverlapChars == 0 {
		bounds.OverlapChars = defaultChunkOverlapChars
	}
	return bounds
}

// RetrievalTuning returns the configured retrieval options with defaults applied.
func (c Config) RetrievalTuning() RetrievalOptions {
	tuning := c.Retrieval
	if tuning.TopK <= 0 {
		tuning.TopK = defaultTopK
	}
	if tuning.DenseTopK <= 0 {
		tuning.DenseTopK = defaultDenseTopK
	}
	if tuning.SparseTopK <= 0 {
		tuning.SparseTopK = defaultSparseTopK
	}
	if tuning.DenseWeight <= 0 || tuning.DenseWeight > 1 {
		tuning.DenseWeight = defaultDenseWeight
	}
	if tuning.HistoryWindow <= 0 {
		tuning.HistoryWindow = defaultHistoryWindow
	}
	return tuning
}

// Load reads the application configuration from the specified path, with fallback to a legacy path.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	config, err := loadFromPath(path)
	if err == nil {
		if strings.TrimSpace(config.BackendURL) == "" {
			return Config{}, errors.New("config must set backendUrl")
		}
		config.ConfigPath = path
		return config, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		if path == DefaultConfigPath {
			config, legacyErr := loadFromPath(legacyConfigPath)
			if legacyErr == nil {
				return config, nil
			}
			if errors.Is(legacyErr, os.ErrNotExist) {
				return Config{}, fmt.Errorf("no configuration file found (searched %q and %q)", DefaultConfigPath, legacyConfigPath)
			}
			return Config{}, fmt.Errorf("could not read config file %q: %w", legacyConfigPath, legacyErr)
		}
		return Config{}, fmt.Errorf("no configuration file found at %q", path)
	}

	return Config{}, fmt.Errorf("could not read config file %q: %w", path, err)
}

// loadFromPath is a helper function that loads the configuration from a specific file path.
func loadFromPath(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	if err := ValidateRaw(raw); err != nil {
		return Config{}, fmt.Errorf("invalid config %q: %w", path, err)
	}

	var config Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return Config{}, err
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = int(defaultRequestTimeout.Seconds())
	}

	return config, nil
}
