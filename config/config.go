package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Tutortoise/face-embedding-service/embedding"
	"github.com/Tutortoise/face-embedding-service/matching"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	Debug        bool   `yaml:"debug"`
	ReadTimeout  int    `yaml:"read_timeout_secs"`
	WriteTimeout int    `yaml:"write_timeout_secs"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// EmbeddingConfig selects the embedding backend and its model.
type EmbeddingConfig struct {
	Backend     string `yaml:"backend"`
	ModelPath   string `yaml:"model_path"`
	LibraryPath string `yaml:"library_path,omitempty"`
	Dimension   int    `yaml:"dimension"`
	InputName   string `yaml:"input_name"`
	OutputName  string `yaml:"output_name"`
	PoolSize    int    `yaml:"pool_size"`
	Threads     int    `yaml:"threads"`
}

type PreprocessConfig struct {
	Workers int `yaml:"workers"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type CheckInConfig struct {
	CooldownSecs int `yaml:"cooldown_secs"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Store      StoreConfig      `yaml:"store"`
	Matching   matching.Policy  `yaml:"matching"`
	CheckIn    CheckInConfig    `yaml:"check_in"`
}

// Load reads a config from path. A missing file yields defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/face-embedding/config.yaml.
// If neither exists, it writes defaults to the user path and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadEnv reads .env files into the process environment. Missing files
// are ignored.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// ApplyEnv overrides cfg with environment variables.
func ApplyEnv(cfg *AppConfig) error {
	if v := os.Getenv("DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG: %w", err)
		}
		cfg.Server.Debug = debug
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("FACE_MODEL_PATH"); v != "" {
		cfg.Embedding.ModelPath = v
	}
	if v := os.Getenv("ONNXRUNTIME_LIB"); v != "" {
		cfg.Embedding.LibraryPath = v
	}
	if v := os.Getenv("EMBEDDING_BACKEND"); v != "" {
		cfg.Embedding.Backend = v
	}
	if v := os.Getenv("FACE_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	return nil
}

func (c *AppConfig) EmbedderConfig() embedding.Config {
	return embedding.Config{
		Backend:     c.Embedding.Backend,
		ModelPath:   c.Embedding.ModelPath,
		LibraryPath: c.Embedding.LibraryPath,
		Dimension:   c.Embedding.Dimension,
		InputName:   c.Embedding.InputName,
		OutputName:  c.Embedding.OutputName,
		PoolSize:    c.Embedding.PoolSize,
		Threads:     c.Embedding.Threads,
	}
}

func (c *AppConfig) Cooldown() time.Duration {
	return time.Duration(c.CheckIn.CooldownSecs) * time.Second
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "face-embedding", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}

	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = embedding.BackendONNX
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "models/facenet.onnx"
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = embedding.DefaultDimension
	}
	if cfg.Embedding.InputName == "" {
		cfg.Embedding.InputName = embedding.DefaultInputName
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = embedding.DefaultOutputName
	}
	if cfg.Embedding.PoolSize == 0 {
		cfg.Embedding.PoolSize = embedding.DefaultPoolSize
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "faces.db"
	}

	defaults := matching.DefaultPolicy()
	if cfg.Matching.RegistrationThreshold == 0 {
		cfg.Matching.RegistrationThreshold = defaults.RegistrationThreshold
	}
	if cfg.Matching.RecognitionThreshold == 0 {
		cfg.Matching.RecognitionThreshold = defaults.RecognitionThreshold
	}
	if cfg.Matching.MinMargin == 0 {
		cfg.Matching.MinMargin = defaults.MinMargin
	}

	if cfg.CheckIn.CooldownSecs == 0 {
		cfg.CheckIn.CooldownSecs = 120
	}
}
