// Package config provides XML or YAML configuration with environment overrides.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the root configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"ScribeScope" yaml:"-"`

	Server     ServerConfig     `xml:"Server" yaml:"server"`
	Storage    StorageConfig    `xml:"Storage" yaml:"storage"`
	Search     SearchConfig     `xml:"Search" yaml:"search"`
	Processing ProcessingConfig `xml:"Processing" yaml:"processing"`
	Advanced   AdvancedConfig   `xml:"Advanced" yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port" yaml:"port"`
	BindAddress  string `xml:"BindAddress" yaml:"bindAddress"`
	EnableCORS   bool   `xml:"EnableCORS" yaml:"enableCors"`
	AllowOrigins string `xml:"AllowOrigins" yaml:"allowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds" yaml:"readTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds" yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds" yaml:"idleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit" yaml:"bodyLimit"`
}

// StorageConfig contains preview storage settings
type StorageConfig struct {
	DataDirectory     string `xml:"DataDirectory" yaml:"dataDirectory"`
	PreviewsDirectory string `xml:"PreviewsDirectory" yaml:"previewsDirectory"`
	// InMemory keeps preview bytes in memory instead of on disk.
	InMemory      bool   `xml:"InMemory" yaml:"inMemory"`
	MaxUploadSize string `xml:"MaxUploadSize" yaml:"maxUploadSize"`
}

// SearchConfig describes the reverse image search endpoint
type SearchConfig struct {
	Endpoint       string `xml:"Endpoint" yaml:"endpoint"`
	Token          string `xml:"Token" yaml:"token"`
	UserAgent      string `xml:"UserAgent" yaml:"userAgent"`
	TimeoutSeconds int    `xml:"TimeoutSeconds" yaml:"timeoutSeconds"`
}

// ProcessingConfig contains session and batch settings
type ProcessingConfig struct {
	MaxSessions            int    `xml:"MaxSessions" yaml:"maxSessions"`
	SessionTimeoutMinutes  int    `xml:"SessionTimeoutMinutes" yaml:"sessionTimeoutMinutes"`
	CleanupIntervalMinutes int    `xml:"CleanupIntervalMinutes" yaml:"cleanupIntervalMinutes"`
	ThumbnailSize          uint   `xml:"ThumbnailSize" yaml:"thumbnailSize"`
	AllowedFileTypes       string `xml:"AllowedFileTypes" yaml:"allowedFileTypes"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel" yaml:"logLevel"`
	LogJSON              bool   `xml:"LogJSON" yaml:"logJson"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging" yaml:"enableRequestLogging"`
	EnableMetrics        bool   `xml:"EnableMetrics" yaml:"enableMetrics"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 120,
			IdleTimeout:  120,
			BodyLimit:    "200M",
		},
		Storage: StorageConfig{
			DataDirectory:     "./data",
			PreviewsDirectory: "./data/previews",
			MaxUploadSize:     "25MB",
		},
		Search: SearchConfig{
			Endpoint:       "http://localhost:5000/api/search",
			UserAgent:      "ScribeScope/1.0",
			TimeoutSeconds: 120,
		},
		Processing: ProcessingConfig{
			MaxSessions:            32,
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
			ThumbnailSize:          128,
			AllowedFileTypes:       ".jpeg,.jpg,.png,.gif,.webp",
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
			EnableMetrics:        true,
		},
	}
}

// LoadConfig loads configuration from an XML or YAML file. A missing file
// is created with defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = xml.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save writes the configuration in the format implied by the file extension
func (c *AppConfig) Save(configPath string) error {
	var content []byte
	if isYAML(configPath) {
		out, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		content = append([]byte("# ScribeScope configuration\n"), out...)
	} else {
		out, err := xml.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		header := []byte(xml.Header + "\n<!-- ScribeScope Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
		content = append(header, out...)
	}

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.PreviewsDirectory = filepath.Join(dataDir, "previews")
	}
	if endpoint := os.Getenv("SCRIBESCOPE_SEARCH_ENDPOINT"); endpoint != "" {
		c.Search.Endpoint = endpoint
	}
	if token := os.Getenv("SCRIBESCOPE_SEARCH_TOKEN"); token != "" {
		c.Search.Token = token
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.PreviewsDirectory) {
		c.Storage.PreviewsDirectory = filepath.Join(configDir, c.Storage.PreviewsDirectory)
	}
}

// Validate checks values that would otherwise fail late at request time.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if !govalidator.IsURL(c.Search.Endpoint) || !strings.HasPrefix(c.Search.Endpoint, "http") {
		return fmt.Errorf("invalid search endpoint: %q", c.Search.Endpoint)
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	if len(c.AllowedExtensions()) == 0 {
		return fmt.Errorf("no allowed file types configured")
	}
	return nil
}

// MaxUploadBytes parses Storage.MaxUploadSize.
func (c *AppConfig) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Storage.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max upload size %q: %w", c.Storage.MaxUploadSize, err)
	}
	return int64(n), nil
}

// AllowedExtensions returns the lower-cased allowed extensions with a leading dot.
func (c *AppConfig) AllowedExtensions() []string {
	var out []string
	for _, ext := range strings.Split(c.Processing.AllowedFileTypes, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// SearchTimeout returns the executor transport timeout.
func (c *AppConfig) SearchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSeconds) * time.Second
}

// SessionTimeout returns how long an unused session survives.
func (c *AppConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Processing.SessionTimeoutMinutes) * time.Minute
}

// CleanupInterval returns the session cleanup period.
func (c *AppConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Processing.CleanupIntervalMinutes) * time.Minute
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDirectory}
	if !c.Storage.InMemory {
		dirs = append(dirs, c.Storage.PreviewsDirectory)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
