package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "putergate.toml"

const (
	DefaultUpstreamAPIURL    = "https://api.puter.com/drivers/call"
	DefaultUpstreamModelsURL = "https://puter.com/puterai/chat/models"
)

type UpstreamConfig struct {
	APIURL          string `toml:"api_url,omitempty"`
	ModelsURL       string `toml:"models_url,omitempty"`
	TimeoutSeconds  int    `toml:"timeout_seconds,omitempty"`
	ModelsCachePath string `toml:"models_cache_path,omitempty"`
}

type CredentialConfig struct {
	Path string `toml:"path,omitempty"`
	Key  string `toml:"key,omitempty"`
}

type RenewalConfig struct {
	Command        []string `toml:"command,omitempty"`
	TimeoutSeconds int      `toml:"timeout_seconds,omitempty"`
}

// QuotaDetectorConfig drives the classification of upstream errors as quota
// exhaustion. The exact delegate and code set is upstream policy, so it stays
// configurable rather than hard-coded.
type QuotaDetectorConfig struct {
	Delegate string   `toml:"delegate,omitempty"`
	Codes    []string `toml:"codes,omitempty"`
	Statuses []int    `toml:"statuses,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain,omitempty"`
	Email    string `toml:"email,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

type ServerConfig struct {
	ListenAddr string              `toml:"listen_addr"`
	Upstream   UpstreamConfig      `toml:"upstream"`
	Credential CredentialConfig    `toml:"credential"`
	Renewal    RenewalConfig       `toml:"renewal"`
	Detector   QuotaDetectorConfig `toml:"quota_detector"`
	TLS        TLSConfig           `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "putergate", defaultConfigFileName)
}

func DefaultCredentialPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credential.env"
	}
	return filepath.Join(home, ".config", "putergate", "credential.env")
}

func DefaultModelsCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models-cache.json"
	}
	return filepath.Join(home, ".cache", "putergate", "models-cache.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "putergate", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:9595",
		Upstream: UpstreamConfig{
			APIURL:          DefaultUpstreamAPIURL,
			ModelsURL:       DefaultUpstreamModelsURL,
			TimeoutSeconds:  120,
			ModelsCachePath: DefaultModelsCachePath(),
		},
		Credential: CredentialConfig{
			Path: DefaultCredentialPath(),
			Key:  "API_TOKEN",
		},
		Renewal: RenewalConfig{
			TimeoutSeconds: 120,
		},
		Detector: QuotaDetectorConfig{
			Delegate: "usage-limited-chat",
			Codes:    []string{"error_400_from_delegate"},
			Statuses: []int{400, 403},
		},
		TLS: TLSConfig{
			Enabled:  false,
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	} else {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, cfg)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":9595"
	}
	c.Upstream.APIURL = strings.TrimSpace(c.Upstream.APIURL)
	if c.Upstream.APIURL == "" {
		c.Upstream.APIURL = DefaultUpstreamAPIURL
	}
	c.Upstream.ModelsURL = strings.TrimSpace(c.Upstream.ModelsURL)
	if c.Upstream.ModelsURL == "" {
		c.Upstream.ModelsURL = DefaultUpstreamModelsURL
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	c.Upstream.ModelsCachePath = strings.TrimSpace(c.Upstream.ModelsCachePath)
	if c.Upstream.ModelsCachePath == "" {
		c.Upstream.ModelsCachePath = DefaultModelsCachePath()
	}
	c.Credential.Path = strings.TrimSpace(c.Credential.Path)
	if c.Credential.Path == "" {
		c.Credential.Path = DefaultCredentialPath()
	}
	c.Credential.Key = strings.TrimSpace(c.Credential.Key)
	if c.Credential.Key == "" {
		c.Credential.Key = "API_TOKEN"
	}
	if c.Renewal.TimeoutSeconds <= 0 {
		c.Renewal.TimeoutSeconds = 120
	}
	cmd := make([]string, 0, len(c.Renewal.Command))
	for _, arg := range c.Renewal.Command {
		cmd = append(cmd, strings.TrimSpace(arg))
	}
	c.Renewal.Command = cmd
	c.Detector.Delegate = strings.TrimSpace(c.Detector.Delegate)
	if c.Detector.Delegate == "" {
		c.Detector.Delegate = "usage-limited-chat"
	}
	if len(c.Detector.Codes) == 0 {
		c.Detector.Codes = []string{"error_400_from_delegate"}
	}
	if len(c.Detector.Statuses) == 0 {
		c.Detector.Statuses = []int{400, 403}
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if !strings.HasPrefix(c.Upstream.APIURL, "http://") && !strings.HasPrefix(c.Upstream.APIURL, "https://") {
		return fmt.Errorf("upstream.api_url must be an http(s) URL, got %q", c.Upstream.APIURL)
	}
	if !strings.HasPrefix(c.Upstream.ModelsURL, "http://") && !strings.HasPrefix(c.Upstream.ModelsURL, "https://") {
		return fmt.Errorf("upstream.models_url must be an http(s) URL, got %q", c.Upstream.ModelsURL)
	}
	for _, arg := range c.Renewal.Command {
		if arg == "" {
			return errors.New("renewal.command cannot contain empty arguments")
		}
	}
	for _, code := range c.Detector.Codes {
		if strings.TrimSpace(code) == "" {
			return errors.New("quota_detector.codes cannot contain empty entries")
		}
	}
	for _, status := range c.Detector.Statuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("quota_detector.statuses contains invalid HTTP status %d", status)
		}
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}
