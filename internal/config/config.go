package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of a node.
type Config struct {
	DeviceName  string
	DataDir     string
	ServicePort int

	PeerTTL    time.Duration
	SessionTTL time.Duration

	PairingCodeTTL    time.Duration
	PairingRequestTTL time.Duration
	PairingRate       float64
	PairingBurst      int

	AnnounceRate  float64
	AnnounceBurst int

	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "peersync"
	}
	return Config{
		DeviceName:        host,
		DataDir:           "peersync-data",
		ServicePort:       22000,
		PeerTTL:           90 * time.Second,
		SessionTTL:        time.Hour,
		PairingCodeTTL:    5 * time.Minute,
		PairingRequestTTL: 15 * time.Minute,
		PairingRate:       0.2,
		PairingBurst:      3,
		AnnounceRate:      2,
		AnnounceBurst:     10,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Validate rejects values the node cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceName) == "" {
		errs = append(errs, errors.New("device name is required"))
	}
	if c.ServicePort <= 0 || c.ServicePort > 65535 {
		errs = append(errs, fmt.Errorf("service port %d out of range", c.ServicePort))
	}
	if c.PeerTTL <= 0 {
		errs = append(errs, errors.New("peer ttl must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.PairingCodeTTL <= 0 {
		errs = append(errs, errors.New("pairing code ttl must be positive"))
	}
	return errors.Join(errs...)
}

type FileConfig struct {
	Device    FileDevice    `yaml:"device"`
	Discovery FileDiscovery `yaml:"discovery"`
	Pairing   FilePairing   `yaml:"pairing"`
	Session   FileSession   `yaml:"session"`
	Log       FileLog       `yaml:"log"`
	Metrics   FileMetrics   `yaml:"metrics"`
}

type FileDevice struct {
	Name        string `yaml:"name"`
	DataDir     string `yaml:"dataDir"`
	ServicePort int    `yaml:"servicePort"`
}

type FileDiscovery struct {
	PeerTTL       time.Duration `yaml:"peerTTL"`
	AnnounceRate  float64       `yaml:"announceRate"`
	AnnounceBurst int           `yaml:"announceBurst"`
}

type FilePairing struct {
	CodeTTL    time.Duration `yaml:"codeTTL"`
	RequestTTL time.Duration `yaml:"requestTTL"`
	Rate       float64       `yaml:"rate"`
	Burst      int           `yaml:"burst"`
}

type FileSession struct {
	TTL time.Duration `yaml:"ttl"`
}

type FileLog struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FileMetrics struct {
	Enabled *bool `yaml:"enabled"`
}

// LoadFromPath merges the first readable config file over Default and then
// applies PEERSYNC_* environment overrides. With an empty configPath the
// well-known locations are tried and missing files are not an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{"configs/peersync.yaml", "peersync.yaml"}
	if configPath != "" {
		candidates = []string{configPath}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return cfg, fmt.Errorf("read config: %w", err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

func Merge(dst *Config, src FileConfig) {
	if v := strings.TrimSpace(src.Device.Name); v != "" {
		dst.DeviceName = v
	}
	if v := strings.TrimSpace(src.Device.DataDir); v != "" {
		dst.DataDir = v
	}
	if src.Device.ServicePort != 0 {
		dst.ServicePort = src.Device.ServicePort
	}
	if src.Discovery.PeerTTL != 0 {
		dst.PeerTTL = src.Discovery.PeerTTL
	}
	if src.Discovery.AnnounceRate != 0 {
		dst.AnnounceRate = src.Discovery.AnnounceRate
	}
	if src.Discovery.AnnounceBurst != 0 {
		dst.AnnounceBurst = src.Discovery.AnnounceBurst
	}
	if src.Pairing.CodeTTL != 0 {
		dst.PairingCodeTTL = src.Pairing.CodeTTL
	}
	if src.Pairing.RequestTTL != 0 {
		dst.PairingRequestTTL = src.Pairing.RequestTTL
	}
	if src.Pairing.Rate != 0 {
		dst.PairingRate = src.Pairing.Rate
	}
	if src.Pairing.Burst != 0 {
		dst.PairingBurst = src.Pairing.Burst
	}
	if src.Session.TTL != 0 {
		dst.SessionTTL = src.Session.TTL
	}
	if v := strings.TrimSpace(src.Log.Level); v != "" {
		dst.LogLevel = v
	}
	if v := strings.TrimSpace(src.Log.Format); v != "" {
		dst.LogFormat = v
	}
	if src.Metrics.Enabled != nil {
		dst.MetricsEnabled = *src.Metrics.Enabled
	}
}

// ApplyEnvOverrides applies PEERSYNC_* variables. Unparseable values are
// ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := env("PEERSYNC_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}
	if v := env("PEERSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v, err := strconv.Atoi(env("PEERSYNC_SERVICE_PORT")); err == nil {
		cfg.ServicePort = v
	}
	if v, err := time.ParseDuration(env("PEERSYNC_SESSION_TTL")); err == nil {
		cfg.SessionTTL = v
	}
	if v, err := time.ParseDuration(env("PEERSYNC_PEER_TTL")); err == nil {
		cfg.PeerTTL = v
	}
	if v := env("PEERSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("PEERSYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v, err := strconv.ParseBool(env("PEERSYNC_METRICS")); err == nil {
		cfg.MetricsEnabled = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
