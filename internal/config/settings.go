package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	ProxyPool struct {
		Enabled            bool     `json:"enabled"`
		SourceURL          string   `json:"source_url"`
		SourceTimeout      uint32   `json:"source_timeout"`
		MinScore           float64  `json:"min_score"`
		AllowedProtocols   []string `json:"allowed_protocols"`
		PreferredAnonymity []string `json:"preferred_anonymity"`
		RefreshTimer       Timer    `json:"refresh_timer"`
		FailureThreshold   uint32   `json:"failure_threshold"`

		HealthCheckURL     string `json:"health_check_url"`
		HealthCheckTimeout uint32 `json:"health_check_timeout"`
		ProbeConcurrency   uint32 `json:"probe_concurrency"`
		RaceConcurrency    uint32 `json:"race_concurrency"`
		RaceCandidates     uint32 `json:"race_candidates"`
		BindAttempts       uint32 `json:"bind_attempts"`
		SweepTimer         Timer  `json:"sweep_timer"`
	} `json:"proxy_pool"`

	Account struct {
		BaseURL         string `json:"base_url"`
		SessionURL      string `json:"session_url"`
		OAuthURL        string `json:"oauth_url"`
		DefaultClientID string `json:"default_client_id"`
		RedirectURI     string `json:"redirect_uri"`
		Timeout         uint32 `json:"timeout"`
		Impersonate     string `json:"impersonate"`
	} `json:"account"`

	Lifecycle struct {
		RefreshWindowHours     uint32 `json:"refresh_window_hours"`
		UsernameAttempts       uint32 `json:"username_attempts"`
		MaintenanceTimer       Timer  `json:"maintenance_timer"`
		MaintenanceConcurrency uint32 `json:"maintenance_concurrency"`
	} `json:"lifecycle"`

	GeoLite struct {
		APIKey        string `json:"api_key"`
		AutoUpdate    bool   `json:"auto_update"`
		UpdateTimer   Timer  `json:"update_timer"`
		LastUpdatedAt string `json:"last_updated_at,omitempty"`
	} `json:"geolite"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const settingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		cfg = Config{}
	}
	configValue.Store(cfg)
}

// Defaults returns the embedded default configuration.
func Defaults() Config {
	var cfg Config
	_ = json.Unmarshal(defaultConfig, &cfg)
	return cfg
}

func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration")

			if err = os.MkdirAll("data", os.ModePerm); err != nil {
				log.Error("Error creating directory for settings file", "error", err)
				return
			}

			if err = os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
				log.Error("Error writing default settings file", "error", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file", "error", err)
			return
		}
	}

	// Start from defaults so keys missing in an older settings file keep sane values.
	newConfig := Defaults()
	if err = json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

func UpdateGeoLiteConfig(updater func(cfg *Config)) error {
	if updater == nil {
		return errors.New("config: geolite updater cannot be nil")
	}

	cfg := GetConfig()
	updater(&cfg)

	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: "geolite"})
}

func MarkGeoLiteUpdated(ts time.Time) error {
	return UpdateGeoLiteConfig(func(cfg *Config) {
		cfg.GeoLite.LastUpdatedAt = ts.UTC().Format(time.RFC3339)
	})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

// Seconds converts a whole-second setting into a duration, using fallback for zero.
func Seconds(value uint32, fallback time.Duration) time.Duration {
	if value == 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}
