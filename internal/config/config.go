package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the cloudlink process configuration. Every field has a default
// so an empty file (or no file at all) yields a runnable local setup.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	// PEM private key used to sign the JWT sent as the MQTT password.
	PrivateKeyPath string        `yaml:"private_key"`
	Algorithm      string        `yaml:"algorithm"`
	Audience       string        `yaml:"audience"`
	TokenLifetime  time.Duration `yaml:"token_lifetime"`
}

type StorageConfig struct {
	MySQLDSN string `yaml:"mysql_dsn"`
}

type SchedulerConfig struct {
	Cadence       time.Duration `yaml:"cadence"`
	Grace         time.Duration `yaml:"grace"`
	Lead          time.Duration `yaml:"lead"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

func Default() Config {
	return Config{
		MQTT: MQTTConfig{
			Broker:        "ssl://localhost:8883",
			ClientID:      "cloudlink",
			Algorithm:     "RS256",
			Audience:      "cloudlink",
			TokenLifetime: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Cadence:       5 * time.Second,
			Grace:         30 * time.Second,
			Lead:          24 * time.Hour,
			BlockDuration: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
