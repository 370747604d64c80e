package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
	"github.com/huaigu/DCA-FHE-BOT-sub001/services"
)

// Config is the YAML configuration shared by the engine and decryptd
// binaries. Unused sections are ignored by the binary that does not need
// them.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	// KeyholderURL is where the engine reaches decryptd; CallbackURL is
	// where decryptd reaches the engine back. CallbackURL must be the
	// engine's externally visible base URL.
	KeyholderURL string `yaml:"keyholder_url"`
	CallbackURL  string `yaml:"callback_url"`
	VenueURL     string `yaml:"venue_url"`

	AdminToken string `yaml:"admin_token"`
	JWTSecret  string `yaml:"jwt_secret"`

	TriggerInterval time.Duration `yaml:"trigger_interval"`

	Keys struct {
		SigningKey string `yaml:"signing_key"`
		VaultKey   string `yaml:"vault_key"`
	} `yaml:"keys"`

	Attestation struct {
		UseTDX           bool   `yaml:"use_tdx"`
		TDXRemoteURL     string `yaml:"tdx_remote_url"`
		MeasurementsPath string `yaml:"measurements_path"`
	} `yaml:"attestation"`

	Engine *protocol.EngineConfig `yaml:"engine"`

	// Postgres is optional; the engine falls back to the in-memory store
	// when the host is empty.
	Postgres services.PostgresConfig `yaml:"postgres"`
}

// DefaultConfig returns a configuration suitable for local deployments.
func DefaultConfig() *Config {
	cfg := &Config{
		HTTPAddr:        ":8080",
		TriggerInterval: time.Second,
		Engine:          protocol.DefaultEngineConfig(),
	}
	return cfg
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
