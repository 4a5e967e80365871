// Package config loads client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ruteri/passkey-kms-client/interfaces"
)

// Config controls how the client reaches the key-management service and
// which relying party its passkeys belong to.
type Config struct {
	BaseURL              string                    `env:"PASSKEY_KMS_BASE_URL"               envDefault:"http://127.0.0.1:8080"`
	ParentOrganizationID interfaces.OrganizationID `env:"PASSKEY_KMS_PARENT_ORGANIZATION_ID"`
	RPID                 string                    `env:"PASSKEY_KMS_RP_ID"                  envDefault:"localhost"`
	RPName               string                    `env:"PASSKEY_KMS_RP_NAME"`
	Origin               string                    `env:"PASSKEY_KMS_ORIGIN"`
	RequestTimeout       time.Duration             `env:"PASSKEY_KMS_REQUEST_TIMEOUT"        envDefault:"30s"`
	CeremonyTimeout      time.Duration             `env:"PASSKEY_KMS_CEREMONY_TIMEOUT"       envDefault:"60s"`
	CredentialFile       string                    `env:"PASSKEY_KMS_CREDENTIAL_FILE"        envDefault:"passkeys.json"`
	Passphrase           string                    `env:"PASSKEY_KMS_PASSPHRASE"`
}

// Load reads Config from the environment and fills derived defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RPName == "" {
		c.RPName = c.RPID
	}
	if c.Origin == "" {
		c.Origin = "https://" + c.RPID
	}
}

// Validate reports settings that cannot work. The parent organization is
// only needed to log in, so callers check it themselves.
func (c Config) Validate() error {
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url %q: %w", c.BaseURL, err)
	}
	if c.RPID == "" {
		return errors.New("relying party id is required")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.CeremonyTimeout <= 0 {
		return errors.New("ceremony timeout must be positive")
	}
	return nil
}
