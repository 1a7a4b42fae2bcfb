package autarco

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pelletier/go-toml/v2"
	"github.com/raterudder/autarco-bridge/pkg/types"
)

// DefaultBaseURL is the My Autarco portal.
const DefaultBaseURL = "https://my.autarco.com"

// Format selects how the statistics are read from the portal.
type Format string

const (
	// FormatAPI reads the JSON KPI endpoints.
	FormatAPI Format = "api"
	// FormatHTML scrapes the site dashboard page.
	FormatHTML Format = "html"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Format      Format
	Timeout     time.Duration
	Credentials types.Credentials
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if err := c.Credentials.Validate(); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse base url (%s): %w", c.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base url must be an absolute http(s) url: %s", c.BaseURL)
	}
	switch c.Format {
	case FormatAPI, FormatHTML:
	default:
		return fmt.Errorf("unknown format %q (available: %s, %s)", c.Format, FormatAPI, FormatHTML)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// LoadCredentialsFile reads username, password and site_id from a TOML file.
func LoadCredentialsFile(path string) (types.Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var creds types.Credentials
	if err := toml.Unmarshal(b, &creds); err != nil {
		return types.Credentials{}, fmt.Errorf("failed to decode credentials file (%s): %w", path, err)
	}
	return creds, nil
}

// Configured registers the flags for the upstream portal and returns a Client
// that is usable once flags are parsed.
func Configured() *Client {
	c := &Client{}

	username := lflag.String("autarco-username", os.Getenv("AUTARCO_USERNAME"), "Username of the My Autarco account")
	password := lflag.String("autarco-password", os.Getenv("AUTARCO_PASSWORD"), "Password of the My Autarco account")
	siteID := lflag.String("autarco-site-id", os.Getenv("AUTARCO_SITE_ID"), "My Autarco site ID to track")
	credentialsFile := lflag.String("autarco-credentials-file", "", "TOML file with username, password and site_id (flags take precedence)")
	baseURL := lflag.String("autarco-base-url", DefaultBaseURL, "Base URL of the My Autarco portal")
	format := lflag.String("autarco-format", string(FormatAPI), "How to read statistics (available: api, html)")
	timeout := lflag.Duration("autarco-timeout", 30*time.Second, "Timeout for each request to the portal")

	lflag.Do(func() {
		cfg := Config{
			BaseURL: strings.TrimSuffix(*baseURL, "/"),
			Format:  Format(*format),
			Timeout: *timeout,
			Credentials: types.Credentials{
				Username: *username,
				Password: *password,
				SiteID:   *siteID,
			},
		}
		if *credentialsFile != "" {
			fileCreds, err := LoadCredentialsFile(*credentialsFile)
			if err != nil {
				panic(fmt.Sprintf("autarco credentials failed: %v", err))
			}
			cfg.Credentials = cfg.Credentials.Merge(fileCreds)
		}
		if err := cfg.Validate(); err != nil {
			panic(fmt.Sprintf("autarco validation failed: %v", err))
		}
		c.init(cfg)
	})

	return c
}
