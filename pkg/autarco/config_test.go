package autarco

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raterudder/autarco-bridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		BaseURL: DefaultBaseURL,
		Format:  FormatAPI,
		Timeout: 30 * time.Second,
		Credentials: types.Credentials{
			Username: testUsername,
			Password: testPassword,
			SiteID:   testSiteID,
		},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		fn   func(*Config)
		err  string
	}{
		{"Missing Username", func(c *Config) { c.Credentials.Username = "" }, "invalid credentials"},
		{"Missing Site", func(c *Config) { c.Credentials.SiteID = "" }, "invalid credentials"},
		{"Missing Base URL", func(c *Config) { c.BaseURL = "" }, "base url is required"},
		{"Relative Base URL", func(c *Config) { c.BaseURL = "/autarco" }, "absolute http(s) url"},
		{"FTP Base URL", func(c *Config) { c.BaseURL = "ftp://my.autarco.com" }, "absolute http(s) url"},
		{"Unknown Format", func(c *Config) { c.Format = "xml" }, `unknown format "xml"`},
		{"Zero Timeout", func(c *Config) { c.Timeout = 0 }, "timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.fn(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)

			_, err = New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestLoadCredentialsFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("Valid", func(t *testing.T) {
		path := filepath.Join(dir, "creds.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
username = "user@example.com"
password = "hunter2"
site_id = "site-1"
`), 0o600))

		creds, err := LoadCredentialsFile(path)
		require.NoError(t, err)
		assert.Equal(t, types.Credentials{Username: testUsername, Password: testPassword, SiteID: testSiteID}, creds)
	})

	t.Run("Partial", func(t *testing.T) {
		path := filepath.Join(dir, "partial.toml")
		require.NoError(t, os.WriteFile(path, []byte(`password = "from-file"`), 0o600))

		creds, err := LoadCredentialsFile(path)
		require.NoError(t, err)
		merged := types.Credentials{Username: testUsername, SiteID: testSiteID}.Merge(creds)
		assert.Equal(t, "from-file", merged.Password)
		assert.Equal(t, testUsername, merged.Username)
	})

	t.Run("Invalid", func(t *testing.T) {
		path := filepath.Join(dir, "bad.toml")
		require.NoError(t, os.WriteFile(path, []byte(`username = `), 0o600))

		_, err := LoadCredentialsFile(path)
		assert.ErrorContains(t, err, "failed to decode credentials file")
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadCredentialsFile(filepath.Join(dir, "nope.toml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
