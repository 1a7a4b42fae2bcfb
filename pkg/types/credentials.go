package types

import (
	"errors"
	"log/slog"
)

// Credentials are the My Autarco account details and the site to track.
type Credentials struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	SiteID   string `toml:"site_id"`
}

// Validate ensures every field is filled in.
func (c Credentials) Validate() error {
	if c.Username == "" {
		return errors.New("missing username")
	}
	if c.Password == "" {
		return errors.New("missing password")
	}
	if c.SiteID == "" {
		return errors.New("missing site id")
	}
	return nil
}

// Merge returns c with any empty fields filled in from other.
func (c Credentials) Merge(other Credentials) Credentials {
	if c.Username == "" {
		c.Username = other.Username
	}
	if c.Password == "" {
		c.Password = other.Password
	}
	if c.SiteID == "" {
		c.SiteID = other.SiteID
	}
	return c
}

// LogValue implements slog.LogValuer and never includes the password.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("siteID", c.SiteID),
	)
}

// String never includes the password.
func (c Credentials) String() string {
	return "Credentials{Username: " + c.Username + ", SiteID: " + c.SiteID + "}"
}
