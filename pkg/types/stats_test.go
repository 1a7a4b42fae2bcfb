package types

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsRecord(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		rec := StatsRecord{CurrentW: 23, TotalKWh: 6159, LastUpdated: 1661194620, Suspect: true}
		b, err := json.Marshal(rec)
		require.NoError(t, err)
		assert.JSONEq(t, `{"current_w":23,"total_kwh":6159,"last_updated":1661194620}`, string(b))
	})

	t.Run("Validate", func(t *testing.T) {
		assert.NoError(t, StatsRecord{CurrentW: 0, TotalKWh: 0, LastUpdated: 1}.Validate())
		assert.Error(t, StatsRecord{CurrentW: -1, TotalKWh: 1, LastUpdated: 1}.Validate())
		assert.Error(t, StatsRecord{CurrentW: 1, TotalKWh: -1, LastUpdated: 1}.Validate())
		assert.Error(t, StatsRecord{CurrentW: 1, TotalKWh: 1}.Validate())
	})

	t.Run("LastUpdatedTime", func(t *testing.T) {
		rec := StatsRecord{LastUpdated: 1661194620}
		assert.Equal(t, time.Date(2022, 8, 22, 18, 57, 0, 0, time.UTC), rec.LastUpdatedTime())
	})
}

func TestCredentials(t *testing.T) {
	creds := Credentials{Username: "user@example.com", Password: "hunter2", SiteID: "abc123"}
	require.NoError(t, creds.Validate())
	assert.NotContains(t, creds.String(), "hunter2")
	assert.NotContains(t, fmt.Sprint(creds.LogValue()), "hunter2")

	assert.Error(t, Credentials{Password: "p", SiteID: "s"}.Validate())
	assert.Error(t, Credentials{Username: "u", SiteID: "s"}.Validate())
	assert.Error(t, Credentials{Username: "u", Password: "p"}.Validate())

	merged := Credentials{Username: "flag"}.Merge(Credentials{Username: "file", Password: "p", SiteID: "s"})
	assert.Equal(t, Credentials{Username: "flag", Password: "p", SiteID: "s"}, merged)
}
