package types

import (
	"errors"
	"fmt"
	"time"
)

// StatsRecord is a snapshot of the production statistics for a site.
type StatsRecord struct {
	// CurrentW is the current power production in watts.
	CurrentW int `json:"current_w"`
	// TotalKWh is the total energy produced since installation in kWh.
	TotalKWh int `json:"total_kwh"`
	// LastUpdated is the unix timestamp at which the upstream provider last
	// processed data from the inverter.
	LastUpdated int64 `json:"last_updated"`

	// Suspect is set when LastUpdated went backwards compared to the record
	// this one replaced.
	Suspect bool `json:"-"`
}

// Validate checks the record's invariants.
func (r StatsRecord) Validate() error {
	if r.CurrentW < 0 {
		return fmt.Errorf("current_w must not be negative: %d", r.CurrentW)
	}
	if r.TotalKWh < 0 {
		return fmt.Errorf("total_kwh must not be negative: %d", r.TotalKWh)
	}
	if r.LastUpdated <= 0 {
		return errors.New("last_updated must be a positive unix timestamp")
	}
	return nil
}

// LastUpdatedTime returns LastUpdated as a time.Time in UTC.
func (r StatsRecord) LastUpdatedTime() time.Time {
	return time.Unix(r.LastUpdated, 0).UTC()
}
