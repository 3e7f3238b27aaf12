package domain

import (
	"fmt"
	"strconv"
	"time"
)

// ChargerState is the lifecycle state of a charger as seen by the central system.
type ChargerState string

const (
	ChargerStateNew          ChargerState = "New"
	ChargerStateBooted       ChargerState = "Booted"
	ChargerStateIdle         ChargerState = "Idle"
	ChargerStateCharging     ChargerState = "Charging"
	ChargerStateFaulted      ChargerState = "Faulted"
	ChargerStateDisconnected ChargerState = "Disconnected"
)

// Charger is the persistent record of a charge point.
type Charger struct {
	ID                    string        `json:"id"`
	Path                  string        `json:"path"`
	Vendor                string        `json:"vendor"`
	Model                 string        `json:"model"`
	SerialNumber          string        `json:"serial_number,omitempty"`
	FirmwareVersion       string        `json:"firmware_version,omitempty"`
	Config                ChargerConfig `json:"config"`
	AuthorizationRequired bool          `json:"authorization_required"`
	State                 ChargerState  `json:"state"`
	LastHeartbeat         time.Time     `json:"last_heartbeat"`
	MeterSnapshot         []MeterSample `json:"meter_snapshot,omitempty"`
	Location              *Coordinates  `json:"location,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// Coordinates is an optional geographic position of a charger.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Clone returns a deep copy safe to hand out of a critical section.
func (c *Charger) Clone() *Charger {
	if c == nil {
		return nil
	}
	out := *c
	out.Config = c.Config.Clone()
	if c.MeterSnapshot != nil {
		out.MeterSnapshot = append([]MeterSample(nil), c.MeterSnapshot...)
	}
	if c.Location != nil {
		loc := *c.Location
		out.Location = &loc
	}
	return &out
}

// Config keys the core itself interprets.
const (
	ConfigKeyHeartbeatInterval = "HeartbeatInterval"
)

const (
	maxConfigKeyLen   = 50
	maxConfigValueLen = 500
)

// ChargerConfig is the free-form key/value configuration of a charger. The core
// treats it as opaque apart from the keys listed above.
type ChargerConfig map[string]string

// Validate enforces the boundary rules for configuration entries.
func (c ChargerConfig) Validate() error {
	for k, v := range c {
		if k == "" {
			return fmt.Errorf("%w: empty configuration key", ErrInvalidConfig)
		}
		if len(k) > maxConfigKeyLen {
			return fmt.Errorf("%w: key %q exceeds %d characters", ErrInvalidConfig, k, maxConfigKeyLen)
		}
		if len(v) > maxConfigValueLen {
			return fmt.Errorf("%w: value of %q exceeds %d characters", ErrInvalidConfig, k, maxConfigValueLen)
		}
	}
	if raw, ok := c[ConfigKeyHeartbeatInterval]; ok {
		if n, err := strconv.Atoi(raw); err != nil || n <= 0 {
			return fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalidConfig, ConfigKeyHeartbeatInterval, raw)
		}
	}
	return nil
}

// HeartbeatInterval returns the configured liveness interval, or fallback when unset.
func (c ChargerConfig) HeartbeatInterval(fallback time.Duration) time.Duration {
	raw, ok := c[ConfigKeyHeartbeatInterval]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func (c ChargerConfig) Clone() ChargerConfig {
	if c == nil {
		return nil
	}
	out := make(ChargerConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ConnectorStatus mirrors the status values a charger reports for a connector.
type ConnectorStatus string

const (
	ConnectorStatusAvailable     ConnectorStatus = "Available"
	ConnectorStatusPreparing     ConnectorStatus = "Preparing"
	ConnectorStatusCharging      ConnectorStatus = "Charging"
	ConnectorStatusSuspendedEVSE ConnectorStatus = "SuspendedEVSE"
	ConnectorStatusSuspendedEV   ConnectorStatus = "SuspendedEV"
	ConnectorStatusFinishing     ConnectorStatus = "Finishing"
	ConnectorStatusReserved      ConnectorStatus = "Reserved"
	ConnectorStatusUnavailable   ConnectorStatus = "Unavailable"
	ConnectorStatusFaulted       ConnectorStatus = "Faulted"
)

// IsIdle reports whether the status describes a connector ready for a new session.
func (s ConnectorStatus) IsIdle() bool {
	return s == ConnectorStatusAvailable
}

func (s ConnectorStatus) IsFault() bool {
	return s == ConnectorStatusFaulted
}
