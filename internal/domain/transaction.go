package domain

import (
	"sort"
	"time"
)

type TransactionStatus string

const (
	TransactionStatusOpen   TransactionStatus = "Open"
	TransactionStatusClosed TransactionStatus = "Closed"
)

// StopReason values as reported by chargers. Unknown strings are stored verbatim.
const (
	StopReasonLocal          = "Local"
	StopReasonRemote         = "Remote"
	StopReasonEVDisconnected = "EVDisconnected"
	StopReasonHardReset      = "HardReset"
	StopReasonSoftReset      = "SoftReset"
	StopReasonPowerLoss      = "PowerLoss"
	StopReasonOther          = "Other"
)

// Transaction is one energy delivery session on a connector.
type Transaction struct {
	ID              int               `json:"id"`
	ChargerID       string            `json:"charger_id"`
	ConnectorID     int               `json:"connector_id"`
	IDTag           string            `json:"id_tag"`
	MeterStart      int               `json:"meter_start"` // Wh
	StartedAt       time.Time         `json:"started_at"`
	MeterStop       *int              `json:"meter_stop,omitempty"` // Wh
	StoppedAt       *time.Time        `json:"stopped_at,omitempty"`
	Status          TransactionStatus `json:"status"`
	StopReason      string            `json:"stop_reason,omitempty"`
	EnergyDelivered int               `json:"energy_delivered"` // Wh, negative values are device anomalies
}

func (t *Transaction) IsOpen() bool {
	return t.Status == TransactionStatusOpen
}

// Close sets the stop fields and returns the delivered energy. The result is not
// clamped: a negative value means the device reported a lower stop register.
func (t *Transaction) Close(meterStop int, stoppedAt time.Time, reason string) int {
	t.MeterStop = &meterStop
	t.StoppedAt = &stoppedAt
	t.StopReason = reason
	t.Status = TransactionStatusClosed
	t.EnergyDelivered = meterStop - t.MeterStart
	return t.EnergyDelivered
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	if t.MeterStop != nil {
		v := *t.MeterStop
		out.MeterStop = &v
	}
	if t.StoppedAt != nil {
		v := *t.StoppedAt
		out.StoppedAt = &v
	}
	return &out
}

// Default measurand and unit when a charger omits them.
const (
	MeasurandEnergyActiveImportRegister = "Energy.Active.Import.Register"
	UnitWh                              = "Wh"
)

// MeterSample is a single measured value as reported by a charger.
type MeterSample struct {
	Timestamp time.Time `json:"timestamp"`
	Measurand string    `json:"measurand"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// MeterReading is a persisted sample, optionally linked to a transaction.
type MeterReading struct {
	TransactionID *int      `json:"transaction_id,omitempty"`
	ChargerID     string    `json:"charger_id"`
	ConnectorID   int       `json:"connector_id"`
	Timestamp     time.Time `json:"timestamp"`
	Measurand     string    `json:"measurand"`
	Value         float64   `json:"value"`
	Unit          string    `json:"unit"`
}

// SortReadings orders readings by timestamp, keeping arrival order for equal stamps.
func SortReadings(readings []MeterReading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
}

// SortSamples orders samples by timestamp, keeping arrival order for equal stamps.
func SortSamples(samples []MeterSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}
