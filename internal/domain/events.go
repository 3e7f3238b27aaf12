package domain

import "time"

// Queue subjects for outbound domain events.
const (
	SubjectTransactionStarted = "transaction.started"
	SubjectTransactionStopped = "transaction.stopped"
	SubjectChargerStatus      = "charger.status"
	SubjectMeterValues        = "meter.values"
)

type ChargerStatusEvent struct {
	ChargerID string       `json:"charger_id"`
	From      ChargerState `json:"from"`
	To        ChargerState `json:"to"`
	At        time.Time    `json:"at"`
}

type TransactionEvent struct {
	Transaction    Transaction `json:"transaction"`
	NegativeEnergy bool        `json:"negative_energy,omitempty"`
}

type MeterValuesEvent struct {
	ChargerID     string        `json:"charger_id"`
	ConnectorID   int           `json:"connector_id"`
	TransactionID *int          `json:"transaction_id,omitempty"`
	Samples       []MeterSample `json:"samples"`
}
