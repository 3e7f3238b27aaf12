package domain

import "time"

// CommandAction is an operator-initiated command the core can push to a charger.
type CommandAction string

const (
	CommandStopSession CommandAction = "stopSession"
	CommandReset       CommandAction = "reset"
)

func (a CommandAction) Valid() bool {
	return a == CommandStopSession || a == CommandReset
}

// PendingCommand tracks an outbound request awaiting its response.
type PendingCommand struct {
	CorrelationID string    `json:"correlation_id"`
	ChargerID     string    `json:"charger_id"`
	Action        string    `json:"action"`
	IssuedAt      time.Time `json:"issued_at"`
	Deadline      time.Time `json:"deadline"`
}
