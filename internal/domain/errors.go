package domain

import "errors"

var (
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrUnknownAction         = errors.New("unknown action")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrConcurrentTransaction = errors.New("connector already has an open transaction")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrChargerNotFound       = errors.New("charger not found")
	ErrNotConnected          = errors.New("charger not connected")
	ErrCommandTimeout        = errors.New("command timed out")
	ErrConnectionLost        = errors.New("connection lost")
	ErrConnectionReplaced    = errors.New("connection replaced by a newer session")
	ErrPersistence           = errors.New("persistence failure")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrInvalidConfig         = errors.New("invalid charger configuration")
	ErrInvalidCommand        = errors.New("invalid command")
)
