package v16

import "time"

// Action names of the supported OCPP 1.6 subset.
type Action string

const (
	ActionBootNotification      Action = "BootNotification"
	ActionHeartbeat             Action = "Heartbeat"
	ActionStatusNotification    Action = "StatusNotification"
	ActionAuthorize             Action = "Authorize"
	ActionStartTransaction      Action = "StartTransaction"
	ActionStopTransaction       Action = "StopTransaction"
	ActionMeterValues           Action = "MeterValues"
	ActionRemoteStopTransaction Action = "RemoteStopTransaction"
	ActionReset                 Action = "Reset"
)

type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// --- Charger-initiated ---

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel        string `json:"chargePointModel" validate:"required,max=20"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty" validate:"max=25"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty" validate:"max=25"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty" validate:"max=50"`
	Iccid                   string `json:"iccid,omitempty" validate:"max=20"`
	Imsi                    string `json:"imsi,omitempty" validate:"max=20"`
	MeterType               string `json:"meterType,omitempty" validate:"max=25"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty" validate:"max=25"`
}

type BootNotificationResponse struct {
	Status      RegistrationStatus `json:"status"`
	CurrentTime time.Time          `json:"currentTime"`
	Interval    int                `json:"interval"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

type StatusNotificationRequest struct {
	ConnectorId     int        `json:"connectorId" validate:"gte=0"`
	ErrorCode       string     `json:"errorCode" validate:"required"`
	Info            string     `json:"info,omitempty" validate:"max=50"`
	Status          string     `json:"status" validate:"required,oneof=Available Preparing Charging SuspendedEVSE SuspendedEV Finishing Reserved Unavailable Faulted"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	VendorId        string     `json:"vendorId,omitempty" validate:"max=255"`
	VendorErrorCode string     `json:"vendorErrorCode,omitempty" validate:"max=50"`
}

type StatusNotificationResponse struct{}

type IdTagInfo struct {
	Status      string     `json:"status" validate:"required,oneof=Accepted Blocked Expired Invalid ConcurrentTx"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ParentIdTag string     `json:"parentIdTag,omitempty" validate:"max=20"`
}

type AuthorizeRequest struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StartTransactionRequest struct {
	ConnectorId   int       `json:"connectorId" validate:"gt=0"`
	IdTag         string    `json:"idTag" validate:"required,max=20"`
	MeterStart    int       `json:"meterStart"`
	ReservationId *int      `json:"reservationId,omitempty"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
}

type StartTransactionResponse struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionId int       `json:"transactionId"`
}

type StopTransactionRequest struct {
	IdTag           string       `json:"idTag,omitempty" validate:"max=20"`
	MeterStop       int          `json:"meterStop"`
	Timestamp       time.Time    `json:"timestamp" validate:"required"`
	TransactionId   int          `json:"transactionId"`
	Reason          string       `json:"reason,omitempty" validate:"omitempty,oneof=EmergencyStop EVDisconnected HardReset Local Other PowerLoss Reboot Remote SoftReset UnlockCommand DeAuthorized"`
	TransactionData []MeterValue `json:"transactionData,omitempty" validate:"dive"`
}

type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type MeterValuesRequest struct {
	ConnectorId   int          `json:"connectorId" validate:"gte=0"`
	TransactionId *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue" validate:"required,min=1,dive"`
}

type MeterValuesResponse struct{}

type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp" validate:"required"`
	SampledValue []SampledValue `json:"sampledValue" validate:"required,min=1,dive"`
}

type SampledValue struct {
	Value     string `json:"value" validate:"required"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

// --- Central-system-initiated ---

type RemoteStopTransactionRequest struct {
	TransactionId int `json:"transactionId"`
}

type RemoteStopTransactionResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

type ResetType string

const (
	ResetHard ResetType = "Hard"
	ResetSoft ResetType = "Soft"
)

type ResetRequest struct {
	Type ResetType `json:"type" validate:"required,oneof=Hard Soft"`
}

type ResetResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}
