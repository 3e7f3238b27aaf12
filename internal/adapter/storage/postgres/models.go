package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

type chargerModel struct {
	ID                    string `gorm:"primaryKey;size:64"`
	Path                  string
	Vendor                string `gorm:"size:20"`
	Model                 string `gorm:"size:20"`
	SerialNumber          string `gorm:"size:25"`
	FirmwareVersion       string `gorm:"size:50"`
	Config                datatypes.JSON
	AuthorizationRequired bool
	State                 string `gorm:"size:16;index"`
	LastHeartbeat         *time.Time
	MeterSnapshot         datatypes.JSON
	Latitude              *float64
	Longitude             *float64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (chargerModel) TableName() string { return "chargers" }

type transactionModel struct {
	ID              int    `gorm:"primaryKey;autoIncrement:false"`
	ChargerID       string `gorm:"size:64;index"`
	ConnectorID     int
	IDTag           string `gorm:"column:id_tag;size:20"`
	MeterStart      int
	StartedAt       time.Time
	MeterStop       *int
	StoppedAt       *time.Time
	Status          string `gorm:"size:8;index"`
	StopReason      string `gorm:"size:32"`
	EnergyDelivered int
}

func (transactionModel) TableName() string { return "transactions" }

type meterReadingModel struct {
	ID            uint   `gorm:"primaryKey"`
	TransactionID *int   `gorm:"index"`
	ChargerID     string `gorm:"size:64;index"`
	ConnectorID   int
	Timestamp     time.Time `gorm:"index"`
	Measurand     string    `gorm:"size:64"`
	Value         float64
	Unit          string `gorm:"size:16"`
}

func (meterReadingModel) TableName() string { return "meter_readings" }

type authorizationModel struct {
	IDTag     string `gorm:"column:id_tag;primaryKey;size:20"`
	Allowed   bool
	UpdatedAt time.Time
}

func (authorizationModel) TableName() string { return "authorizations" }

func toChargerModel(c *domain.Charger) (*chargerModel, error) {
	if err := c.Config.Validate(); err != nil {
		return nil, err
	}
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return nil, err
	}
	snap, err := json.Marshal(c.MeterSnapshot)
	if err != nil {
		return nil, err
	}
	m := &chargerModel{
		ID:                    c.ID,
		Path:                  c.Path,
		Vendor:                c.Vendor,
		Model:                 c.Model,
		SerialNumber:          c.SerialNumber,
		FirmwareVersion:       c.FirmwareVersion,
		Config:                datatypes.JSON(cfg),
		AuthorizationRequired: c.AuthorizationRequired,
		State:                 string(c.State),
		MeterSnapshot:         datatypes.JSON(snap),
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
	if !c.LastHeartbeat.IsZero() {
		hb := c.LastHeartbeat
		m.LastHeartbeat = &hb
	}
	if c.Location != nil {
		lat, lon := c.Location.Latitude, c.Location.Longitude
		m.Latitude, m.Longitude = &lat, &lon
	}
	return m, nil
}

// toDomain decodes a stored charger. A configuration that does not decode or
// validate is dropped and reported as domain.ErrInvalidConfig alongside the
// otherwise complete charger.
func (m *chargerModel) toDomain() (domain.Charger, error) {
	c := domain.Charger{
		ID:                    m.ID,
		Path:                  m.Path,
		Vendor:                m.Vendor,
		Model:                 m.Model,
		SerialNumber:          m.SerialNumber,
		FirmwareVersion:       m.FirmwareVersion,
		Config:                domain.ChargerConfig{},
		AuthorizationRequired: m.AuthorizationRequired,
		State:                 domain.ChargerState(m.State),
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
	var cfgErr error
	if len(m.Config) > 0 {
		cfgErr = decodeConfig(m.Config, &c.Config)
	}
	if len(m.MeterSnapshot) > 0 {
		if err := json.Unmarshal(m.MeterSnapshot, &c.MeterSnapshot); err != nil {
			return c, err
		}
	}
	if m.LastHeartbeat != nil {
		c.LastHeartbeat = *m.LastHeartbeat
	}
	if m.Latitude != nil && m.Longitude != nil {
		c.Location = &domain.Coordinates{Latitude: *m.Latitude, Longitude: *m.Longitude}
	}
	return c, cfgErr
}

func decodeConfig(raw []byte, out *domain.ChargerConfig) error {
	var cfg domain.ChargerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		*out = domain.ChargerConfig{}
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		*out = domain.ChargerConfig{}
		return err
	}
	if cfg == nil {
		cfg = domain.ChargerConfig{}
	}
	*out = cfg
	return nil
}

func toTransactionModel(tx *domain.Transaction) *transactionModel {
	return &transactionModel{
		ID:              tx.ID,
		ChargerID:       tx.ChargerID,
		ConnectorID:     tx.ConnectorID,
		IDTag:           tx.IDTag,
		MeterStart:      tx.MeterStart,
		StartedAt:       tx.StartedAt,
		MeterStop:       tx.MeterStop,
		StoppedAt:       tx.StoppedAt,
		Status:          string(tx.Status),
		StopReason:      tx.StopReason,
		EnergyDelivered: tx.EnergyDelivered,
	}
}

func (m *transactionModel) toDomain() domain.Transaction {
	return domain.Transaction{
		ID:              m.ID,
		ChargerID:       m.ChargerID,
		ConnectorID:     m.ConnectorID,
		IDTag:           m.IDTag,
		MeterStart:      m.MeterStart,
		StartedAt:       m.StartedAt,
		MeterStop:       m.MeterStop,
		StoppedAt:       m.StoppedAt,
		Status:          domain.TransactionStatus(m.Status),
		StopReason:      m.StopReason,
		EnergyDelivered: m.EnergyDelivered,
	}
}

func toMeterReadingModel(r *domain.MeterReading) *meterReadingModel {
	return &meterReadingModel{
		TransactionID: r.TransactionID,
		ChargerID:     r.ChargerID,
		ConnectorID:   r.ConnectorID,
		Timestamp:     r.Timestamp,
		Measurand:     r.Measurand,
		Value:         r.Value,
		Unit:          r.Unit,
	}
}

func (m *meterReadingModel) toDomain() domain.MeterReading {
	return domain.MeterReading{
		TransactionID: m.TransactionID,
		ChargerID:     m.ChargerID,
		ConnectorID:   m.ConnectorID,
		Timestamp:     m.Timestamp,
		Measurand:     m.Measurand,
		Value:         m.Value,
		Unit:          m.Unit,
	}
}
