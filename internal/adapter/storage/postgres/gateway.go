package postgres

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// Gateway is the PostgreSQL implementation of ports.PersistenceGateway.
type Gateway struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewGateway(db *gorm.DB, log *zap.Logger) ports.PersistenceGateway {
	return &Gateway{
		db:  db,
		log: log,
	}
}

func (g *Gateway) UpsertCharger(ctx context.Context, c *domain.Charger) error {
	m, err := toChargerModel(c)
	if err != nil {
		return fmt.Errorf("encode charger %s: %w", c.ID, err)
	}
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(m)
	if result.Error != nil {
		g.log.Error("Failed to save charger", zap.String("charge_point_id", c.ID), zap.Error(result.Error))
		return classify(result.Error)
	}
	return nil
}

func (g *Gateway) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return classify(g.db.WithContext(ctx).Create(toTransactionModel(tx)).Error)
}

func (g *Gateway) CloseTransaction(ctx context.Context, tx *domain.Transaction) error {
	return classify(g.db.WithContext(ctx).Save(toTransactionModel(tx)).Error)
}

func (g *Gateway) InsertMeterReading(ctx context.Context, r *domain.MeterReading) error {
	return classify(g.db.WithContext(ctx).Create(toMeterReadingModel(r)).Error)
}

func (g *Gateway) QueryAuthorization(ctx context.Context, idTag string) (domain.AllowListResult, error) {
	var m authorizationModel
	err := g.db.WithContext(ctx).First(&m, "id_tag = ?", idTag).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AllowListAbsent, nil
		}
		return domain.AllowListAbsent, classify(err)
	}
	if m.Allowed {
		return domain.AllowListAllowed, nil
	}
	return domain.AllowListDisallowed, nil
}

func (g *Gateway) ListChargers(ctx context.Context) ([]domain.Charger, error) {
	var models []chargerModel
	if err := g.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Charger, 0, len(models))
	for i := range models {
		c, err := models[i].toDomain()
		if errors.Is(err, domain.ErrInvalidConfig) {
			g.log.Warn("Discarding invalid charger configuration", zap.String("charge_point_id", c.ID), zap.Error(err))
		} else if err != nil {
			g.log.Warn("Skipping undecodable charger", zap.String("charge_point_id", models[i].ID), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *Gateway) ListOpenTransactions(ctx context.Context) ([]domain.Transaction, error) {
	var models []transactionModel
	err := g.db.WithContext(ctx).
		Where("status = ?", string(domain.TransactionStatusOpen)).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Transaction, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

func (g *Gateway) FindTransaction(ctx context.Context, id int) (*domain.Transaction, error) {
	var m transactionModel
	err := g.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, classify(err)
	}
	tx := m.toDomain()
	return &tx, nil
}

func (g *Gateway) MaxTransactionID(ctx context.Context) (int, error) {
	var highest int
	err := g.db.WithContext(ctx).
		Model(&transactionModel{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&highest).Error
	return highest, classify(err)
}

func (g *Gateway) ListMeterReadings(ctx context.Context, transactionID int) ([]domain.MeterReading, error) {
	var models []meterReadingModel
	err := g.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("timestamp, id").
		Find(&models).Error
	if err != nil {
		return nil, classify(err)
	}
	out := make([]domain.MeterReading, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
