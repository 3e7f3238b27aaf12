package timeseries

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

const measurement = "meter_reading"

type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// InfluxSink copies meter readings into an InfluxDB v2 bucket. Writes are
// batched and asynchronous; write errors are logged.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
	log      *zap.Logger
}

// NewInfluxSink initializes the client and verifies connectivity.
func NewInfluxSink(cfg InfluxConfig, log *zap.Logger) (*InfluxSink, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		done:     make(chan struct{}),
		log:      log,
	}
	go s.watchErrors()

	log.Info("Successfully connected to InfluxDB",
		zap.String("org", cfg.Org),
		zap.String("bucket", cfg.Bucket),
	)
	return s, nil
}

func (s *InfluxSink) watchErrors() {
	errs := s.writeAPI.Errors()
	for {
		select {
		case err := <-errs:
			s.log.Warn("InfluxDB write failed", zap.Error(err))
		case <-s.done:
			return
		}
	}
}

func (s *InfluxSink) WriteReading(r domain.MeterReading) {
	s.writeAPI.WritePoint(readingPoint(r))
}

// Close flushes pending points and releases the client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	close(s.done)
	s.client.Close()
}

func readingPoint(r domain.MeterReading) *write.Point {
	tags := map[string]string{
		"charger_id":   r.ChargerID,
		"connector_id": strconv.Itoa(r.ConnectorID),
		"measurand":    r.Measurand,
	}
	if r.Unit != "" {
		tags["unit"] = r.Unit
	}
	fields := map[string]interface{}{
		"value": r.Value,
	}
	if r.TransactionID != nil {
		fields["transaction_id"] = int64(*r.TransactionID)
	}
	return write.NewPoint(measurement, tags, fields, r.Timestamp)
}
