package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/simulator"
)

var (
	serverURL       = flag.String("server", "ws://localhost:9000/ocpp", "OCPP server WebSocket URL")
	chargePointID   = flag.String("id", "CP001", "Charge Point ID")
	count           = flag.Int("count", 1, "Number of chargers to simulate (ids get a -N suffix when > 1)")
	vendor          = flag.String("vendor", "SIGEC", "Charge Point Vendor")
	model           = flag.String("model", "SimulatorV1", "Charge Point Model")
	serial          = flag.String("serial", "SIM001", "Serial Number")
	firmware        = flag.String("firmware", "1.0.0", "Firmware Version")
	connector       = flag.Int("connector", 1, "Connector used for the session")
	idTag           = flag.String("idtag", "", "Token to start a session with (empty: boot and heartbeat only)")
	meterInterval   = flag.Duration("meter-interval", 10*time.Second, "Interval between meter samples")
	sessionDuration = flag.Duration("session", time.Minute, "Session length (0: until stopped remotely)")
	energyPerSample = flag.Int("energy", 250, "Wh added per meter sample")
	verbose         = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 1; i <= *count; i++ {
		id := *chargePointID
		if *count > 1 {
			id = fmt.Sprintf("%s-%d", *chargePointID, i)
		}
		sim := simulator.New(simulator.Config{
			ServerURL:       *serverURL,
			ChargerID:       id,
			Vendor:          *vendor,
			Model:           *model,
			SerialNumber:    *serial,
			FirmwareVersion: *firmware,
			ConnectorID:     *connector,
			IDTag:           *idTag,
			MeterInterval:   *meterInterval,
			SessionDuration: *sessionDuration,
			EnergyPerSample: *energyPerSample,
		}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sim.Run(ctx); err != nil {
				logger.Error("Simulator stopped", zap.String("charge_point_id", id), zap.Error(err))
			}
		}()
	}

	logger.Info("OCPP 1.6 charge point simulator started",
		zap.String("server", *serverURL),
		zap.Int("chargers", *count),
	)
	wg.Wait()
	logger.Info("Simulator exited")
}
