// Responsible for storing the readings published by the interpreter API.
// Depends on the interpreter API being online.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NotCoffee418/wmbus_parser/pkg/aggregator"
	"github.com/NotCoffee418/wmbus_parser/pkg/config"
	"github.com/NotCoffee418/wmbus_parser/pkg/interpreter"
	"github.com/NotCoffee418/wmbus_parser/pkg/logging"
	"github.com/NotCoffee418/wmbus_parser/pkg/meterdb"
	"github.com/NotCoffee418/wmbus_parser/pkg/pathing"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

func main() {
	if err := pathing.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create directories")
	}
	if err := config.LoadMeterCollectorConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load meter collector config")
	}
	cfg := config.ActiveMeterCollectorConfig

	logger, flush, err := logging.Setup(cfg.Logging, "meter_collector")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer flush()
	log.Logger = logger

	// Initialize database
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = pathing.GetMeterDbPath()
	}
	if err := meterdb.InitializeDatabase(dbPath); err != nil {
		logger.Error().Err(err).Str("path", dbPath).Msg("Failed to initialize database")
		flush()
		os.Exit(1)
	}
	defer meterdb.CloseDatabase()
	db := meterdb.GetDB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runAggregator(ctx, db, cfg.RetentionDays, logger)

	// Subscribe to websocket with revive
	interpreter.StartListener(ctx, interpreter.ListenerConfig{
		Host:       cfg.InterpreterAPIHost,
		TLSEnabled: cfg.TLSEnabled,
		Logger:     logger.With().Str("component", "listener").Logger(),
	}, func(n *types.Notification) {
		handleReading(db, logger, n)
	})
}

// Handle meter reading data
func handleReading(db *sql.DB, logger zerolog.Logger, n *types.Notification) {
	inserted, err := meterdb.InsertReading(db, n)
	if err != nil {
		logger.Error().Err(err).Str("event_id", n.EventID).Str("meter", n.Snapshot.ID).Msg("Failed to store reading")
		return
	}
	logger.Debug().
		Str("event_id", n.EventID).
		Str("meter", n.Snapshot.ID).
		Bool("inserted", inserted).
		Bool("anomaly", n.Anomaly).
		Msg("Reading received")
}

// runAggregator aggregates shortly after every full hour.
func runAggregator(ctx context.Context, db *sql.DB, retentionDays int, logger zerolog.Logger) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Hour).Add(time.Hour + time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := aggregator.AggregateAndCleanup(db, time.Now(), retentionDays); err != nil {
			logger.Error().Err(err).Msg("Aggregation failed")
		}
	}
}
