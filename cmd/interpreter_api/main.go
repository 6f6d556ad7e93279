// Interpreter API is responsible for reading wM-Bus frames from the serial
// receiver, decoding them and broadcasting the meter readings.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NotCoffee418/wmbus_parser/pkg/config"
	"github.com/NotCoffee418/wmbus_parser/pkg/driver"
	"github.com/NotCoffee418/wmbus_parser/pkg/frame"
	"github.com/NotCoffee418/wmbus_parser/pkg/interpreter"
	"github.com/NotCoffee418/wmbus_parser/pkg/logging"
	"github.com/NotCoffee418/wmbus_parser/pkg/meter"
	"github.com/NotCoffee418/wmbus_parser/pkg/parser"
	"github.com/NotCoffee418/wmbus_parser/pkg/pathing"
	"github.com/NotCoffee418/wmbus_parser/pkg/port_reader"
	"github.com/NotCoffee418/wmbus_parser/pkg/telemetry"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

type meterStatus struct {
	types.Snapshot
	AgeSeconds float64 `json:"age_seconds"`
	Stale      bool    `json:"stale"`
}

func main() {
	if err := pathing.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create directories")
	}

	// Load config
	if err := config.LoadInterpreterAPIConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load interpreter API config")
	}
	cfg := config.ActiveInterpreterAPIConfig
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid interpreter API config")
	}

	logger, flush, err := logging.Setup(cfg.Logging, "interpreter_api")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer flush()
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Interpreter API stopped")
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.InterpreterAPIConfig, logger zerolog.Logger) error {
	collector, err := telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	format, err := frame.ParseFormat(cfg.FrameFormat)
	if err != nil {
		return err
	}
	registry := driver.Default()
	p := parser.New(
		parser.WithLogger(logger.With().Str("component", "parser").Logger()),
		parser.WithRegistry(registry),
		parser.WithTelemetry(collector),
		parser.WithFormat(format),
	)

	meters, err := cfg.MeterConfigs(registry, func(id string) meter.NumberSink {
		return meter.NumberSinkFunc(func(total float64) {
			logger.Debug().Str("meter", id).Float64("total_m3", total).Msg("Total volume published")
		})
	})
	if err != nil {
		return fmt.Errorf("meters: %w", err)
	}
	if err := p.LoadMeters(meters); err != nil {
		return fmt.Errorf("meters: %w", err)
	}
	if len(meters) == 0 {
		logger.Warn().Msg("No meters configured, all frames will be dropped")
	}

	hub := interpreter.NewHub(logger.With().Str("component", "hub").Logger())
	p.Subscribe(hub.Listener())

	// Start the receiver and feed every frame to the parser
	reader := port_reader.NewSerialReader(
		cfg.SerialDevice,
		cfg.Baudrate,
		port_reader.WithLogger(logger.With().Str("component", "port_reader").Logger()),
	)
	readerDone := make(chan error, 1)
	reader.StartReading(ctx,
		func(raw []byte) {
			// Errors are logged and reported by the parser
			p.Ingest(raw)
		},
		func(err error) {
			readerDone <- err
		},
	)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.ListenPort)),
		Handler:           routes(p, hub, reader, cfg.StaleAfter.Duration),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverDone := make(chan error, 1)
	go func() {
		logger.Info().Str("address", server.Addr).Int("meters", len(meters)).Msg("Interpreter API listening")
		serverDone <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-readerDone:
		runErr = fmt.Errorf("serial reader: %w", err)
	case err := <-serverDone:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown")
	}
	return runErr
}

func routes(p *parser.Parser, hub *interpreter.Hub, reader *port_reader.FrameReader, staleAfter time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "wM-Bus Interpreter API",
			"status":  "running",
			"clients": hub.ClientCount(),
			"reader":  reader.Stats(),
		})
	})

	mux.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("meter"); id != "" {
			n, ok := hub.Latest(id)
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "No readings available yet"})
				return
			}
			writeJSON(w, http.StatusOK, n)
			return
		}
		all := hub.LatestAll()
		if len(all) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "No readings available yet"})
			return
		}
		writeJSON(w, http.StatusOK, all)
	})

	mux.HandleFunc("/meters", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		var out []meterStatus
		for _, m := range p.Meters() {
			status := meterStatus{Snapshot: m.Snapshot(), Stale: m.Stale(now, staleAfter)}
			if age := m.Age(now); age >= 0 {
				status.AgeSeconds = age.Seconds()
			} else {
				status.AgeSeconds = -1
			}
			out = append(out, status)
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", hub)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Write response")
	}
}
