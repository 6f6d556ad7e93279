// wmbus_decode decodes wM-Bus frames given as hex, either as arguments or
// one per line on stdin, and prints the resulting readings.
//
//	wmbus_decode -meter-id 12345678 -driver acme-water 2E44...
//	rtl_wmbus | wmbus_decode -config /etc/wmbus_parser/interpreter_api.toml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/NotCoffee418/wmbus_parser/pkg/config"
	"github.com/NotCoffee418/wmbus_parser/pkg/driver"
	"github.com/NotCoffee418/wmbus_parser/pkg/frame"
	"github.com/NotCoffee418/wmbus_parser/pkg/meter"
	"github.com/NotCoffee418/wmbus_parser/pkg/parser"
	"github.com/NotCoffee418/wmbus_parser/pkg/port_reader"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

const (
	exitSuccess      = 0
	exitFrameErrors  = 1
	exitCommandError = 2
)

type options struct {
	ConfigPath string
	MeterID    string
	Driver     string
	Key        string
	Format     string // json, yaml, text
	// Empty uses the config file value or auto detection.
	FrameFormat string
	Verbose     bool
	Frames      []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("wmbus_decode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.ConfigPath, "config", "", "interpreter API config file with the meters")
	fs.StringVar(&opts.MeterID, "meter-id", "", "meter id (8 hex digits); empty decodes every address")
	fs.StringVar(&opts.Driver, "driver", "", "driver for -meter-id or for unconfigured addresses")
	fs.StringVar(&opts.Key, "key", "", "AES-128 key (32 hex digits)")
	fs.StringVar(&opts.Format, "format", "json", "output format: json, yaml or text")
	fs.StringVar(&opts.FrameFormat, "frame-format", "", "link layer framing: auto, a, b or none")
	fs.BoolVar(&opts.Verbose, "v", false, "log parser details to stderr")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.Frames = fs.Args()

	switch opts.Format {
	case "json", "yaml", "text":
	default:
		return opts, fmt.Errorf("unknown format %q", opts.Format)
	}
	if opts.ConfigPath == "" && opts.Driver == "" {
		return opts, errors.New("either -config or -driver is required")
	}
	if opts.MeterID != "" && opts.Driver == "" {
		return opts, errors.New("-meter-id requires -driver")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return exitCommandError
	}

	logger := zerolog.Nop()
	if opts.Verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, NoColor: true}).With().Timestamp().Logger()
	}

	registry := driver.Default()
	var cfg *config.InterpreterAPIConfig
	if opts.ConfigPath != "" {
		if cfg, err = config.LoadInterpreterAPIConfigFrom(opts.ConfigPath); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitCommandError
		}
		if opts.FrameFormat == "" {
			opts.FrameFormat = cfg.FrameFormat
		}
	}
	format, err := frame.ParseFormat(opts.FrameFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCommandError
	}
	decoder := frame.Decoder{Format: format}

	p := parser.New(parser.WithLogger(logger), parser.WithRegistry(registry), parser.WithFormat(format))
	if err := loadMeters(p, registry, cfg, opts); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCommandError
	}

	out := &printer{w: stdout, format: opts.Format}
	p.Subscribe(parser.Listener{
		OnReading:    func(n types.Notification) { out.print(n) },
		OnDiagnostic: func(d types.Diagnostic) { out.print(d) },
	})

	failed := 0
	handle := func(raw []byte) {
		// Every address is decoded with -driver when no meter id is fixed
		if opts.Driver != "" && opts.MeterID == "" {
			autoAdd(p, decoder, raw, opts)
		}
		if _, err := p.Ingest(raw); err != nil {
			failed++
		}
	}

	if len(opts.Frames) > 0 {
		for _, arg := range opts.Frames {
			raw, err := port_reader.ParseLine(arg)
			if errors.Is(err, port_reader.ErrEmptyLine) {
				continue
			}
			if err != nil {
				out.print(types.Diagnostic{Stage: string(parser.StageReceived), Error: err.Error()})
				failed++
				continue
			}
			handle(raw)
		}
	} else {
		reader := port_reader.NewStreamReader("stdin", stdin, port_reader.WithLogger(logger))
		if err := reader.Run(ctx, handle); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitCommandError
		}
		failed += int(reader.Stats().Invalid)
	}

	if out.err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", out.err)
		return exitCommandError
	}
	if failed > 0 {
		return exitFrameErrors
	}
	return exitSuccess
}

func loadMeters(p *parser.Parser, registry *driver.Registry, cfg *config.InterpreterAPIConfig, opts options) error {
	if cfg != nil {
		meters, err := cfg.MeterConfigs(registry, nil)
		if err != nil {
			return err
		}
		if err := p.LoadMeters(meters); err != nil {
			return err
		}
	}
	if opts.MeterID == "" {
		return nil
	}
	key, err := meter.ParseKey(opts.Key)
	if err != nil {
		return err
	}
	_, err = p.AddMeter(meter.Config{ID: strings.ToUpper(opts.MeterID), MeterID: opts.MeterID, Driver: opts.Driver, Key: key})
	return err
}

// autoAdd tracks the sender of raw under its own address.
func autoAdd(p *parser.Parser, decoder frame.Decoder, raw []byte, opts options) {
	f, err := decoder.Decode(raw)
	if err != nil {
		return
	}
	id := f.MeterID()
	for _, m := range p.Meters() {
		if m.MeterID() == id {
			return
		}
	}
	key, _ := meter.ParseKey(opts.Key)
	// A failure here is reported again by Ingest
	p.AddMeter(meter.Config{ID: id, MeterID: id, Driver: opts.Driver, Key: key})
}

type printer struct {
	w      io.Writer
	format string
	err    error
}

func (pr *printer) print(v any) {
	if pr.err != nil {
		return
	}
	switch pr.format {
	case "yaml":
		pr.err = writeYAML(pr.w, v)
	case "text":
		pr.err = writeText(pr.w, v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			pr.err = err
			return
		}
		_, pr.err = fmt.Fprintln(pr.w, string(data))
	}
}

// writeYAML renders v with the keys of its JSON form.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "---\n"); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func writeText(w io.Writer, v any) error {
	switch v := v.(type) {
	case types.Notification:
		s := v.Snapshot
		if _, err := fmt.Fprintf(w, "%s (%s, %s) at %s\n", s.ID, s.MeterID, s.Driver, v.Timestamp.Format("2006-01-02T15:04:05Z07:00")); err != nil {
			return err
		}
		names := make([]string, 0, len(s.Records))
		for name := range s.Records {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			rec := s.Records[name]
			if _, err := fmt.Fprintf(w, "  %-28s %s %s\n", name, rec.String(), rec.Unit); err != nil {
				return err
			}
		}
		for _, warning := range v.Warnings {
			if _, err := fmt.Fprintf(w, "  warning: %s\n", warning); err != nil {
				return err
			}
		}
		if v.Anomaly {
			_, err := fmt.Fprintf(w, "  rolled back: %s\n", strings.Join(v.RolledBack, ", "))
			return err
		}
		return nil
	case types.Diagnostic:
		_, err := fmt.Fprintf(w, "error at %s: %s %s\n", v.Stage, v.MeterID, v.Error)
		return err
	default:
		_, err := fmt.Fprintln(w, v)
		return err
	}
}
