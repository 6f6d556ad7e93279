package port_reader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyLine   = errors.New("empty line")
	ErrInvalidLine = errors.New("line is not a hex frame")
)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *FrameReader) { r.logger = logger }
}

// WithMaxErrors sets how many consecutive open or read errors stop the
// reader.
func WithMaxErrors(n int) Option {
	return func(r *FrameReader) { r.maxErrors = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(r *FrameReader) { r.retryDelay = d }
}

// NewSerialReader reads frames from a receiver on a serial port.
func NewSerialReader(port string, baudrate uint, opts ...Option) *FrameReader {
	open := func() (io.ReadCloser, error) {
		options := serial.OpenOptions{
			PortName:        port,
			BaudRate:        baudrate,
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
		}
		return serial.Open(options)
	}
	return newFrameReader(port, open, false, opts)
}

// NewStreamReader reads frames from src until it is exhausted.
func NewStreamReader(name string, src io.Reader, opts ...Option) *FrameReader {
	open := func() (io.ReadCloser, error) {
		return io.NopCloser(src), nil
	}
	return newFrameReader(name, open, true, opts)
}

func newFrameReader(source string, open func() (io.ReadCloser, error), stopOnEOF bool, opts []Option) *FrameReader {
	r := &FrameReader{
		source:     source,
		open:       open,
		stopOnEOF:  stopOnEOF,
		logger:     zerolog.Nop(),
		maxErrors:  10,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartReading runs Run in a goroutine. handleError receives the error that
// stopped the reader.
func (r *FrameReader) StartReading(ctx context.Context, handleFrame func(frame []byte), handleError func(error)) {
	go func() {
		if err := r.Run(ctx, handleFrame); err != nil {
			handleError(err)
		}
	}()
}

// Run reads frames until ctx is done, the stream ends or too many
// consecutive errors occur. handleFrame is called synchronously for every
// frame in the order received.
func (r *FrameReader) Run(ctx context.Context, handleFrame func(frame []byte)) error {
	consecutiveErrors := 0
	var lastError error

	for consecutiveErrors < r.maxErrors {
		if ctx.Err() != nil {
			return nil
		}
		if consecutiveErrors > 0 {
			r.statsMutex.Lock()
			r.stats.Reconnects++
			r.statsMutex.Unlock()
		}

		err := r.session(ctx, handleFrame, &consecutiveErrors)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		consecutiveErrors++
		lastError = err
		r.logger.Warn().Err(err).
			Str("source", r.source).
			Int("attempt", consecutiveErrors).
			Int("max_errors", r.maxErrors).
			Msg("frame source failed")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retryDelay):
		}
	}

	r.logger.Error().Err(lastError).Str("source", r.source).Msg("too many consecutive errors, stopping reader")
	return fmt.Errorf("%s: too many consecutive errors: %w", r.source, lastError)
}

// session reads from one opened source. It returns nil when the stream
// ended and the reader should stop.
func (r *FrameReader) session(ctx context.Context, handleFrame func([]byte), consecutiveErrors *int) error {
	port, err := r.open()
	if err != nil {
		return fmt.Errorf("open %s: %w", r.source, err)
	}
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()
	r.logger.Info().Str("source", r.source).Msg("reading frames")

	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if frame := r.handleLine(line); frame != nil {
				*consecutiveErrors = 0
				handleFrame(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && r.stopOnEOF {
				return nil
			}
			return err
		}
	}
}

func (r *FrameReader) handleLine(line string) []byte {
	frame, err := ParseLine(line)

	r.statsMutex.Lock()
	defer r.statsMutex.Unlock()
	r.stats.Lines++
	switch {
	case errors.Is(err, ErrEmptyLine):
		return nil
	case err != nil:
		r.stats.Invalid++
		r.logger.Debug().Err(err).Str("line", strings.TrimSpace(line)).Msg("skipping line")
		return nil
	}
	r.stats.Frames++
	r.stats.LastFrameAt = time.Now()
	r.latest = frame
	return frame
}

func (r *FrameReader) Stats() Stats {
	r.statsMutex.RLock()
	defer r.statsMutex.RUnlock()
	return r.stats
}

// LatestFrame returns a copy of the last frame read.
func (r *FrameReader) LatestFrame() []byte {
	r.statsMutex.RLock()
	defer r.statsMutex.RUnlock()
	return bytes.Clone(r.latest)
}

// ParseLine extracts the frame from one receiver output line. It accepts
// plain hex, hex with spaces or colons, an optional 0x prefix and the
// semicolon separated output of rtl-wmbus where the frame is the last
// field. Lines starting with # are comments.
func ParseLine(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, ErrEmptyLine
	}
	if i := strings.LastIndexByte(line, ';'); i >= 0 {
		line = strings.TrimSpace(line[i+1:])
	}
	line = strings.TrimPrefix(strings.TrimPrefix(line, "0x"), "0X")
	line = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: no data", ErrInvalidLine)
	}
	frame, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLine, err)
	}
	return frame, nil
}
