package port_reader

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FrameReader reads hex encoded frames, one per line, from a serial
// receiver or any other line source.
type FrameReader struct {
	source     string
	open       func() (io.ReadCloser, error)
	stopOnEOF  bool
	logger     zerolog.Logger
	maxErrors  int
	retryDelay time.Duration

	statsMutex sync.RWMutex
	stats      Stats
	latest     []byte
}

// Stats counts what the reader has seen since it was created.
type Stats struct {
	Lines       uint64    `json:"lines"`
	Frames      uint64    `json:"frames"`
	Invalid     uint64    `json:"invalid"`
	Reconnects  uint64    `json:"reconnects"`
	LastFrameAt time.Time `json:"last_frame_at"`
}

type Option func(*FrameReader)
