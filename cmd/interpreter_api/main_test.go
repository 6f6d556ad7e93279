package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/wmbus_parser/pkg/frame"
	"github.com/NotCoffee418/wmbus_parser/pkg/interpreter"
	"github.com/NotCoffee418/wmbus_parser/pkg/mbus"
	"github.com/NotCoffee418/wmbus_parser/pkg/meter"
	"github.com/NotCoffee418/wmbus_parser/pkg/parser"
	"github.com/NotCoffee418/wmbus_parser/pkg/port_reader"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

func volumeFrame(t *testing.T, id string, raw int64) []byte {
	t.Helper()
	enc := mbus.NewEncoder().Filler(2).Int(mbus.Field{Coding: mbus.CodingInt32, VIF: 0x13}, raw)
	require.NoError(t, enc.Err())
	out, err := frame.Encode(frame.FormatA, frame.Header{
		Control: 0x44, Manufacturer: "ACM", ID: id, Version: 0x01, DeviceType: 0x07,
	}, append(frame.ShortTPL(0x10, 0x00, 0x0000), enc.Bytes()...))
	require.NoError(t, err)
	return out
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	p := parser.New()
	require.NoError(t, p.LoadMeters([]meter.Config{
		{ID: "water", MeterID: "12345678", Driver: "acme-water"},
		{ID: "garden", MeterID: "12345679", Driver: "acme-water"},
	}))
	hub := interpreter.NewHub(zerolog.Nop())
	p.Subscribe(hub.Listener())
	reader := port_reader.NewStreamReader("test", strings.NewReader(""))
	h := routes(p, hub, reader, time.Hour)

	rec := get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/nope").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/latest").Code)

	_, err := p.Ingest(volumeFrame(t, "12345678", 1234))
	require.NoError(t, err)

	rec = get(t, h, "/latest?meter=water")
	require.Equal(t, http.StatusOK, rec.Code)
	var n types.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "water", n.Snapshot.ID)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/latest?meter=garden").Code)

	rec = get(t, h, "/meters")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []meterStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, "water", statuses[0].ID)
	assert.False(t, statuses[0].Stale)
	assert.GreaterOrEqual(t, statuses[0].AgeSeconds, 0.0)
	assert.Equal(t, "garden", statuses[1].ID)
	assert.True(t, statuses[1].Stale)
	assert.Equal(t, -1.0, statuses[1].AgeSeconds)

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
