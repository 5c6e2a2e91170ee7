package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devbis/template-water-heater/internal/config"
	"github.com/devbis/template-water-heater/internal/ha"
	"github.com/devbis/template-water-heater/internal/waterheater"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopPublisher struct{}

func (nopPublisher) PublishState(waterheater.Snapshot) error { return nil }

func testServer(t *testing.T) *Server {
	t.Helper()

	mock := ha.NewMockClient()
	mock.SetState("switch.water_heater", "on", nil)
	mock.SetState("sensor.water_temperature", "55.5", nil)

	heater := waterheater.New(config.WaterHeaterConfig{
		Name:                "Complex Water Heater",
		SwitchEntityID:      "switch.water_heater",
		TemperatureEntityID: "sensor.water_temperature",
		MinTemperature:      20,
		MaxTemperature:      100,
	}, mock, nopPublisher{}, zap.NewNop(), false)
	require.NoError(t, heater.Start())
	t.Cleanup(heater.Stop)

	return NewServer([]*waterheater.Heater{heater}, zap.NewNop(), 0)
}

func TestHealthEndpoint(t *testing.T) {
	server := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestWaterHeatersEndpoint(t *testing.T) {
	server := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/water_heaters", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var snapshots []waterheater.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshots))
	require.Len(t, snapshots, 1)

	snap := snapshots[0]
	assert.Equal(t, "Complex Water Heater", snap.Name)
	assert.Equal(t, "complex_water_heater", snap.ObjectID)
	assert.True(t, snap.Available)
	assert.Equal(t, waterheater.ModeElectric, snap.CurrentOperation)
	require.NotNil(t, snap.CurrentTemperature)
	assert.Equal(t, 55.5, *snap.CurrentTemperature)
	assert.Equal(t, 100.0, snap.TargetTemperature)
}

func TestUnknownRoute(t *testing.T) {
	server := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
