package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/devbis/template-water-heater/internal/config"
	"github.com/devbis/template-water-heater/internal/ha"
	"github.com/devbis/template-water-heater/internal/waterheater"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testToken  = "test_token_12345"
	testSwitch = "switch.water_heater"
	testSensor = "sensor.water_temperature"
)

// recordingPublisher captures published snapshots for assertions
type recordingPublisher struct {
	mu    sync.Mutex
	snaps []waterheater.Snapshot
}

func (p *recordingPublisher) PublishState(snap waterheater.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	return nil
}

func testHeaterConfig() config.WaterHeaterConfig {
	return config.WaterHeaterConfig{
		Name:                "Complex Water Heater",
		SwitchEntityID:      testSwitch,
		TemperatureEntityID: testSensor,
		MinTemperature:      20,
		MaxTemperature:      100,
	}
}

func setupTest(t *testing.T) (*MockHAServer, *ha.Client, func()) {
	t.Helper()

	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer(testToken)
	url := server.Start()

	client := ha.NewClient(url, testToken, logger)
	require.NoError(t, client.Connect())

	cleanup := func() {
		client.Disconnect()
		server.Stop()
	}

	return server, client, cleanup
}

func TestWaterHeaterLifecycle(t *testing.T) {
	server, client, cleanup := setupTest(t)
	defer cleanup()

	server.SetStateSilently(testSwitch, ha.StateOff)
	server.SetStateSilently(testSensor, "50")
	server.SetRegistryEntry(testSwitch, "abc123")

	pub := &recordingPublisher{}
	heater := waterheater.New(testHeaterConfig(), client, pub, zap.NewNop(), false)
	require.NoError(t, heater.Start())
	defer heater.Stop()

	t.Run("initial projection", func(t *testing.T) {
		snap := heater.Snapshot()
		assert.True(t, snap.Available)
		assert.Equal(t, waterheater.ModeOff, snap.CurrentOperation)
		assert.Equal(t, 20.0, snap.TargetTemperature)
		assert.Equal(t, "abc123_water_heater", snap.UniqueID)

		require.NotNil(t, snap.CurrentTemperature)
		assert.Equal(t, 50.0, *snap.CurrentTemperature)
	})

	t.Run("sensor change propagates", func(t *testing.T) {
		server.SetState(testSensor, "55.5")

		assert.Eventually(t, func() bool {
			snap := heater.Snapshot()
			return snap.CurrentTemperature != nil && *snap.CurrentTemperature == 55.5
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("invalid sensor value is ignored", func(t *testing.T) {
		server.SetState(testSensor, "garbage")
		time.Sleep(100 * time.Millisecond)

		snap := heater.Snapshot()
		require.NotNil(t, snap.CurrentTemperature)
		assert.Equal(t, 55.5, *snap.CurrentTemperature)
	})

	t.Run("switch change propagates", func(t *testing.T) {
		server.SetState(testSwitch, ha.StateOn)

		assert.Eventually(t, func() bool {
			snap := heater.Snapshot()
			return snap.CurrentOperation == waterheater.ModeElectric &&
				snap.TargetTemperature == 100.0
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("operation mode command reaches the switch", func(t *testing.T) {
		server.ClearServiceCalls()

		require.NoError(t, heater.SetOperationMode(waterheater.ModeOff))

		calls := server.GetServiceCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "switch", calls[0].Domain)
		assert.Equal(t, "turn_off", calls[0].Service)
		assert.Equal(t, testSwitch, calls[0].Data["entity_id"])

		// The switch reports back through a state_changed event
		assert.Eventually(t, func() bool {
			return heater.Snapshot().CurrentOperation == waterheater.ModeOff
		}, time.Second, 10*time.Millisecond)
	})
}

func TestSwitchUnavailability(t *testing.T) {
	server, client, cleanup := setupTest(t)
	defer cleanup()

	server.SetStateSilently(testSwitch, ha.StateOn)

	pub := &recordingPublisher{}
	heater := waterheater.New(testHeaterConfig(), client, pub, zap.NewNop(), false)
	require.NoError(t, heater.Start())
	defer heater.Stop()

	require.True(t, heater.Snapshot().Available)

	server.SetState(testSwitch, ha.StateUnavailable)

	assert.Eventually(t, func() bool {
		return !heater.Snapshot().Available
	}, time.Second, 10*time.Millisecond)

	server.SetState(testSwitch, ha.StateOn)

	assert.Eventually(t, func() bool {
		snap := heater.Snapshot()
		return snap.Available && snap.CurrentOperation == waterheater.ModeElectric
	}, time.Second, 10*time.Millisecond)
}

func TestStartupEventAdoption(t *testing.T) {
	server, client, cleanup := setupTest(t)
	defer cleanup()

	server.SetStateSilently(testSwitch, ha.StateOff)

	pub := &recordingPublisher{}
	heater := waterheater.New(testHeaterConfig(), client, pub, zap.NewNop(), false)
	require.NoError(t, heater.Start())
	defer heater.Stop()

	// The sensor had no state when the heater started
	require.Nil(t, heater.Snapshot().CurrentTemperature)

	// The sensor restores its state without a change event, then the host
	// announces it has finished starting
	server.SetStateSilently(testSensor, "21.5")
	server.FireEvent(ha.EventHomeAssistantStarted)

	assert.Eventually(t, func() bool {
		snap := heater.Snapshot()
		return snap.CurrentTemperature != nil && *snap.CurrentTemperature == 21.5
	}, time.Second, 10*time.Millisecond)
}

func TestReadOnlyMode(t *testing.T) {
	server, client, cleanup := setupTest(t)
	defer cleanup()

	server.SetStateSilently(testSwitch, ha.StateOn)

	pub := &recordingPublisher{}
	heater := waterheater.New(testHeaterConfig(), client, pub, zap.NewNop(), true)
	require.NoError(t, heater.Start())
	defer heater.Stop()

	require.NoError(t, heater.SetOperationMode(waterheater.ModeOff))
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, server.GetServiceCalls())
	assert.Equal(t, waterheater.ModeElectric, heater.Snapshot().CurrentOperation)
}
