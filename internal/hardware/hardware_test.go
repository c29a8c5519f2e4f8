package hardware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wastesort/internal/serialmux"
	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

func TestDutyCycle(t *testing.T) {
	assert.InDelta(t, 10.0, DutyCycle(OpenAngle), 1e-9)
	assert.InDelta(t, 4.0, DutyCycle(ClosedAngle), 1e-9)
	assert.InDelta(t, 2.0, DutyCycle(0), 1e-9)
	assert.InDelta(t, 12.0, DutyCycle(MaxAngle), 1e-9)
}

func TestSimulatorDrive(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sim := NewSimulator(clock)

	require.NoError(t, sim.Drive(waste.BinHazardous, OpenAngle))
	require.NoError(t, sim.Drive(waste.BinHazardous, ClosedAngle))

	angle, ok := sim.Angle(waste.BinHazardous)
	require.True(t, ok)
	assert.Equal(t, ClosedAngle, angle)
	_, ok = sim.Angle(waste.BinOrganic)
	assert.False(t, ok)

	drives := sim.Drives()
	require.Len(t, drives, 2)
	assert.Equal(t, Drive{Bin: waste.BinHazardous, Angle: OpenAngle, Duty: 10, At: clock.Now()}, drives[0])
}

func TestSimulatorDriveErrors(t *testing.T) {
	sim := NewSimulator(nil)

	assert.ErrorIs(t, sim.Drive("kaca", OpenAngle), waste.ErrUnknownBin)
	assert.Error(t, sim.Drive(waste.BinOrganic, 101))

	boom := errors.New("servo stalled")
	sim.FailDrives(boom)
	assert.ErrorIs(t, sim.Drive(waste.BinOrganic, OpenAngle), boom)
	sim.FailDrives(nil)
	assert.NoError(t, sim.Drive(waste.BinOrganic, OpenAngle))

	require.NoError(t, sim.Close())
	assert.ErrorIs(t, sim.Drive(waste.BinOrganic, OpenAngle), ErrClosed)
}

func TestSimulatorMeasure(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	sim := NewSimulator(clock)
	ctx := context.Background()

	// 1000 mod 20 == 0
	d, err := sim.Measure(ctx, waste.BinOrganic)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d, 1e-9)

	clock.Advance(7 * time.Second)
	d, err = sim.Measure(ctx, waste.BinOrganic)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, d, 1e-9)

	sim.SetDistance(waste.BinInorganic, 3.5)
	d, err = sim.Measure(ctx, waste.BinInorganic)
	require.NoError(t, err)
	assert.Equal(t, 3.5, d)

	sim.ClearDistance(waste.BinInorganic)
	d, err = sim.Measure(ctx, waste.BinInorganic)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, d, 1e-9)

	sim.SetSilent(waste.BinHazardous, true)
	_, err = sim.Measure(ctx, waste.BinHazardous)
	assert.ErrorIs(t, err, ErrSensorTimeout)
}

func TestSimulatorMeasureCancelled(t *testing.T) {
	sim := NewSimulator(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.Measure(ctx, waste.BinOrganic)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		line string
		want Reply
		ok   bool
	}{
		{"DIST b3 12.5", Reply{Bin: waste.BinHazardous, Echo: true, DistanceCm: 12.5}, true},
		{"dist ORGANIK 0", Reply{Bin: waste.BinOrganic, Echo: true}, true},
		{"NOECHO anorganik", Reply{Bin: waste.BinInorganic}, true},
		{"DIST b3", Reply{}, false},
		{"DIST b3 -1", Reply{}, false},
		{"DIST kaca 5", Reply{}, false},
		{"OK", Reply{}, false},
		{"", Reply{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := ParseReply(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newBridge(t *testing.T) (*SerialBridge, *serialmux.TestableSerialPort) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	go mux.Monitor(ctx)
	t.Cleanup(func() {
		cancel()
		mux.Close()
	})
	return NewSerialBridge(mux), port
}

func TestSerialBridgeDrive(t *testing.T) {
	bridge, port := newBridge(t)

	require.NoError(t, bridge.Drive(waste.BinOrganic, OpenAngle))
	require.NoError(t, bridge.Drive(waste.BinOrganic, ClosedAngle))
	assert.Equal(t, []string{"SERVO organik 10.00", "SERVO organik 4.00"}, port.Written())

	assert.ErrorIs(t, bridge.Drive("kaca", OpenAngle), waste.ErrUnknownBin)
}

func TestSerialBridgeMeasure(t *testing.T) {
	bridge, port := newBridge(t)
	port.SetResponder(func(cmd string) []string {
		switch cmd {
		case "PING b3":
			// unrelated traffic ahead of the reply is skipped
			return []string{"DIST organik 3", "garbage", "DIST b3 7.25"}
		case "PING organik":
			return []string{"NOECHO organik"}
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := bridge.Measure(ctx, waste.BinHazardous)
	require.NoError(t, err)
	assert.Equal(t, 7.25, d)

	_, err = bridge.Measure(ctx, waste.BinOrganic)
	assert.ErrorIs(t, err, ErrSensorTimeout)
}

func TestSerialBridgeMeasureTimeout(t *testing.T) {
	bridge, _ := newBridge(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := bridge.Measure(ctx, waste.BinInorganic)
	assert.ErrorIs(t, err, ErrSensorTimeout)
}
