package hardware

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

// Drive is one servo command recorded by the Simulator.
type Drive struct {
	Bin   waste.BinID
	Angle int
	Duty  float64
	At    time.Time
}

// Simulator is an in-memory Backend. Unless overridden, every bin reports a
// distance that sweeps from 5 cm to 25 cm over a 20 second cycle.
type Simulator struct {
	clock timeutil.Clock

	mu        sync.Mutex
	angles    map[waste.BinID]int
	drives    []Drive
	distances map[waste.BinID]float64
	silent    map[waste.BinID]bool
	driveErr  error
	closed    bool
}

// NewSimulator returns a Simulator reading time from clock. A nil clock uses
// the wall clock.
func NewSimulator(clock timeutil.Clock) *Simulator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Simulator{
		clock:     clock,
		angles:    make(map[waste.BinID]int),
		distances: make(map[waste.BinID]float64),
		silent:    make(map[waste.BinID]bool),
	}
}

func (s *Simulator) Drive(bin waste.BinID, angle int) error {
	if err := knownBin(bin); err != nil {
		return err
	}
	if angle < 0 || angle > MaxAngle {
		return fmt.Errorf("hardware: angle %d out of range 0-%d", angle, MaxAngle)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.driveErr != nil {
		return s.driveErr
	}
	s.angles[bin] = angle
	s.drives = append(s.drives, Drive{Bin: bin, Angle: angle, Duty: DutyCycle(angle), At: s.clock.Now()})
	return nil
}

func (s *Simulator) Measure(ctx context.Context, bin waste.BinID) (float64, error) {
	if err := knownBin(bin); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.silent[bin] {
		return 0, ErrSensorTimeout
	}
	if d, ok := s.distances[bin]; ok {
		return d, nil
	}
	secs := float64(s.clock.Now().UnixNano()) / float64(time.Second)
	return 5 + math.Mod(secs, 20), nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Angle returns the last angle driven for bin.
func (s *Simulator) Angle(bin waste.BinID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.angles[bin]
	return a, ok
}

// Drives returns every servo command issued so far, oldest first.
func (s *Simulator) Drives() []Drive {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Drive, len(s.drives))
	copy(out, s.drives)
	return out
}

// SetDistance pins the distance reported for bin.
func (s *Simulator) SetDistance(bin waste.BinID, cm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distances[bin] = cm
}

// ClearDistance returns bin to the sweeping default.
func (s *Simulator) ClearDistance(bin waste.BinID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.distances, bin)
}

// SetSilent makes Measure time out for bin.
func (s *Simulator) SetSilent(bin waste.BinID, silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[bin] = silent
}

// FailDrives makes every subsequent Drive return err. Pass nil to recover.
func (s *Simulator) FailDrives(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driveErr = err
}
