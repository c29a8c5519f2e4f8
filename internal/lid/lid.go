// Package lid drives one bin lid between its closed and open positions and
// owns the auto-close timer that returns it to closed.
package lid

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/banshee-data/wastesort/internal/hardware"
	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

// DefaultAutoCloseDelay is how long a lid stays open after the last open
// request.
const DefaultAutoCloseDelay = 5 * time.Second

// ErrAngleRange is returned by SetAngle for angles outside 0-100.
var ErrAngleRange = errors.New("lid: angle out of range")

// Position is the logical lid position.
type Position int

const (
	Closed Position = iota
	Open
)

func (p Position) String() string {
	if p == Open {
		return "OPEN"
	}
	return "CLOSED"
}

func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Source says who asked for an actuation.
type Source string

const (
	SourceRemote Source = "remote" // BUKA command from the classifier
	SourceAuto   Source = "auto"   // auto-close timer
	SourceManual Source = "manual" // operator
)

// Action is the kind of actuation recorded in an Event.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	ActionAngle Action = "angle"
)

// Event describes one completed actuation.
type Event struct {
	Bin    waste.BinID `json:"bin"`
	Action Action      `json:"action"`
	Source Source      `json:"source"`
	Angle  int         `json:"angle"`
	At     time.Time   `json:"at"`
}

// State is a point-in-time copy of a lid.
type State struct {
	Bin              waste.BinID `json:"bin"`
	Position         Position    `json:"position"`
	Angle            int         `json:"angle"`
	LastTransitionAt time.Time   `json:"last_transition_at"`
	// AutoCloseAt is set while an auto-close timer is armed.
	AutoCloseAt *time.Time `json:"auto_close_at,omitempty"`
}

// Actuator owns one bin's lid. All actuations on a bin, including the
// auto-close, are serialized and at most one auto-close timer is armed.
type Actuator struct {
	bin   waste.BinID
	hw    hardware.Actuator
	clock timeutil.Clock
	delay time.Duration

	onEvent func(Event)

	mu      sync.Mutex
	state   State
	timer   timeutil.Timer
	closeAt time.Time
	// gen is bumped whenever the armed timer is replaced or cancelled so a
	// superseded callback that already started cannot close the lid.
	gen     uint64
}

// Option configures an Actuator.
type Option func(*Actuator)

// WithClock sets the clock used for timestamps and the auto-close timer.
func WithClock(c timeutil.Clock) Option {
	return func(a *Actuator) { a.clock = c }
}

// WithAutoCloseDelay overrides DefaultAutoCloseDelay.
func WithAutoCloseDelay(d time.Duration) Option {
	return func(a *Actuator) {
		if d > 0 {
			a.delay = d
		}
	}
}

// WithObserver registers fn to receive every completed actuation. fn is
// called without the actuator lock held.
func WithObserver(fn func(Event)) Option {
	return func(a *Actuator) { a.onEvent = fn }
}

// NewActuator returns a closed lid for bin. A nil hw runs without hardware:
// actuations only update the logical state.
func NewActuator(bin waste.BinID, hw hardware.Actuator, opts ...Option) *Actuator {
	a := &Actuator{
		bin:   bin,
		hw:    hw,
		clock: timeutil.RealClock{},
		delay: DefaultAutoCloseDelay,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.state = State{
		Bin:              bin,
		Position:         Closed,
		Angle:            hardware.ClosedAngle,
		LastTransitionAt: a.clock.Now(),
	}
	return a
}

// Bin returns the bin this actuator drives.
func (a *Actuator) Bin() waste.BinID { return a.bin }

func (a *Actuator) drive(angle int) error {
	if a.hw == nil {
		return nil
	}
	if err := a.hw.Drive(a.bin, angle); err != nil {
		return fmt.Errorf("lid %s: %w", a.bin, err)
	}
	return nil
}

// Open drives the lid open and (re)arms the auto-close timer. Opening a lid
// that is already open replaces the pending timer with a fresh one. On a
// hardware error the state and any armed timer are left untouched.
func (a *Actuator) Open(source Source) error {
	a.mu.Lock()
	if err := a.drive(hardware.OpenAngle); err != nil {
		a.mu.Unlock()
		return err
	}
	now := a.clock.Now()
	a.state.Position = Open
	a.state.Angle = hardware.OpenAngle
	a.state.LastTransitionAt = now
	a.cancelTimerLocked()
	gen := a.gen
	a.closeAt = now.Add(a.delay)
	a.timer = a.clock.AfterFunc(a.delay, func() { a.autoClose(gen) })
	a.mu.Unlock()

	a.emit(Event{Bin: a.bin, Action: ActionOpen, Source: source, Angle: hardware.OpenAngle, At: now})
	return nil
}

// Close drives the lid closed and cancels any armed auto-close timer.
func (a *Actuator) Close(source Source) error {
	a.mu.Lock()
	ev, err := a.closeLocked(source)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.emit(ev)
	return nil
}

func (a *Actuator) autoClose(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.timer == nil {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	ev, err := a.closeLocked(SourceAuto)
	a.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("bin", string(a.bin)).Msg("auto-close failed")
		return
	}
	a.emit(ev)
}

func (a *Actuator) closeLocked(source Source) (Event, error) {
	if err := a.drive(hardware.ClosedAngle); err != nil {
		return Event{}, err
	}
	now := a.clock.Now()
	a.cancelTimerLocked()
	a.state.Position = Closed
	a.state.Angle = hardware.ClosedAngle
	a.state.LastTransitionAt = now
	return Event{Bin: a.bin, Action: ActionClose, Source: source, Angle: hardware.ClosedAngle, At: now}, nil
}

func (a *Actuator) cancelTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.closeAt = time.Time{}
}

// SetAngle moves the servo directly. The auto-close timer is neither armed
// nor cancelled and LastTransitionAt is unchanged; Position follows the
// angle only as a display label.
func (a *Actuator) SetAngle(angle int, source Source) error {
	if angle < 0 || angle > hardware.MaxAngle {
		return fmt.Errorf("%w: %d", ErrAngleRange, angle)
	}
	a.mu.Lock()
	if err := a.drive(angle); err != nil {
		a.mu.Unlock()
		return err
	}
	a.state.Angle = angle
	if angle > hardware.ClosedAngle {
		a.state.Position = Open
	} else {
		a.state.Position = Closed
	}
	now := a.clock.Now()
	a.mu.Unlock()

	a.emit(Event{Bin: a.bin, Action: ActionAngle, Source: source, Angle: angle, At: now})
	return nil
}

// State returns a copy of the lid state.
func (a *Actuator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state
	if a.timer != nil {
		at := a.closeAt
		s.AutoCloseAt = &at
	}
	return s
}

// Shutdown cancels any armed timer and drives the lid closed.
func (a *Actuator) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelTimerLocked()
	if err := a.drive(hardware.ClosedAngle); err != nil {
		return err
	}
	a.state.Position = Closed
	a.state.Angle = hardware.ClosedAngle
	a.state.LastTransitionAt = a.clock.Now()
	return nil
}

func (a *Actuator) emit(ev Event) {
	if a.onEvent != nil {
		a.onEvent(ev)
	}
}
