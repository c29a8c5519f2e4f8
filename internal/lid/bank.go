package lid

import (
	"errors"
	"fmt"

	"github.com/banshee-data/wastesort/internal/hardware"
	"github.com/banshee-data/wastesort/internal/waste"
)

// Bank maps each configured bin to its Actuator. It is built once at
// startup and never changes.
type Bank struct {
	bins      []waste.BinID
	actuators map[waste.BinID]*Actuator
}

// NewBank builds an actuator for every bin id in bins. An empty list means
// all three bins. Unknown or repeated ids are configuration errors.
func NewBank(bins []string, hw hardware.Actuator, opts ...Option) (*Bank, error) {
	if len(bins) == 0 {
		for _, b := range waste.Bins {
			bins = append(bins, string(b))
		}
	}
	bank := &Bank{actuators: make(map[waste.BinID]*Actuator, len(bins))}
	for _, raw := range bins {
		bin, err := waste.ParseBin(raw)
		if err != nil {
			return nil, fmt.Errorf("actuator config: %w", err)
		}
		if _, dup := bank.actuators[bin]; dup {
			return nil, fmt.Errorf("actuator config: bin %q listed twice", bin)
		}
		bank.actuators[bin] = NewActuator(bin, hw, opts...)
		bank.bins = append(bank.bins, bin)
	}
	return bank, nil
}

// Bins returns the configured bins in configuration order.
func (b *Bank) Bins() []waste.BinID {
	out := make([]waste.BinID, len(b.bins))
	copy(out, b.bins)
	return out
}

// Actuator returns the actuator for bin.
func (b *Bank) Actuator(bin waste.BinID) (*Actuator, bool) {
	a, ok := b.actuators[bin]
	return a, ok
}

func (b *Bank) lookup(bin waste.BinID) (*Actuator, error) {
	a, ok := b.actuators[bin]
	if !ok {
		return nil, fmt.Errorf("%w: %q", waste.ErrUnknownBin, bin)
	}
	return a, nil
}

func (b *Bank) Open(bin waste.BinID, source Source) error {
	a, err := b.lookup(bin)
	if err != nil {
		return err
	}
	return a.Open(source)
}

func (b *Bank) Close(bin waste.BinID, source Source) error {
	a, err := b.lookup(bin)
	if err != nil {
		return err
	}
	return a.Close(source)
}

func (b *Bank) SetAngle(bin waste.BinID, angle int, source Source) error {
	a, err := b.lookup(bin)
	if err != nil {
		return err
	}
	return a.SetAngle(angle, source)
}

// Snapshot returns the state of every lid in configuration order.
func (b *Bank) Snapshot() []State {
	out := make([]State, 0, len(b.bins))
	for _, bin := range b.bins {
		out = append(out, b.actuators[bin].State())
	}
	return out
}

// Shutdown cancels every auto-close timer and closes every lid.
func (b *Bank) Shutdown() error {
	var errs []error
	for _, bin := range b.bins {
		if err := b.actuators[bin].Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
