package hardware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/wastesort/internal/serialmux"
	"github.com/banshee-data/wastesort/internal/waste"
)

// SerialBridge drives the hardware through a microcontroller attached over a
// serial line. The board accepts:
//
//	SERVO <bin> <duty>   set the servo PWM duty percentage
//	PING <bin>           fire the ultrasonic sensor
//
// and answers a PING with either "DIST <bin> <cm>" or "NOECHO <bin>".
//
// The mux's Monitor loop must be running for Measure to see replies.
type SerialBridge struct {
	mux serialmux.SerialMuxInterface

	// one ping in flight per bin; replies name their bin so bins may overlap
	pingMu map[waste.BinID]*sync.Mutex
}

// NewSerialBridge wraps a serial mux connected to the bridge board.
func NewSerialBridge(mux serialmux.SerialMuxInterface) *SerialBridge {
	b := &SerialBridge{mux: mux, pingMu: make(map[waste.BinID]*sync.Mutex, len(waste.Bins))}
	for _, bin := range waste.Bins {
		b.pingMu[bin] = &sync.Mutex{}
	}
	return b
}

func (b *SerialBridge) Drive(bin waste.BinID, angle int) error {
	if err := knownBin(bin); err != nil {
		return err
	}
	if angle < 0 || angle > MaxAngle {
		return fmt.Errorf("hardware: angle %d out of range 0-%d", angle, MaxAngle)
	}
	if err := b.mux.SendCommand(fmt.Sprintf("SERVO %s %.2f", bin, DutyCycle(angle))); err != nil {
		return fmt.Errorf("drive %s servo: %w", bin, err)
	}
	return nil
}

func (b *SerialBridge) Measure(ctx context.Context, bin waste.BinID) (float64, error) {
	if err := knownBin(bin); err != nil {
		return 0, err
	}
	mu := b.pingMu[bin]
	mu.Lock()
	defer mu.Unlock()

	id, lines := b.mux.Subscribe()
	defer b.mux.Unsubscribe(id)

	if err := b.mux.SendCommand("PING " + string(bin)); err != nil {
		return 0, fmt.Errorf("ping %s sensor: %w", bin, err)
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, ErrSensorTimeout
			}
			return 0, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return 0, ErrClosed
			}
			reply, ok := ParseReply(line)
			if !ok || reply.Bin != bin {
				continue
			}
			if !reply.Echo {
				return 0, ErrSensorTimeout
			}
			return reply.DistanceCm, nil
		}
	}
}

func (b *SerialBridge) Close() error {
	return b.mux.Close()
}

// Reply is a decoded range reply from the bridge board.
type Reply struct {
	Bin        waste.BinID
	Echo       bool
	DistanceCm float64
}

// ParseReply decodes a DIST or NOECHO line. Other lines are reported as not
// ok.
func ParseReply(line string) (Reply, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Reply{}, false
	}
	bin, err := waste.ParseBin(fields[1])
	if err != nil {
		return Reply{}, false
	}
	switch strings.ToUpper(fields[0]) {
	case "DIST":
		if len(fields) != 3 {
			return Reply{}, false
		}
		cm, err := strconv.ParseFloat(fields[2], 64)
		if err != nil || cm < 0 {
			return Reply{}, false
		}
		return Reply{Bin: bin, Echo: true, DistanceCm: cm}, true
	case "NOECHO":
		return Reply{Bin: bin}, true
	}
	return Reply{}, false
}
