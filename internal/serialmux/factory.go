package serialmux

import (
	"errors"

	"go.bug.st/serial"
)

// ErrNoPath is returned when a real port is requested without a device path.
var ErrNoPath = errors.New("serial port path is required")

// NewRealSerialMux creates a SerialMux instance backed by the serial device
// named in opts.
func NewRealSerialMux(opts PortOptions) (*SerialMux[serial.Port], error) {
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if normalized.Path == "" {
		return nil, ErrNoPath
	}
	mode, err := normalized.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(normalized.Path, mode)
	if err != nil {
		return nil, err
	}

	return NewSerialMux[serial.Port](port), nil
}
