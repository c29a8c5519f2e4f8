package serialmux

import (
	"bytes"
	"io"
	"sync"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TestableSerialPort is an in-memory SerialPorter. Reads drain lines queued
// with Feed; writes are captured and may be answered by a Responder.
type TestableSerialPort struct {
	mu        sync.Mutex
	cond      *sync.Cond
	readBuf   bytes.Buffer
	written   []string
	closed    bool
	responder func(command string) []string
	writeErr  error
}

// NewTestableSerialPort returns an open in-memory port.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetResponder installs a function that produces the board's reply lines for
// every command written to the port.
func (p *TestableSerialPort) SetResponder(fn func(command string) []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responder = fn
}

// FailWrites makes every subsequent Write return err.
func (p *TestableSerialPort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Feed queues lines to be read from the port.
func (p *TestableSerialPort) Feed(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range lines {
		p.readBuf.WriteString(line)
		p.readBuf.WriteByte('\n')
	}
	p.cond.Broadcast()
}

// Written returns the command lines written so far, without terminators.
func (p *TestableSerialPort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.written))
	copy(out, p.written)
	return out
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.readBuf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return p.readBuf.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	for _, line := range bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n")) {
		command := string(bytes.TrimRight(line, "\r"))
		p.written = append(p.written, command)
		if p.responder != nil {
			for _, reply := range p.responder(command) {
				p.readBuf.WriteString(reply)
				p.readBuf.WriteByte('\n')
			}
		}
	}
	p.cond.Broadcast()
	return len(b), nil
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}
