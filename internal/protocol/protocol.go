// Package protocol defines the line-oriented wire format spoken between the
// classifier and the controller.
//
//	server -> client  HELLO
//	client -> server  OK
//	client -> server  HELLO          server answers OK
//	client -> server  BUKA:<bin>     bin is organik, anorganik or b3
//
// Each message is one line terminated by "\n" (a trailing "\r" is
// tolerated). The terminator is an extension: the first generation of peers
// wrote bare tokens, one per TCP write, and relied on each read returning
// exactly one message. Such a peer is not understood here; its unterminated
// OK leaves the handshake waiting until the handshake timeout.
//
// There is no error reply: messages the server does not understand,
// including lines longer than MaxLineLength, are dropped.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/banshee-data/wastesort/internal/waste"
)

const (
	Greeting   = "HELLO"
	Ack        = "OK"
	OpenPrefix = "BUKA:"

	// MaxLineLength bounds a single message. Longer lines are skipped and
	// reported as ErrMalformed.
	MaxLineLength = 256
	// MaxDiscard bounds how far a long line is skipped while looking for its
	// terminator. Past it the stream is unusable and ErrLineTooLong is
	// returned.
	MaxDiscard = 4096
)

var (
	ErrMalformed  = errors.New("protocol: malformed command")
	ErrUnknownBin = errors.New("protocol: unknown bin")
	// ErrLineTooLong is a transport error: no terminator within MaxDiscard.
	ErrLineTooLong = errors.New("protocol: no line terminator within limit")
)

// Kind identifies a message type.
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindAck
	KindOpen
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindAck:
		return "OK"
	case KindOpen:
		return "BUKA"
	}
	return "UNKNOWN"
}

// Command is one decoded line.
type Command struct {
	Kind Kind
	Bin  waste.BinID // set for KindOpen
	Raw  string
}

// Parse decodes one line. Surrounding whitespace is ignored and tokens are
// matched case-insensitively. Unknown tokens return ErrMalformed; an open
// command naming an unknown bin returns ErrUnknownBin.
func Parse(line string) (Command, error) {
	raw := strings.TrimSpace(line)
	cmd := Command{Raw: raw}
	upper := strings.ToUpper(raw)
	switch {
	case upper == Greeting:
		cmd.Kind = KindHello
	case upper == Ack:
		cmd.Kind = KindAck
	case strings.HasPrefix(upper, OpenPrefix):
		bin, err := waste.ParseBin(raw[len(OpenPrefix):])
		if err != nil {
			return cmd, fmt.Errorf("%w %q", ErrUnknownBin, raw)
		}
		cmd.Kind = KindOpen
		cmd.Bin = bin
	default:
		return cmd, fmt.Errorf("%w %q", ErrMalformed, raw)
	}
	return cmd, nil
}

// OpenCommand formats the open command for bin.
func OpenCommand(bin waste.BinID) string {
	return OpenPrefix + string(bin)
}

// WriteLine writes msg followed by the line terminator.
func WriteLine(w io.Writer, msg string) error {
	_, err := io.WriteString(w, msg+"\n")
	return err
}

// Reader reads bounded lines from a connection.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	// room for the longest message plus its terminator
	return &Reader{br: bufio.NewReaderSize(r, MaxLineLength+2)}
}

// ReadLine returns the next line without its terminator. io.EOF is returned
// when the peer closed the stream cleanly. A line longer than MaxLineLength
// is consumed through its terminator and reported as ErrMalformed, so the
// caller can drop it and keep reading.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.br.ReadSlice('\n')
	switch {
	case err == nil:
		return trimLine(line), nil
	case errors.Is(err, bufio.ErrBufferFull):
		if err := r.discardLine(len(line)); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: line longer than %d bytes", ErrMalformed, MaxLineLength)
	case errors.Is(err, io.EOF) && len(line) > 0:
		// final unterminated line
		return trimLine(line), nil
	default:
		return "", err
	}
}

func (r *Reader) discardLine(skipped int) error {
	for skipped < MaxDiscard {
		chunk, err := r.br.ReadSlice('\n')
		skipped += len(chunk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
	return ErrLineTooLong
}

func trimLine(line []byte) string {
	return strings.TrimRight(string(line), "\r\n")
}
