package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wastesort/internal/waste"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		kind Kind
		bin  waste.BinID
	}{
		{"HELLO", KindHello, ""},
		{" hello\r", KindHello, ""},
		{"OK", KindAck, ""},
		{"BUKA:organik", KindOpen, waste.BinOrganic},
		{"BUKA:anorganik", KindOpen, waste.BinInorganic},
		{"buka:B3", KindOpen, waste.BinHazardous},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, cmd.Kind)
			assert.Equal(t, tt.bin, cmd.Bin)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		line string
		want error
	}{
		{"", ErrMalformed},
		{"BUKA", ErrMalformed},
		{"BUKA b3", ErrMalformed},
		{"TUTUP:b3", ErrMalformed},
		{"BUKA:", ErrUnknownBin},
		{"BUKA:kaca", ErrUnknownBin},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, KindUnknown, cmd.Kind)
		})
	}
}

func TestOpenCommandRoundTrip(t *testing.T) {
	for _, bin := range waste.Bins {
		cmd, err := Parse(OpenCommand(bin))
		require.NoError(t, err)
		assert.Equal(t, bin, cmd.Bin)
	}
	assert.Equal(t, "BUKA:b3", OpenCommand(waste.BinHazardous))
}

func TestReader(t *testing.T) {
	r := NewReader(strings.NewReader("HELLO\r\nOK\nBUKA:b3"))

	for _, want := range []string{"HELLO", "OK", "BUKA:b3"} {
		got, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSkipsLongLines(t *testing.T) {
	long := strings.Repeat("x", MaxLineLength+44)
	r := NewReader(strings.NewReader(long + "\nBUKA:b3\n" + strings.Repeat("y", MaxLineLength) + "\n"))

	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrMalformed)

	got, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "BUKA:b3", got)

	got, err = r.ReadLine()
	require.NoError(t, err, "a line of exactly MaxLineLength is accepted")
	assert.Len(t, got, MaxLineLength)

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderGivesUpWithoutTerminator(t *testing.T) {
	r := NewReader(strings.NewReader(strings.Repeat("x", 2*MaxDiscard)))
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestReaderLongLineThenEOF(t *testing.T) {
	r := NewReader(strings.NewReader(strings.Repeat("x", MaxLineLength*2)))
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLine(&buf, Greeting))
	assert.Equal(t, "HELLO\n", buf.String())
}
