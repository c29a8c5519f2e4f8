// Package camera supplies frames to the classifier loop.
package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/wastesort/internal/timeutil"
)

var (
	// ErrExhausted is returned by Next when a finite source has no more
	// frames.
	ErrExhausted = errors.New("camera: no more frames")
	ErrClosed    = errors.New("camera: source closed")
)

// Frame is one captured image. Data is JPEG encoded and may be empty for
// synthetic frames.
type Frame struct {
	Seq        uint64
	Name       string
	Data       []byte
	CapturedAt time.Time
}

// FrameSource yields frames until it is exhausted or closed. Close releases
// the capture device and is safe to call more than once.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// DirSource reads *.jpg and *.jpeg files from a directory in name order.
type DirSource struct {
	clock timeutil.Clock
	loop  bool

	mu     sync.Mutex
	files  []string
	next   int
	seq    uint64
	closed bool
}

// NewDirSource lists the frames in dir. With loop set the source starts over
// after the last file instead of returning ErrExhausted.
func NewDirSource(dir string, loop bool, clock timeutil.Clock) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no jpeg frames in %s", dir)
	}
	sort.Strings(files)
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &DirSource{clock: clock, loop: loop, files: files}, nil
}

func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrClosed
	}
	if s.next >= len(s.files) {
		if !s.loop {
			return Frame{}, ErrExhausted
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	s.seq++
	return Frame{Seq: s.seq, Name: filepath.Base(path), Data: data, CapturedAt: s.clock.Now()}, nil
}

func (s *DirSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SyntheticSource yields empty frames, for use with a detector that ignores
// image content. A zero limit never runs out.
type SyntheticSource struct {
	clock timeutil.Clock
	limit uint64

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func NewSyntheticSource(limit int, clock timeutil.Clock) *SyntheticSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if limit < 0 {
		limit = 0
	}
	return &SyntheticSource{clock: clock, limit: uint64(limit)}
}

func (s *SyntheticSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrClosed
	}
	if s.limit > 0 && s.seq >= s.limit {
		return Frame{}, ErrExhausted
	}
	s.seq++
	return Frame{Seq: s.seq, CapturedAt: s.clock.Now()}, nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *SyntheticSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
