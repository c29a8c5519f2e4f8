package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/wastesort/internal/camera"
	"github.com/banshee-data/wastesort/internal/waste"
)

// ErrReplayDone is returned once every recorded frame has been replayed.
var ErrReplayDone = errors.New("detector: replay finished")

// Replay plays back recorded detections, one entry per frame, ignoring the
// frame content. The fixture format is one line per frame:
//
//	banana,0.91
//	cell phone,0.77;cup,0.60
//	                       (blank: nothing detected)
//	# comment lines are skipped
type Replay struct {
	mu     sync.Mutex
	frames [][]waste.Detection
	next   int
}

// ParseReplay reads a replay fixture.
func ParseReplay(r io.Reader) (*Replay, error) {
	var frames [][]waste.Detection
	scan := bufio.NewScanner(r)
	lineNo := 0
	for scan.Scan() {
		lineNo++
		line := strings.TrimSpace(scan.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		var dets []waste.Detection
		if line != "" {
			for _, entry := range strings.Split(line, ";") {
				det, err := parseEntry(entry)
				if err != nil {
					return nil, fmt.Errorf("replay line %d: %w", lineNo, err)
				}
				dets = append(dets, det)
			}
		}
		frames = append(frames, dets)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return &Replay{frames: frames}, nil
}

func parseEntry(entry string) (waste.Detection, error) {
	label, conf, ok := strings.Cut(entry, ",")
	if !ok {
		return waste.Detection{}, fmt.Errorf("entry %q: want label,confidence", entry)
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return waste.Detection{}, fmt.Errorf("entry %q: empty label", entry)
	}
	c, err := strconv.ParseFloat(strings.TrimSpace(conf), 64)
	if err != nil || c < 0 || c > 1 {
		return waste.Detection{}, fmt.Errorf("entry %q: confidence must be in [0,1]", entry)
	}
	return waste.Detection{Label: label, Confidence: c}, nil
}

// LoadReplay reads a replay fixture from path.
func LoadReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseReplay(f)
}

// Len returns the number of recorded frames.
func (r *Replay) Len() int {
	return len(r.frames)
}

func (r *Replay) Detect(ctx context.Context, _ camera.Frame) ([]waste.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.frames) {
		return nil, ErrReplayDone
	}
	dets := r.frames[r.next]
	r.next++
	return dets, nil
}
