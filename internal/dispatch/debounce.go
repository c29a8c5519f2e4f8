package dispatch

import (
	"time"

	"github.com/banshee-data/wastesort/internal/waste"
)

// DefaultDebounceWindow is the minimum gap between two sends of the same
// category.
const DefaultDebounceWindow = 3 * time.Second

// Debouncer decides whether a classified category should be sent. A category
// goes out when it differs from the last one sent or when more than the
// window has passed since that send. None is never sent.
type Debouncer struct {
	window   time.Duration
	hasSent  bool
	lastSent waste.Category
	lastAt   time.Time
}

func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{window: window}
}

func (d *Debouncer) ShouldSend(c waste.Category, now time.Time) bool {
	if c == waste.None {
		return false
	}
	if !d.hasSent || c != d.lastSent {
		return true
	}
	return now.Sub(d.lastAt) > d.window
}

// MarkSent records a completed send.
func (d *Debouncer) MarkSent(c waste.Category, now time.Time) {
	d.hasSent = true
	d.lastSent = c
	d.lastAt = now
}

// Reset forgets the last send.
func (d *Debouncer) Reset() {
	*d = Debouncer{window: d.window}
}
