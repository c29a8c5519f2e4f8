// Package capacity turns ultrasonic distance readings into bin fill levels.
package capacity

import (
	"math"
	"time"

	"github.com/banshee-data/wastesort/internal/waste"
)

const (
	DefaultBinHeightCm   = 25.0
	DefaultInterval      = 1200 * time.Millisecond
	DefaultSensorTimeout = 30 * time.Millisecond

	// Lower bounds, inclusive.
	FullThreshold       = 85
	NearlyFullThreshold = 65
)

// Tier is the coarse fill status shown to the operator.
type Tier int

const (
	Safe Tier = iota
	NearlyFull
	Full
)

func (t Tier) String() string {
	switch t {
	case Full:
		return "FULL"
	case NearlyFull:
		return "NEARLY_FULL"
	}
	return "SAFE"
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Reading is one sample of one bin. DistanceCm is nil when the sensor timed
// out, in which case FillPercent is 0.
type Reading struct {
	Bin         waste.BinID `json:"bin"`
	DistanceCm  *float64    `json:"distance_cm"`
	FillPercent int         `json:"fill_percent"`
	Tier        Tier        `json:"tier"`
	SampledAt   time.Time   `json:"sampled_at"`
}

// FillPercent is ((height - distance) / height) * 100 truncated to an integer
// and clamped to [0, 100].
func FillPercent(heightCm, distanceCm float64) int {
	if heightCm <= 0 || math.IsNaN(distanceCm) {
		return 0
	}
	pct := math.Trunc((heightCm - distanceCm) / heightCm * 100)
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return int(pct)
}

// TierFor maps a fill percentage to its tier.
func TierFor(fillPercent int) Tier {
	switch {
	case fillPercent >= FullThreshold:
		return Full
	case fillPercent >= NearlyFullThreshold:
		return NearlyFull
	}
	return Safe
}

// NewReading builds a Reading. A nil distance yields an empty, SAFE reading.
func NewReading(bin waste.BinID, heightCm float64, distanceCm *float64, at time.Time) Reading {
	r := Reading{Bin: bin, SampledAt: at}
	if distanceCm != nil {
		d := *distanceCm
		r.DistanceCm = &d
		r.FillPercent = FillPercent(heightCm, d)
	}
	r.Tier = TierFor(r.FillPercent)
	return r
}
