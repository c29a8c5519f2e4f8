// Package waste defines the waste categories, the three bins they map onto and
// the category table that turns detector labels into categories.
package waste

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the waste class of a detected item.
type Category int

const (
	None Category = iota
	Organic
	Inorganic
	Hazardous
)

func (c Category) String() string {
	switch c {
	case Organic:
		return "ORGANIC"
	case Inorganic:
		return "INORGANIC"
	case Hazardous:
		return "HAZARDOUS"
	default:
		return "NONE"
	}
}

// MarshalText lets categories appear by name in JSON and YAML.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// BinID identifies a physical bin. The values double as the wire tokens used
// in open commands.
type BinID string

const (
	BinOrganic   BinID = "organik"
	BinInorganic BinID = "anorganik"
	BinHazardous BinID = "b3"
)

// Bins lists every known bin in display order.
var Bins = []BinID{BinOrganic, BinInorganic, BinHazardous}

// ErrUnknownBin is returned when a bin identifier is not one of Bins.
var ErrUnknownBin = errors.New("unknown bin")

// ParseBin resolves a bin identifier, ignoring case and surrounding space.
func ParseBin(s string) (BinID, error) {
	id := BinID(strings.ToLower(strings.TrimSpace(s)))
	for _, b := range Bins {
		if b == id {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBin, s)
}

// Category returns the category collected by the bin.
func (b BinID) Category() Category {
	switch b {
	case BinOrganic:
		return Organic
	case BinInorganic:
		return Inorganic
	case BinHazardous:
		return Hazardous
	default:
		return None
	}
}

// Bin returns the bin that collects the category. None has no bin.
func (c Category) Bin() (BinID, bool) {
	switch c {
	case Organic:
		return BinOrganic, true
	case Inorganic:
		return BinInorganic, true
	case Hazardous:
		return BinHazardous, true
	default:
		return "", false
	}
}

// Box is a detector bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one labelled box reported by the object detector.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Result is the outcome of classifying one frame.
type Result struct {
	Category    Category `json:"category"`
	SourceLabel string   `json:"source_label,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	Box         *Box     `json:"box,omitempty"`
}
