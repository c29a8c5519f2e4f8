package waste

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// MinConfidence is the lowest detector confidence that is classified at all.
const MinConfidence = 0.5

var (
	// ErrAmbiguousLabel is returned when a label is listed under more than
	// one category.
	ErrAmbiguousLabel = errors.New("label listed in more than one category")
	// ErrInvalidTable covers every other malformed table.
	ErrInvalidTable = errors.New("invalid category table")
)

// DefaultEntries is the category table shipped with the system. Labels are
// COCO class names as produced by the YOLO detector.
func DefaultEntries() map[Category][]string {
	return map[Category][]string{
		Organic: {
			"banana", "apple", "orange", "broccoli", "carrot",
			"sandwich", "hot dog", "pizza", "donut", "cake",
		},
		Inorganic: {
			"bottle", "cup", "fork", "spoon", "knife", "scissors",
			"toothbrush", "keyboard", "microwave", "oven",
			"toaster", "clock", "vase",
		},
		Hazardous: {
			"cell phone", "laptop", "remote", "tv", "mouse", "refrigerator",
		},
	}
}

// Table maps detector labels to categories. It is immutable once built.
type Table struct {
	byLabel map[string]Category
}

// NewTable validates entries and builds a Table. Labels are matched
// case-insensitively. A label that appears under two categories is a
// configuration error and is rejected rather than resolved by order.
func NewTable(entries map[Category][]string) (*Table, error) {
	for c := range entries {
		if _, ok := c.Bin(); !ok {
			return nil, fmt.Errorf("%w: category %s cannot hold labels", ErrInvalidTable, c)
		}
	}

	t := &Table{byLabel: make(map[string]Category)}
	for _, c := range []Category{Organic, Inorganic, Hazardous} {
		labels := lo.Uniq(lo.Map(entries[c], func(l string, _ int) string {
			return normalizeLabel(l)
		}))
		if slices.Contains(labels, "") {
			return nil, fmt.Errorf("%w: empty label under %s", ErrInvalidTable, c)
		}
		for _, label := range labels {
			if prev, ok := t.byLabel[label]; ok {
				return nil, fmt.Errorf("%w: %q is both %s and %s", ErrAmbiguousLabel, label, prev, c)
			}
			t.byLabel[label] = c
		}
	}
	return t, nil
}

// DefaultTable returns the shipped table.
func DefaultTable() *Table {
	t, err := NewTable(DefaultEntries())
	if err != nil {
		panic("default category table is invalid: " + err.Error())
	}
	return t
}

// tableFile is the YAML layout of a category table override.
type tableFile struct {
	Organic   []string `yaml:"organic"`
	Inorganic []string `yaml:"inorganic"`
	Hazardous []string `yaml:"hazardous"`
}

// ParseTable builds a Table from YAML with organic, inorganic and hazardous
// label lists. Unknown keys are rejected.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	if len(f.Organic)+len(f.Inorganic)+len(f.Hazardous) == 0 {
		return nil, fmt.Errorf("%w: no labels", ErrInvalidTable)
	}
	return NewTable(map[Category][]string{
		Organic:   f.Organic,
		Inorganic: f.Inorganic,
		Hazardous: f.Hazardous,
	})
}

// LoadTable reads a category table override from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read category table: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("category table %s: %w", path, err)
	}
	return t, nil
}

// Classify maps a single detection onto a category. Confidence below
// MinConfidence yields None without consulting the table.
func (t *Table) Classify(label string, confidence float64) Category {
	if confidence < MinConfidence {
		return None
	}
	return t.byLabel[normalizeLabel(label)]
}

// ClassifyFrame returns the first detection in the frame that maps onto a
// category, or a None result when nothing qualifies.
func (t *Table) ClassifyFrame(detections []Detection) Result {
	for _, d := range detections {
		c := t.Classify(d.Label, d.Confidence)
		if c == None {
			continue
		}
		box := d.Box
		return Result{Category: c, SourceLabel: d.Label, Confidence: d.Confidence, Box: &box}
	}
	return Result{Category: None}
}

// Labels returns the sorted labels for a category.
func (t *Table) Labels(c Category) []string {
	labels := lo.Keys(lo.PickByValues(t.byLabel, []Category{c}))
	slices.Sort(labels)
	return labels
}

// Len returns the number of labels in the table.
func (t *Table) Len() int {
	return len(t.byLabel)
}

func normalizeLabel(l string) string {
	return strings.ToLower(strings.TrimSpace(l))
}
