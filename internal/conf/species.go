// species.go: data-driven per-species behavior tables. New species require
// data entries here, never code changes in the scorer or classifier.
package conf

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Activity period names recognized in behavior tables.
const (
	PeriodDay   = "day"
	PeriodNight = "night"
	PeriodDawn  = "dawn"
	PeriodDusk  = "dusk"
)

// SpeciesBehavior describes expected behavior for one species: when it is
// normally active and what bounding box sizes are plausible for it.
type SpeciesBehavior struct {
	// ActivePeriods lists the times of day the species is normally active.
	// Empty means unknown, which scores neutral.
	ActivePeriods []string `yaml:"active"`
	// MinAreaRatio and MaxAreaRatio bound the expected bounding box area as
	// a fraction of the frame.
	MinAreaRatio float64 `yaml:"min_area_ratio"`
	MaxAreaRatio float64 `yaml:"max_area_ratio"`
	// SizeTolerance widens the size band before the score decays to zero.
	SizeTolerance float64 `yaml:"size_tolerance"`
	// Rare marks species that always warrant at least a WARNING alert.
	Rare bool `yaml:"rare"`
}

// HasSizeRange reports whether the behavior entry carries a usable size band.
func (sb *SpeciesBehavior) HasSizeRange() bool {
	return sb.MaxAreaRatio > 0 && sb.MaxAreaRatio >= sb.MinAreaRatio
}

// ActiveDuring reports whether the species is expected to be active during
// the given period.
func (sb *SpeciesBehavior) ActiveDuring(period string) bool {
	for _, p := range sb.ActivePeriods {
		if strings.EqualFold(p, period) {
			return true
		}
	}
	return false
}

// LoadSpeciesBehaviors reads the behavior table file (if configured) and
// merges inline entries from settings over it. Species names are normalized
// to lowercase.
func LoadSpeciesBehaviors(s *SpeciesSettings) (map[string]SpeciesBehavior, error) {
	behaviors := make(map[string]SpeciesBehavior)

	if s.BehaviorFile != "" {
		data, err := os.ReadFile(s.BehaviorFile)
		if err != nil {
			return nil, fmt.Errorf("reading species behavior file %s: %w", s.BehaviorFile, err)
		}
		var fromFile map[string]SpeciesBehavior
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("parsing species behavior file %s: %w", s.BehaviorFile, err)
		}
		for name, b := range fromFile {
			behaviors[strings.ToLower(name)] = b
		}
	}

	// Inline entries win over file entries.
	for name, b := range s.Behaviors {
		behaviors[strings.ToLower(name)] = b
	}

	return behaviors, nil
}
