package matcher

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Phase names, in game order.
const (
	PhaseOpening = "opening"
	PhaseEarly   = "early"
	PhaseMid     = "mid"
	PhaseLate    = "late"
)

var phaseOrder = map[string]int{PhaseOpening: 0, PhaseEarly: 1, PhaseMid: 2, PhaseLate: 3}

// ReferenceBuild is a curated build order used as a matching target.
type ReferenceBuild struct {
	ID        string           `yaml:"id" json:"id"`
	Name      string           `yaml:"name" json:"name"`
	Matchup   string           `yaml:"matchup" json:"matchup"`
	Race      string           `yaml:"race" json:"race"`
	Signature string           `yaml:"signature" json:"signature"`
	Phases    []PhaseBenchmark `yaml:"phases" json:"phases"`
}

// PhaseBenchmark holds the targets a player should hit by the end of a phase.
// Zero numeric targets are not checked.
type PhaseBenchmark struct {
	Phase        string   `yaml:"phase" json:"phase"`
	EndTime      float64  `yaml:"end_time" json:"end_time"` // seconds of game time
	Workers      int      `yaml:"workers" json:"workers"`
	Bases        int      `yaml:"bases" json:"bases"`
	GasBuildings int      `yaml:"gas_buildings" json:"gas_buildings"`
	ArmySupply   int      `yaml:"army_supply" json:"army_supply"`
	KeyUnits     []string `yaml:"key_units" json:"key_units"`
	KeyBuildings []string `yaml:"key_buildings" json:"key_buildings"`
	KeyUpgrades  []string `yaml:"key_upgrades" json:"key_upgrades"`
}

// Catalog is the read-only, ordered set of reference builds.
type Catalog struct {
	builds []ReferenceBuild
	byID   map[string]int
}

type catalogFile struct {
	Builds []ReferenceBuild `yaml:"builds"`
}

// LoadCatalog reads a YAML catalog from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(file.Builds)
}

// NewCatalog validates builds and keeps them in the given order.
func NewCatalog(builds []ReferenceBuild) (*Catalog, error) {
	c := &Catalog{
		builds: make([]ReferenceBuild, 0, len(builds)),
		byID:   make(map[string]int, len(builds)),
	}
	for i, b := range builds {
		if b.ID == "" {
			return nil, fmt.Errorf("build %d: missing id", i)
		}
		if _, dup := c.byID[b.ID]; dup {
			return nil, fmt.Errorf("build %s: duplicate id", b.ID)
		}
		if b.Matchup == "" {
			return nil, fmt.Errorf("build %s: missing matchup", b.ID)
		}
		for _, p := range b.Phases {
			if _, ok := phaseOrder[p.Phase]; !ok {
				return nil, fmt.Errorf("build %s: unknown phase %q", b.ID, p.Phase)
			}
		}
		c.byID[b.ID] = len(c.builds)
		c.builds = append(c.builds, b)
	}
	return c, nil
}

// Builds returns every build in catalog order.
func (c *Catalog) Builds() []ReferenceBuild {
	if c == nil {
		return nil
	}
	out := make([]ReferenceBuild, len(c.builds))
	copy(out, c.builds)
	return out
}

// ByMatchup returns the builds for one matchup, in catalog order.
func (c *Catalog) ByMatchup(matchup string) []ReferenceBuild {
	if c == nil {
		return nil
	}
	var out []ReferenceBuild
	for _, b := range c.builds {
		if b.Matchup == matchup {
			out = append(out, b)
		}
	}
	return out
}

// Get returns the build with the given id.
func (c *Catalog) Get(id string) (ReferenceBuild, bool) {
	if c == nil {
		return ReferenceBuild{}, false
	}
	i, ok := c.byID[id]
	if !ok {
		return ReferenceBuild{}, false
	}
	return c.builds[i], true
}

// Len returns the number of builds.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.builds)
}
