package fingerprint

import (
	"bytes"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	unparsedKey = "unparsed"
	// documentKey holds a whole input that was not a JSON object.
	documentKey = "document"
)

// TimingKeys are the key-building timings every normalized fingerprint carries.
// Missing timings are null.
var TimingKeys = []string{
	"first_gas",
	"first_production",
	"first_expansion",
	"second_expansion",
	"first_attack",
}

// Normalize converts a stored fingerprint of any version into the current shape.
// It never fails and never drops input: unknown members go to Extra and members
// that cannot be decoded into their field are kept under Unparsed.
func Normalize(raw []byte) Fingerprint {
	var fp Fingerprint
	fields, ok := decodeObject(raw)
	if ok {
		fp.decodeFields(fields)
	} else if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !isNull(trimmed) {
		fp.keepUnparsed(documentKey, trimmed)
	}
	fp.fillDefaults()
	fp.SchemaVersion = Current
	return fp
}

// MigrateBytes normalizes raw and re-encodes it in the current shape.
func MigrateBytes(raw []byte) ([]byte, error) {
	return json.Marshal(Normalize(raw))
}

func (f *Fingerprint) targets() map[string]any {
	return map[string]any{
		"matchup":        &f.Matchup,
		"race":           &f.Race,
		"player_name":    &f.PlayerName,
		"all_players":    &f.AllPlayers,
		"metadata":       &f.Metadata,
		"economy":        &f.Economy,
		"tactical":       &f.Tactical,
		"micro":          &f.Micro,
		"positioning":    &f.Positioning,
		"ratios":         &f.Ratios,
		"timings":        &f.Timings,
		"build_sequence": &f.BuildSequence,
		"signature":      &f.Signature,
	}
}

func (f *Fingerprint) decodeFields(fields map[string]json.RawMessage) {
	// carried-over entries first so fresh failures replace them
	if raw, ok := fields[unparsedKey]; ok {
		f.mergeUnparsed(raw)
	}
	targets := f.targets()
	for key, raw := range fields {
		switch key {
		case versionKey:
			if _, ok := parseVersionTag(raw); !ok && !isNull(raw) {
				f.keepUnparsed(key, raw)
			}
			continue
		case unparsedKey:
			continue
		}

		target, ok := targets[key]
		if !ok {
			if f.Extra == nil {
				f.Extra = make(map[string]json.RawMessage)
			}
			f.Extra[key] = canonical(raw)
			continue
		}
		if isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			// a failed decode may have filled part of the target
			v := reflect.ValueOf(target).Elem()
			v.Set(reflect.Zero(v.Type()))
			f.keepUnparsed(key, raw)
		}
	}
}

func (f *Fingerprint) mergeUnparsed(raw json.RawMessage) {
	if isNull(raw) {
		return
	}
	var prior map[string]json.RawMessage
	if err := json.Unmarshal(raw, &prior); err != nil {
		f.keepUnparsed(unparsedKey, raw)
		return
	}
	for key, v := range prior {
		f.keepUnparsed(key, v)
	}
}

func (f *Fingerprint) keepUnparsed(key string, raw json.RawMessage) {
	if f.Unparsed == nil {
		f.Unparsed = make(map[string]json.RawMessage)
	}
	f.Unparsed[key] = canonical(raw)
}

// fillDefaults resolves every group to a concrete value.
func (f *Fingerprint) fillDefaults() {
	if f.AllPlayers == nil {
		f.AllPlayers = []PlayerInfo{}
	}
	if f.BuildSequence == nil {
		f.BuildSequence = []BuildEvent{}
	}
	if f.Timings == nil {
		f.Timings = make(map[string]*float64, len(TimingKeys))
	}
	for _, key := range TimingKeys {
		if _, ok := f.Timings[key]; !ok {
			f.Timings[key] = nil
		}
	}

	e := &f.Economy
	if e.WorkersByMinute == nil {
		e.WorkersByMinute = []int{}
	}
	if e.BasesByMinute == nil {
		e.BasesByMinute = []int{}
	}
	t := &f.Tactical
	if t.ArmySupplyByMinute == nil {
		t.ArmySupplyByMinute = []int{}
	}
	if t.AttackTimings == nil {
		t.AttackTimings = []float64{}
	}
	if f.Positioning.ExpansionTimings == nil {
		f.Positioning.ExpansionTimings = []float64{}
	}

	if f.Race == "" {
		if p, ok := f.Subject(); ok {
			f.Race = p.Race
		}
	}
	if f.Matchup == "" {
		f.Matchup = Matchup(f.Race, f.Metadata.OpponentRace)
	}
	if f.Signature == "" && len(f.BuildSequence) > 0 {
		f.Signature = Signature(f.Race, f.BuildSequence)
	}
}

// Matchup returns the short matchup code for two races, e.g. "TvZ".
// It returns "" unless both races are known.
func Matchup(race, opponentRace string) string {
	a, b := RaceCode(race), RaceCode(opponentRace)
	if a == "" || b == "" {
		return ""
	}
	return a + "v" + b
}

// RaceCode returns the single-letter code for a race name.
func RaceCode(race string) string {
	switch strings.ToLower(strings.TrimSpace(race)) {
	case "terran", "t", "terr":
		return "T"
	case "zerg", "z":
		return "Z"
	case "protoss", "p", "prot":
		return "P"
	case "random", "r":
		return "R"
	}
	return ""
}
