package fingerprint

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Version identifies the shape of a stored fingerprint.
type Version int

const (
	// V1 fingerprints carry matchup, race, player, metadata, economy and signature.
	V1 Version = 1
	// V2 adds the player list, tactical and micro groups.
	V2 Version = 2
	// V3 adds positioning, ratios, key timings and the build sequence.
	V3 Version = 3

	Oldest  = V1
	Current = V3
)

const versionKey = "schema_version"

// Fields that only exist from a given version on. Used when no explicit tag is present.
var (
	v3OnlyFields = []string{"positioning", "ratios"}
	v2OnlyFields = []string{"all_players", "tactical", "micro"}
)

func (v Version) String() string {
	return fmt.Sprintf("v%d", int(v))
}

// Known reports whether v is a version this package can normalize from.
func (v Version) Known() bool {
	return v >= Oldest && v <= Current
}

// ParseVersion accepts "3", "3.0", "v3" and similar spellings.
func ParseVersion(s string) (Version, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, false
	}
	v := Version(int(f))
	if !v.Known() {
		return 0, false
	}
	return v, true
}

// DetectVersion returns the version of a raw fingerprint document.
// An explicit tag wins when it names a known version; otherwise the version is
// inferred from which field groups are present. Anything that is not a JSON
// object is treated as the oldest version.
func DetectVersion(raw []byte) Version {
	fields, ok := decodeObject(raw)
	if !ok {
		return Oldest
	}
	return detectFields(fields)
}

// NeedsMigration reports whether raw is not already in the current shape.
func NeedsMigration(raw []byte) bool {
	return DetectVersion(raw) != Current
}

func detectFields(fields map[string]json.RawMessage) Version {
	if tag, ok := fields[versionKey]; ok {
		if v, ok := parseVersionTag(tag); ok {
			return v
		}
	}
	if hasAny(fields, v3OnlyFields) {
		return V3
	}
	if hasAny(fields, v2OnlyFields) {
		return V2
	}
	return Oldest
}

func parseVersionTag(raw json.RawMessage) (Version, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return ParseVersion(strconv.FormatFloat(n, 'f', -1, 64))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseVersion(s)
	}
	return 0, false
}

func hasAny(fields map[string]json.RawMessage, keys []string) bool {
	for _, key := range keys {
		if raw, ok := fields[key]; ok && !isNull(raw) {
			return true
		}
	}
	return false
}

// decodeObject splits a JSON object into its top-level members.
func decodeObject(raw []byte) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
