// Package fingerprint defines the versioned per-player replay fingerprint and
// normalizes every stored shape to the current one.
//
// Normalization is total: missing groups get deterministic defaults, present
// fields are copied unchanged, unknown keys are kept in Extra and re-emitted on
// marshal, and known keys with an unusable shape are kept verbatim under
// "unparsed". Decoding a Fingerprint with encoding/json or go-json always
// normalizes, so records written by older versions are upgraded on read.
package fingerprint

import (
	json "github.com/goccy/go-json"
)

// Fingerprint is one player's structured summary of a replay, in the current shape.
type Fingerprint struct {
	SchemaVersion Version             `json:"schema_version"`
	Matchup       string              `json:"matchup"`
	Race          string              `json:"race"`
	PlayerName    string              `json:"player_name"`
	AllPlayers    []PlayerInfo        `json:"all_players"`
	Metadata      Metadata            `json:"metadata"`
	Economy       Economy             `json:"economy"`
	Tactical      Tactical            `json:"tactical"`
	Micro         Micro               `json:"micro"`
	Positioning   Positioning         `json:"positioning"`
	Ratios        Ratios              `json:"ratios"`
	Timings       map[string]*float64 `json:"timings"`
	BuildSequence []BuildEvent        `json:"build_sequence"`
	Signature     string              `json:"signature"`

	// Unparsed holds known keys whose value had an unusable shape.
	Unparsed map[string]json.RawMessage `json:"unparsed,omitempty"`
	// Extra holds top-level keys this version does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

// PlayerInfo describes one participant of the game.
type PlayerInfo struct {
	Name       string `json:"name"`
	Race       string `json:"race"`
	Result     string `json:"result"`
	Team       int    `json:"team"`
	IsObserver bool   `json:"is_observer"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Metadata describes the game the fingerprint was taken from.
type Metadata struct {
	Map          string  `json:"map"`
	Duration     float64 `json:"duration"` // seconds
	Result       string  `json:"result"`
	OpponentRace string  `json:"opponent_race"`
	GameType     string  `json:"game_type"`
	Category     string  `json:"category"`
	GameDate     string  `json:"game_date"` // RFC 3339, empty when unknown

	Extra map[string]json.RawMessage `json:"-"`
}

// Economy holds worker and base progression.
type Economy struct {
	WorkersByMinute    []int    `json:"workers_by_minute"`
	BasesByMinute      []int    `json:"bases_by_minute"`
	GasBuildings       int      `json:"gas_buildings"`
	MaxWorkers         int      `json:"max_workers"`
	SupplyBlockTime    *float64 `json:"supply_block_time"`    // seconds supply blocked
	ProductionIdleTime *float64 `json:"production_idle_time"` // seconds of idle production

	Extra map[string]json.RawMessage `json:"-"`
}

// Tactical holds army development and engagements.
type Tactical struct {
	ArmySupplyByMinute []int     `json:"army_supply_by_minute"`
	AttackTimings      []float64 `json:"attack_timings"`
	UnitsKilled        int       `json:"units_killed"`
	UnitsLost          int       `json:"units_lost"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Micro holds mechanical metrics.
type Micro struct {
	APM               float64  `json:"apm"`
	EPM               float64  `json:"epm"`
	ControlGroupsUsed int      `json:"control_groups_used"`
	InjectEfficiency  *float64 `json:"inject_efficiency"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Positioning holds map-presence metrics.
type Positioning struct {
	ExpansionTimings []float64 `json:"expansion_timings"`
	ProxyStructures  int       `json:"proxy_structures"`
	ArmyForwardRatio *float64  `json:"army_forward_ratio"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Ratios holds derived resource ratios.
type Ratios struct {
	WorkerToArmy  *float64 `json:"worker_to_army"`
	GasToMinerals *float64 `json:"gas_to_minerals"`

	Extra map[string]json.RawMessage `json:"-"`
}

// BuildEvent is one entry of the build order.
type BuildEvent struct {
	Time   float64 `json:"time"` // seconds
	Supply int     `json:"supply"`
	Kind   string  `json:"kind"` // unit, building, upgrade
	Name   string  `json:"name"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Subject returns the entry of AllPlayers matching PlayerName.
func (f Fingerprint) Subject() (PlayerInfo, bool) {
	for _, p := range f.AllPlayers {
		if p.Name == f.PlayerName {
			return p, true
		}
	}
	return PlayerInfo{}, false
}

// Timing returns the first-seen time for a key building, or nil.
func (f Fingerprint) Timing(name string) *float64 {
	return f.Timings[name]
}

// UnmarshalJSON normalizes any stored shape. It never fails.
func (f *Fingerprint) UnmarshalJSON(data []byte) error {
	*f = Normalize(data)
	return nil
}

func (f Fingerprint) MarshalJSON() ([]byte, error) {
	type plain Fingerprint
	return marshalWithExtras(plain(f), f.Extra)
}

func (p *PlayerInfo) UnmarshalJSON(data []byte) error {
	type plain PlayerInfo
	var v plain
	extra, err := unmarshalWithExtras(data, &v)
	if err != nil {
		return err
	}
	*p = PlayerInfo(v)
	p.Extra = extra
	return nil
}

func (p PlayerInfo) MarshalJSON() ([]byte, error) {
	type plain PlayerInfo
	return marshalWithExtras(plain(p), p.Extra)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	type plain Metadata
	var v plain
	extra, err := unmarshalWithExtras(data, &v)
	if err != nil {
		return err
	}
	*m = Metadata(v)
	m.Extra = extra
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	type plain Metadata
	return marshalWithExtras(plain(m), m.Extra)
}

func (e *Economy) UnmarshalJSON(data []byte) error {
	type plain Economy
	var v plain
	extra, err := unmarshalWithExtras(data, &v)
	if err != nil {
		return err
	}
	*e = Economy(v)
	e.Extra = extra
	return nil
}

func (e Economy) MarshalJSON() ([]byte, error) {
	type plain Economy
	return marshalWithExtras(plain(e), e.Extra)
}

func (t *Tactical) UnmarshalJSON(data []byte) error {
	type plain Tactical
	var v plain
	extra, err := unmarshalWithExtras(data, &v)
	if err != nil {
		return err
	}
	*t = Tactical(v)
	t.Extra = extra
	return nil
}

func (t Tactical) MarshalJSON() ([]byte, error) {
	type plain Tactical
	return marshalWithExtras(plain(t), t.Extra)
}

func (m *Micro) UnmarshalJSON(data []byte) error {
	type plain Micro
	var v plain
	extra, err := unmarshalWithExtras(data, &v)
	if err != nil {
		return err
	}
	*m = Micro(v)
	m.Extra = extra
	return nil
}

func (m Micro) MarshalJSON() ([]byte, error) {
	type plain Micro
	return marshalWithExtras(plain(m), m.Extra)
}

func (p *Positioning) UnmarshalJSON(data []byte) error {
	type plain Positioning
	var v plain
	extra, err := unmarshalWithExtras(data, &v)
	if err != nil {
		return err
	}
	*p = Positioning(v)
	p.Extra = extra
	return nil
}

func (p Positioning) MarshalJSON() ([]byte, error) {
	type plain Positioning
	return marshalWithExtras(plain(p), p.Extra)
}

func (r *Ratios) UnmarshalJSON(data []byte) error {
	type plain Ratios
	var v plain
	extra, err := unmarshalWithExtras(data, &v)
	if err != nil {
		return err
	}
	*r = Ratios(v)
	r.Extra = extra
	return nil
}

func (r Ratios) MarshalJSON() ([]byte, error) {
	type plain Ratios
	return marshalWithExtras(plain(r), r.Extra)
}

func (b *BuildEvent) UnmarshalJSON(data []byte) error {
	type plain BuildEvent
	var v plain
	extra, err := unmarshalWithExtras(data, &v)
	if err != nil {
		return err
	}
	*b = BuildEvent(v)
	b.Extra = extra
	return nil
}

func (b BuildEvent) MarshalJSON() ([]byte, error) {
	type plain BuildEvent
	return marshalWithExtras(plain(b), b.Extra)
}
