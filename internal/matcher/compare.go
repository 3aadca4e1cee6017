package matcher

import (
	"math"
	"sort"
	"strings"

	"ladderlegends/internal/fingerprint"
)

// Check is one benchmark target evaluated against a replay.
type Check struct {
	Metric   string   `json:"metric"`
	Expected float64  `json:"expected"`
	Actual   *float64 `json:"actual"` // nil when the replay has no data for it
	Met      bool     `json:"met"`
}

// PhaseResult groups the checks of one phase.
type PhaseResult struct {
	Phase   string   `json:"phase"`
	EndTime float64  `json:"end_time"`
	Checks  []Check  `json:"checks"`
	Score   *float64 `json:"score"` // 0-1 over checks with data
}

// Comparison is the result of comparing a replay to a target build.
type Comparison struct {
	BuildID        string        `json:"build_id"`
	BuildName      string        `json:"build_name"`
	Similarity     float64       `json:"similarity"`
	Phases         []PhaseResult `json:"phases"`
	ExecutionScore float64       `json:"execution_score"` // 0-100
}

// weight of signature similarity in the execution score when benchmarks have data
const similarityWeight = 0.3

var gasBuildings = map[string]bool{"refinery": true, "extractor": true, "assimilator": true}

// Compare measures how closely fp followed build.
func Compare(fp fingerprint.Fingerprint, build ReferenceBuild) Comparison {
	c := Comparison{
		BuildID:    build.ID,
		BuildName:  build.Name,
		Similarity: Similarity(fp.Signature, build.Signature),
		Phases:     []PhaseResult{},
	}

	phases := make([]PhaseBenchmark, len(build.Phases))
	copy(phases, build.Phases)
	sort.SliceStable(phases, func(i, j int) bool {
		return phaseOrder[phases[i].Phase] < phaseOrder[phases[j].Phase]
	})

	var sum float64
	var n int
	for _, p := range phases {
		res := comparePhase(fp, p)
		for _, ch := range res.Checks {
			if ch.Actual != nil {
				sum += ratio(*ch.Actual, ch.Expected)
				n++
			}
		}
		c.Phases = append(c.Phases, res)
	}

	score := c.Similarity
	if n > 0 {
		score = similarityWeight*c.Similarity + (1-similarityWeight)*(sum/float64(n))
	}
	c.ExecutionScore = math.Round(score*1000) / 10
	return c
}

func comparePhase(fp fingerprint.Fingerprint, p PhaseBenchmark) PhaseResult {
	res := PhaseResult{Phase: p.Phase, EndTime: p.EndTime, Checks: []Check{}}
	minute := int(p.EndTime / 60)

	numeric := []struct {
		metric   string
		expected int
		actual   *float64
	}{
		{"workers", p.Workers, atMinute(fp.Economy.WorkersByMinute, minute)},
		{"bases", p.Bases, atMinute(fp.Economy.BasesByMinute, minute)},
		{"gas_buildings", p.GasBuildings, countGas(fp.BuildSequence, p.EndTime)},
		{"army_supply", p.ArmySupply, atMinute(fp.Tactical.ArmySupplyByMinute, minute)},
	}
	for _, m := range numeric {
		if m.expected <= 0 {
			continue
		}
		res.Checks = append(res.Checks, newCheck(m.metric, float64(m.expected), m.actual))
	}

	seen := seenBefore(fp.BuildSequence, p.EndTime)
	for _, group := range []struct {
		prefix string
		names  []string
	}{
		{"unit:", p.KeyUnits},
		{"building:", p.KeyBuildings},
		{"upgrade:", p.KeyUpgrades},
	} {
		for _, name := range group.names {
			var actual *float64
			if seen != nil {
				v := 0.0
				if seen[eventKey(name)] {
					v = 1
				}
				actual = &v
			}
			res.Checks = append(res.Checks, newCheck(group.prefix+name, 1, actual))
		}
	}

	var sum float64
	var n int
	for _, ch := range res.Checks {
		if ch.Actual != nil {
			sum += ratio(*ch.Actual, ch.Expected)
			n++
		}
	}
	if n > 0 {
		s := sum / float64(n)
		res.Score = &s
	}
	return res
}

func newCheck(metric string, expected float64, actual *float64) Check {
	return Check{
		Metric:   metric,
		Expected: expected,
		Actual:   actual,
		Met:      actual != nil && *actual >= expected,
	}
}

func ratio(actual, expected float64) float64 {
	if expected <= 0 {
		return 1
	}
	return math.Min(actual/expected, 1)
}

// atMinute returns series[minute], clamped to the last sample.
func atMinute(series []int, minute int) *float64 {
	if len(series) == 0 {
		return nil
	}
	if minute >= len(series) {
		minute = len(series) - 1
	}
	v := float64(series[minute])
	return &v
}

func countGas(events []fingerprint.BuildEvent, until float64) *float64 {
	if len(events) == 0 {
		return nil
	}
	var n float64
	for _, ev := range events {
		if ev.Time <= until && gasBuildings[eventKey(ev.Name)] {
			n++
		}
	}
	return &n
}

// seenBefore returns the set of event names started by until, or nil without a build order.
func seenBefore(events []fingerprint.BuildEvent, until float64) map[string]bool {
	if len(events) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.Time <= until {
			seen[eventKey(ev.Name)] = true
		}
	}
	return seen
}

func eventKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}
