// Package series derives periodic performance aggregates from index entries.
package series

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/replay"
)

// Period is a bucketing granularity.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
	AllTime Period = "all-time"
)

// ParsePeriod accepts the period names; empty means weekly.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Weekly, nil
	case Daily, Weekly, Monthly, AllTime:
		return p, nil
	case "all", "alltime", "all_time":
		return AllTime, nil
	}
	return "", apperrors.ValidationError{Field: "period", Message: fmt.Sprintf("unknown period %q", s)}
}

// Rate is a ratio that may be undefined. NaN encodes as JSON null.
type Rate float64

func (r Rate) Defined() bool { return !math.IsNaN(float64(r)) }

func (r Rate) MarshalJSON() ([]byte, error) {
	if !r.Defined() || math.IsInf(float64(r), 0) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(r))
}

func (r *Rate) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Rate(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Rate(f)
	return nil
}

// Bucket aggregates the entries of one period.
type Bucket struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	// End is exclusive. For all-time it is the latest entry time.
	End time.Time `json:"end"`

	ReplayCount int `json:"replay_count"`
	Wins        int `json:"wins"`
	Losses      int `json:"losses"`
	// Undecided counts ties and games with an unknown result.
	Undecided int `json:"undecided"`
	// WinRate is wins / (wins + losses). Undecided games are left out of
	// both sides; the rate is null when no game was decided.
	WinRate Rate `json:"win_rate"`

	AvgSupplyBlockTime    *float64 `json:"avg_supply_block_time"`
	AvgProductionIdleTime *float64 `json:"avg_production_idle_time"`
}

// TimeSeries is the chronologically ordered list of non-empty buckets.
type TimeSeries struct {
	Period      Period   `json:"period"`
	ReplayCount int      `json:"replay_count"`
	Buckets     []Bucket `json:"buckets"`
}

type accumulator struct {
	bucket    Bucket
	supplySum float64
	supplyN   int
	idleSum   float64
	idleN     int
}

// BuildSeries buckets entries by period. Entries are charted at their game
// date when known, else their upload time, in UTC.
func BuildSeries(entries []replay.IndexEntry, period Period) (TimeSeries, error) {
	switch period {
	case Daily, Weekly, Monthly, AllTime:
	default:
		return TimeSeries{}, apperrors.ValidationError{Field: "period", Message: fmt.Sprintf("unknown period %q", period)}
	}

	accs := make(map[time.Time]*accumulator)
	for _, e := range entries {
		t := e.BucketTime()
		key, end, label := bounds(t, period)
		acc, ok := accs[key]
		if !ok {
			start := key
			if period == AllTime {
				start, end = t, t
			}
			acc = &accumulator{bucket: Bucket{Label: label, Start: start, End: end}}
			accs[key] = acc
		}
		if period == AllTime {
			if t.Before(acc.bucket.Start) {
				acc.bucket.Start = t
			}
			if t.After(acc.bucket.End) {
				acc.bucket.End = t
			}
		}
		acc.add(e)
	}

	out := TimeSeries{Period: period, ReplayCount: len(entries), Buckets: make([]Bucket, 0, len(accs))}
	for _, acc := range accs {
		out.Buckets = append(out.Buckets, acc.finish())
	}
	sort.Slice(out.Buckets, func(i, j int) bool {
		return out.Buckets[i].Start.Before(out.Buckets[j].Start)
	})
	return out, nil
}

// BuildSeriesAsync computes the same series as BuildSeries on its own
// goroutine and reports through exactly one of the callbacks. The entries are
// copied before returning, so the caller may reuse the slice.
func BuildSeriesAsync(ctx context.Context, entries []replay.IndexEntry, period Period, onSuccess func(TimeSeries), onError func(error)) {
	snapshot := make([]replay.IndexEntry, len(entries))
	copy(snapshot, entries)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				onError(fmt.Errorf("series computation panicked: %v", r))
			}
		}()
		if err := ctx.Err(); err != nil {
			onError(err)
			return
		}
		ts, err := BuildSeries(snapshot, period)
		if err != nil {
			onError(err)
			return
		}
		if err := ctx.Err(); err != nil {
			onError(err)
			return
		}
		onSuccess(ts)
	}()
}

func (a *accumulator) add(e replay.IndexEntry) {
	a.bucket.ReplayCount++
	switch strings.ToLower(e.Result) {
	case "win", "victory":
		a.bucket.Wins++
	case "loss", "defeat":
		a.bucket.Losses++
	default:
		a.bucket.Undecided++
	}
	if e.SupplyBlockTime != nil {
		a.supplySum += *e.SupplyBlockTime
		a.supplyN++
	}
	if e.ProductionIdleTime != nil {
		a.idleSum += *e.ProductionIdleTime
		a.idleN++
	}
}

func (a *accumulator) finish() Bucket {
	b := a.bucket
	b.WinRate = Rate(math.NaN())
	if decided := b.Wins + b.Losses; decided > 0 {
		b.WinRate = Rate(float64(b.Wins) / float64(decided))
	}
	b.AvgSupplyBlockTime = mean(a.supplySum, a.supplyN)
	b.AvgProductionIdleTime = mean(a.idleSum, a.idleN)
	return b
}

func mean(sum float64, n int) *float64 {
	if n == 0 {
		return nil
	}
	v := sum / float64(n)
	return &v
}

// bounds returns the bucket containing t. Weeks are ISO weeks starting Monday.
func bounds(t time.Time, period Period) (start, end time.Time, label string) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case Daily:
		return day, day.AddDate(0, 0, 1), day.Format("2006-01-02")
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		year, week := start.ISOWeek()
		return start, start.AddDate(0, 0, 7), fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), start.Format("2006-01")
	default:
		// one bucket; widened to the entry range by the caller
		return time.Time{}, time.Time{}, string(AllTime)
	}
}
