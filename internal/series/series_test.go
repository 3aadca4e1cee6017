package series

import (
	"context"
	"math"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladderlegends/internal/replay"
)

func ptr(v float64) *float64 { return &v }

func entry(id string, at time.Time, result string) replay.IndexEntry {
	return replay.IndexEntry{ID: id, UploadedAt: at, Result: result, Matchup: "TvZ"}
}

// threeWeeks spans ISO weeks 10, 11 and 12 of 2026.
func threeWeeks() []replay.IndexEntry {
	e1 := entry("a", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), "Win")
	e1.SupplyBlockTime = ptr(10)
	e2 := entry("b", time.Date(2026, 3, 8, 23, 59, 0, 0, time.UTC), "Loss")
	e3 := entry("c", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), "Win")
	e3.SupplyBlockTime = ptr(20)
	e4 := entry("d", time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC), "Tie")
	e4.ProductionIdleTime = ptr(5)
	return []replay.IndexEntry{e4, e2, e1, e3}
}

// TestBuildSeries_Empty tests that no entries produce no buckets
func TestBuildSeries_Empty(t *testing.T) {
	for _, p := range []Period{Daily, Weekly, Monthly, AllTime} {
		ts, err := BuildSeries(nil, p)
		require.NoError(t, err)
		assert.Empty(t, ts.Buckets, p)
		assert.Equal(t, 0, ts.ReplayCount)
	}
}

// TestBuildSeries_Weekly tests ISO week bucketing and per-bucket stats
func TestBuildSeries_Weekly(t *testing.T) {
	ts, err := BuildSeries(threeWeeks(), Weekly)
	require.NoError(t, err)
	require.Len(t, ts.Buckets, 3)
	assert.Equal(t, 4, ts.ReplayCount)

	w10, w11, w12 := ts.Buckets[0], ts.Buckets[1], ts.Buckets[2]
	assert.Equal(t, "2026-W10", w10.Label)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), w10.Start)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), w10.End)
	assert.Equal(t, 2, w10.ReplayCount)
	assert.Equal(t, 1, w10.Wins)
	assert.Equal(t, 1, w10.Losses)
	assert.InDelta(t, 0.5, float64(w10.WinRate), 1e-9)
	require.NotNil(t, w10.AvgSupplyBlockTime)
	assert.Equal(t, 10.0, *w10.AvgSupplyBlockTime)
	assert.Nil(t, w10.AvgProductionIdleTime)

	assert.Equal(t, "2026-W11", w11.Label)
	assert.Equal(t, 1, w11.ReplayCount)
	assert.InDelta(t, 1.0, float64(w11.WinRate), 1e-9)

	assert.Equal(t, "2026-W12", w12.Label)
	assert.Equal(t, 1, w12.ReplayCount)
	assert.Equal(t, 0, w12.Wins+w12.Losses)
	assert.Equal(t, 1, w12.Undecided)
	assert.True(t, math.IsNaN(float64(w12.WinRate)))
	assert.Nil(t, w12.AvgSupplyBlockTime)
	require.NotNil(t, w12.AvgProductionIdleTime)
	assert.Equal(t, 5.0, *w12.AvgProductionIdleTime)

	for _, b := range ts.Buckets {
		assert.Equal(t, b.ReplayCount, b.Wins+b.Losses+b.Undecided)
	}
}

// TestBuildSeries_UndecidedExcludedFromWinRate tests that ties and unknown results do not dilute the rate
func TestBuildSeries_UndecidedExcludedFromWinRate(t *testing.T) {
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	entries := []replay.IndexEntry{
		entry("a", at, "Win"),
		entry("b", at, "Loss"),
		entry("c", at, "Tie"),
		entry("d", at, ""),
	}
	ts, err := BuildSeries(entries, AllTime)
	require.NoError(t, err)
	require.Len(t, ts.Buckets, 1)

	b := ts.Buckets[0]
	assert.Equal(t, 4, b.ReplayCount)
	assert.Equal(t, 2, b.Undecided)
	assert.InDelta(t, 0.5, float64(b.WinRate), 1e-9)
}

// TestBuildSeries_Periods tests daily, monthly and all-time bucketing
func TestBuildSeries_Periods(t *testing.T) {
	daily, err := BuildSeries(threeWeeks(), Daily)
	require.NoError(t, err)
	require.Len(t, daily.Buckets, 4)
	assert.Equal(t, "2026-03-02", daily.Buckets[0].Label)
	assert.Equal(t, "2026-03-18", daily.Buckets[3].Label)

	monthly, err := BuildSeries(threeWeeks(), Monthly)
	require.NoError(t, err)
	require.Len(t, monthly.Buckets, 1)
	assert.Equal(t, "2026-03", monthly.Buckets[0].Label)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), monthly.Buckets[0].End)
	assert.InDelta(t, 15.0, *monthly.Buckets[0].AvgSupplyBlockTime, 1e-9)

	all, err := BuildSeries(threeWeeks(), AllTime)
	require.NoError(t, err)
	require.Len(t, all.Buckets, 1)
	b := all.Buckets[0]
	assert.Equal(t, "all-time", b.Label)
	assert.Equal(t, 4, b.ReplayCount)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), b.Start)
	assert.Equal(t, time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC), b.End)
	assert.InDelta(t, 2.0/3.0, float64(b.WinRate), 1e-9)
}

// TestBuildSeries_GameDatePreferred tests that the game date decides the bucket
func TestBuildSeries_GameDatePreferred(t *testing.T) {
	played := time.Date(2026, 2, 27, 20, 0, 0, 0, time.UTC)
	e := entry("a", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), "Win")
	e.GameDate = &played

	ts, err := BuildSeries([]replay.IndexEntry{e, entry("b", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), "Loss")}, Monthly)
	require.NoError(t, err)
	require.Len(t, ts.Buckets, 2)
	assert.Equal(t, "2026-02", ts.Buckets[0].Label)
	assert.Equal(t, "2026-03", ts.Buckets[1].Label)
}

// TestBuildSeries_UnknownPeriod tests period validation
func TestBuildSeries_UnknownPeriod(t *testing.T) {
	_, err := BuildSeries(nil, Period("hourly"))
	assert.Error(t, err)
	_, err = BuildSeries(nil, Period(""))
	assert.Error(t, err)
}

// TestParsePeriod tests accepted spellings
func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, Weekly, p)

	p, err = ParsePeriod(" Monthly ")
	require.NoError(t, err)
	assert.Equal(t, Monthly, p)

	p, err = ParsePeriod("all")
	require.NoError(t, err)
	assert.Equal(t, AllTime, p)

	_, err = ParsePeriod("yearly")
	assert.Error(t, err)
}

// TestRate_JSON tests that an undefined rate encodes as null
func TestRate_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Rate `json:"a"`
		B Rate `json:"b"`
	}{Rate(math.NaN()), Rate(0.25)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": null, "b": 0.25}`, string(data))

	var back struct {
		A Rate `json:"a"`
		B Rate `json:"b"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.False(t, back.A.Defined())
	assert.Equal(t, Rate(0.25), back.B)
}

// TestBuildSeriesAsync_Identical tests that the async form matches byte for byte
func TestBuildSeriesAsync_Identical(t *testing.T) {
	entries := threeWeeks()
	direct, err := BuildSeries(entries, Weekly)
	require.NoError(t, err)
	want, err := json.Marshal(direct)
	require.NoError(t, err)

	done := make(chan TimeSeries, 1)
	BuildSeriesAsync(context.Background(), entries, Weekly,
		func(ts TimeSeries) { done <- ts },
		func(err error) { t.Errorf("unexpected error: %v", err) },
	)
	// mutating the caller's slice must not affect the running computation
	entries[0].Result = "Win"

	select {
	case ts := <-done:
		got, err := json.Marshal(ts)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("async series did not complete")
	}
}

// TestBuildSeriesAsync_Errors tests cancellation and invalid periods
func TestBuildSeriesAsync_Errors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := make(chan error, 2)
	fail := func(TimeSeries) { t.Error("unexpected success") }
	BuildSeriesAsync(ctx, threeWeeks(), Weekly, fail, func(err error) { errs <- err })
	BuildSeriesAsync(context.Background(), nil, Period("bogus"), fail, func(err error) { errs <- err })

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("async series did not report")
		}
	}
}
