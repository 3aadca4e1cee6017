package matcher

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladderlegends/internal/fingerprint"
)

func testBuilds() []ReferenceBuild {
	return []ReferenceBuild{
		{ID: "a", Name: "Rax FE", Matchup: "TvZ", Race: "Terran", Signature: "T:ssdsgbmmm"},
		{ID: "b", Name: "Same Sig", Matchup: "TvZ", Race: "Terran", Signature: "T:ssdsgbmmm"},
		{ID: "c", Name: "Mech", Matchup: "TvZ", Race: "Terran", Signature: "T:ssdgfffhhh"},
		{ID: "d", Name: "Gate Expand", Matchup: "PvT", Race: "Protoss", Signature: "P:ssdgbo"},
	}
}

// TestEditDistance tests the distance identities
func TestEditDistance(t *testing.T) {
	for _, s := range []string{"", "a", "T:ssdsgbmmm", "Z:ссд"} {
		assert.Equal(t, 0, EditDistance(s, s), s)
		assert.Equal(t, len([]rune(s)), EditDistance("", s), s)
		assert.Equal(t, len([]rune(s)), EditDistance(s, ""), s)
		assert.Equal(t, 1.0, Similarity(s, s), s)
	}
	assert.Equal(t, 3, EditDistance("kitten", "sitting"))
	assert.Equal(t, 1, EditDistance("T:ssdsgbmmm", "T:ssdsgbmmmm"))
	assert.Equal(t, EditDistance("abcdef", "azced"), EditDistance("azced", "abcdef"))
}

// TestSimilarity tests the normalized score and its edge cases
func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("", "abc"))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.InDelta(t, 1-1.0/12, Similarity("T:ssdsgbmmm", "T:ssdsgbmmmm"), 1e-9)
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
}

// TestFindBestMatch_OneExtraCharacter tests the documented example
func TestFindBestMatch_OneExtraCharacter(t *testing.T) {
	res := FindBestMatch("T:ssdsgbmmmm", testBuilds(), "TvZ")
	require.NotNil(t, res)
	assert.Equal(t, "a", res.Build.ID)
	assert.Greater(t, res.Similarity, 0.9)
	assert.Equal(t, Auto, res.Classification)
}

// TestFindBestMatch_Identical tests that an exact signature scores 1 and auto
func TestFindBestMatch_Identical(t *testing.T) {
	res := FindBestMatch("P:ssdgbo", testBuilds(), "PvT")
	require.NotNil(t, res)
	assert.Equal(t, "d", res.Build.ID)
	assert.Equal(t, 1.0, res.Similarity)
	assert.Equal(t, Auto, res.Classification)
}

// TestFindBestMatch_FirstMaxWins tests catalog-order tie breaking
func TestFindBestMatch_FirstMaxWins(t *testing.T) {
	res := FindBestMatch("T:ssdsgbmmm", testBuilds(), "TvZ")
	require.NotNil(t, res)
	assert.Equal(t, "a", res.Build.ID)
}

// TestFindBestMatch_NoCandidates tests that an unknown matchup yields nil
func TestFindBestMatch_NoCandidates(t *testing.T) {
	assert.Nil(t, FindBestMatch("T:ss", testBuilds(), "ZvZ"))
	assert.Nil(t, FindBestMatch("T:ss", nil, "TvZ"))
	assert.Nil(t, FindBestMatch("T:ss", testBuilds(), "tvz"))
}

// TestThresholds_Classify tests the classification boundaries
func TestThresholds_Classify(t *testing.T) {
	th := DefaultThresholds
	assert.Equal(t, Auto, th.Classify(0.75))
	assert.Equal(t, Suggested, th.Classify(0.7499))
	assert.Equal(t, Suggested, th.Classify(0.5))
	assert.Equal(t, NoMatch, th.Classify(0.4999))
	assert.Equal(t, NoMatch, th.Classify(0))
}

// TestNew_CustomThresholds tests constructor-configured thresholds
func TestNew_CustomThresholds(t *testing.T) {
	m, err := New(Thresholds{Auto: 0.95, Suggest: 0.9})
	require.NoError(t, err)
	res := m.FindBestMatch("T:ssdsgbmmmm", testBuilds(), "TvZ")
	require.NotNil(t, res)
	assert.Equal(t, Suggested, res.Classification)

	_, err = New(Thresholds{Auto: 0.4, Suggest: 0.6})
	assert.Error(t, err)
	_, err = New(Thresholds{Auto: 1.2, Suggest: 0.6})
	assert.Error(t, err)
}

// TestLoadCatalog tests YAML loading and lookups
func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
builds:
  - id: one
    name: One
    matchup: TvZ
    race: Terran
    signature: "T:ssd"
    phases:
      - phase: opening
        end_time: 120
        workers: 19
        key_buildings: [Barracks]
  - id: two
    name: Two
    matchup: ZvT
    race: Zerg
    signature: "Z:ssd"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	b, ok := c.Get("one")
	require.True(t, ok)
	require.Len(t, b.Phases, 1)
	assert.Equal(t, 19, b.Phases[0].Workers)
	assert.Equal(t, []string{"Barracks"}, b.Phases[0].KeyBuildings)

	assert.Len(t, c.ByMatchup("ZvT"), 1)
	assert.Empty(t, c.ByMatchup("PvP"))
	_, ok = c.Get("missing")
	assert.False(t, ok)
}

// TestParseCatalog_Invalid tests catalog validation
func TestParseCatalog_Invalid(t *testing.T) {
	_, err := ParseCatalog([]byte("builds:\n  - id: a\n    matchup: TvZ\n  - id: a\n    matchup: TvZ\n"))
	assert.ErrorContains(t, err, "duplicate id")

	_, err = ParseCatalog([]byte("builds:\n  - name: nameless\n    matchup: TvZ\n"))
	assert.ErrorContains(t, err, "missing id")

	_, err = ParseCatalog([]byte("builds:\n  - id: a\n    matchup: TvZ\n    phases:\n      - phase: endgame\n"))
	assert.ErrorContains(t, err, "unknown phase")

	_, err = ParseCatalog([]byte("builds: [\n"))
	assert.Error(t, err)
}

// TestLoadCatalog_Shipped tests that the repository catalog parses
func TestLoadCatalog_Shipped(t *testing.T) {
	c, err := LoadCatalog(filepath.Join("..", "..", "builds", "catalog.yaml"))
	require.NoError(t, err)
	assert.NotZero(t, c.Len())
	for _, b := range c.Builds() {
		assert.NotEmpty(t, b.Signature, b.ID)
	}
}

// TestCompare tests phase benchmark evaluation
func TestCompare(t *testing.T) {
	build := ReferenceBuild{
		ID: "rax", Name: "Rax FE", Signature: "T:ssdsgbmmm",
		Phases: []PhaseBenchmark{
			{Phase: PhaseEarly, EndTime: 180, Workers: 30, KeyUnits: []string{"Marine"}, KeyUpgrades: []string{"Stimpack"}},
			{Phase: PhaseOpening, EndTime: 60, Workers: 14, GasBuildings: 1, KeyBuildings: []string{"Barracks"}},
		},
	}
	fp := fingerprint.Fingerprint{
		Signature: "T:ssdsgbmmm",
		Economy:   fingerprint.Economy{WorkersByMinute: []int{12, 16, 20, 24}},
		BuildSequence: []fingerprint.BuildEvent{
			{Time: 20, Name: "SCV"},
			{Time: 45, Name: "Refinery"},
			{Time: 55, Name: "Barracks"},
			{Time: 100, Name: "Marine"},
		},
	}

	c := Compare(fp, build)
	assert.Equal(t, "rax", c.BuildID)
	assert.Equal(t, 1.0, c.Similarity)
	require.Len(t, c.Phases, 2)
	assert.Equal(t, PhaseOpening, c.Phases[0].Phase)

	opening := c.Phases[0]
	require.Len(t, opening.Checks, 3)
	assert.Equal(t, "workers", opening.Checks[0].Metric)
	assert.True(t, opening.Checks[0].Met) // 16 at minute 1
	assert.True(t, opening.Checks[1].Met) // one refinery
	assert.True(t, opening.Checks[2].Met) // barracks
	require.NotNil(t, opening.Score)
	assert.Equal(t, 1.0, *opening.Score)

	early := c.Phases[1]
	require.Len(t, early.Checks, 3)
	assert.False(t, early.Checks[0].Met) // 24 of 30 workers
	assert.True(t, early.Checks[1].Met)
	assert.False(t, early.Checks[2].Met)

	// checks: 1, 1, 1, 0.8, 1, 0 -> 4.8/6 = 0.8; 0.3*1 + 0.7*0.8 = 0.86
	assert.InDelta(t, 86.0, c.ExecutionScore, 0.05)
	assert.False(t, math.IsNaN(c.ExecutionScore))
}

// TestCompare_NoData tests that missing replay data is skipped, not failed
func TestCompare_NoData(t *testing.T) {
	build := ReferenceBuild{
		ID: "x", Signature: "T:ab",
		Phases: []PhaseBenchmark{{Phase: PhaseMid, EndTime: 400, Workers: 50, KeyUnits: []string{"Thor"}}},
	}
	c := Compare(fingerprint.Fingerprint{Signature: "T:ab"}, build)
	require.Len(t, c.Phases, 1)
	for _, ch := range c.Phases[0].Checks {
		assert.Nil(t, ch.Actual)
		assert.False(t, ch.Met)
	}
	assert.Nil(t, c.Phases[0].Score)
	assert.Equal(t, 100.0, c.ExecutionScore)
}
