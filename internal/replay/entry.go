package replay

import (
	"time"

	"ladderlegends/internal/fingerprint"
)

// IndexEntry is the cheap, listable projection of a UserReplayData.
// Every field is copied from or derived from the record.
type IndexEntry struct {
	ID           string     `json:"id"`
	Filename     string     `json:"filename"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	GameDate     *time.Time `json:"game_date"`
	Matchup      string     `json:"matchup"`
	Result       string     `json:"result"`
	Duration     float64    `json:"duration"`
	Map          string     `json:"map"`
	PlayerName   string     `json:"player_name"`
	OpponentName string     `json:"opponent_name"`

	TargetBuildID string `json:"target_build_id,omitempty"`

	ExecutionScore      *float64 `json:"execution_score"`
	SupplyBlockTime     *float64 `json:"supply_block_time"`
	ProductionIdleTime  *float64 `json:"production_idle_time"`
	DetectionSimilarity *float64 `json:"detection_similarity"`

	DetectedBuildID     string `json:"detected_build_id,omitempty"`
	DetectedBuildName   string `json:"detected_build_name,omitempty"`
	DetectionConfidence string `json:"detection_confidence,omitempty"`
}

// BucketTime is the time an entry is charted at: the game date when known,
// otherwise the upload time.
func (e IndexEntry) BucketTime() time.Time {
	if e.GameDate != nil && !e.GameDate.IsZero() {
		return e.GameDate.UTC()
	}
	return e.UploadedAt.UTC()
}

// BuildEntry derives the index entry for a record.
func BuildEntry(r *UserReplayData) IndexEntry {
	e := IndexEntry{
		ID:            r.ID,
		Filename:      r.Filename,
		UploadedAt:    r.UploadedAt,
		GameDate:      r.GameMetadata.GameDate,
		Matchup:       r.GameMetadata.Matchup,
		Result:        r.GameMetadata.Result,
		Duration:      r.GameMetadata.Duration,
		Map:           r.GameMetadata.Map,
		PlayerName:    r.SuggestedPlayer,
		TargetBuildID: r.TargetBuildID,
	}

	if fp, ok := r.Subject(); ok {
		if e.Matchup == "" {
			e.Matchup = fp.Matchup
		}
		if e.Result == "" {
			e.Result = fp.Metadata.Result
		}
		if e.Map == "" {
			e.Map = fp.Metadata.Map
		}
		if e.Duration == 0 {
			e.Duration = fp.Metadata.Duration
		}
		e.OpponentName = Opponent(fp)
		e.SupplyBlockTime = copyFloat(fp.Economy.SupplyBlockTime)
		e.ProductionIdleTime = copyFloat(fp.Economy.ProductionIdleTime)
	}

	if r.Comparison != nil {
		score := r.Comparison.ExecutionScore
		e.ExecutionScore = &score
	}
	if d := r.Detection; d != nil {
		sim := d.Similarity
		e.DetectionSimilarity = &sim
		e.DetectedBuildID = d.BuildID
		e.DetectedBuildName = d.BuildName
		e.DetectionConfidence = string(d.Classification)
	}
	return e
}

// Opponent returns the first non-observer on a different team than the
// fingerprint's player. When the player is missing from the list, the first
// other non-observer is used. It returns "" when there is no opponent.
func Opponent(fp fingerprint.Fingerprint) string {
	subject, found := fp.Subject()
	for _, p := range fp.AllPlayers {
		if p.IsObserver || p.Name == fp.PlayerName {
			continue
		}
		if !found || p.Team != subject.Team {
			return p.Name
		}
	}
	return ""
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
