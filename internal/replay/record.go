// Package replay holds the stored replay record, its index projection and the
// per-user index aggregate.
package replay

import (
	"time"

	"ladderlegends/internal/fingerprint"
	"ladderlegends/internal/matcher"
)

// UserReplayData is the authoritative record of one uploaded replay.
type UserReplayData struct {
	ID              string                             `json:"id"`
	UserID          string                             `json:"user_id"`
	UploadedAt      time.Time                          `json:"uploaded_at"`
	Filename        string                             `json:"filename"`
	BlobURL         string                             `json:"blob_url,omitempty"`
	TargetBuildID   string                             `json:"target_build_id,omitempty"`
	Detection       *Detection                         `json:"detection"`
	Comparison      *matcher.Comparison                `json:"comparison"`
	Fingerprints    map[string]fingerprint.Fingerprint `json:"fingerprints"`
	SuggestedPlayer string                             `json:"suggested_player"`
	GameMetadata    GameMetadata                       `json:"game_metadata"`
	ContentHash     string                             `json:"content_hash"`
}

// Detection is the persisted outcome of build matching.
type Detection struct {
	BuildID        string                 `json:"build_id,omitempty"`
	BuildName      string                 `json:"build_name,omitempty"`
	Similarity     float64                `json:"similarity"`
	Classification matcher.Classification `json:"classification"`
}

// GameMetadata describes the game independent of any player's perspective.
type GameMetadata struct {
	Map      string     `json:"map"`
	Duration float64    `json:"duration"`
	GameDate *time.Time `json:"game_date"`
	Matchup  string     `json:"matchup"`
	Result   string     `json:"result"`
	GameType string     `json:"game_type,omitempty"`
	Category string     `json:"category,omitempty"`
}

// NewDetection converts a match result; nil stays nil.
func NewDetection(m *matcher.BuildMatchResult) *Detection {
	if m == nil {
		return nil
	}
	return &Detection{
		BuildID:        m.Build.ID,
		BuildName:      m.Build.Name,
		Similarity:     m.Similarity,
		Classification: m.Classification,
	}
}

// Subject returns the fingerprint of the suggested player.
func (r *UserReplayData) Subject() (fingerprint.Fingerprint, bool) {
	fp, ok := r.Fingerprints[r.SuggestedPlayer]
	return fp, ok
}
