// Package analysis runs a replay upload end to end: validation, capability
// check, duplicate detection, extraction, build matching and the
// transactional write.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ladderlegends/internal/auth"
	"ladderlegends/internal/dedup"
	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/extract"
	"ladderlegends/internal/fingerprint"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/matcher"
	"ladderlegends/internal/metrics"
	"ladderlegends/internal/replay"
	"ladderlegends/internal/replaystore"
)

const replayExt = ".sc2replay"

// Capabilities answers permission checks.
type Capabilities interface {
	HasCapability(p *auth.Principal, capability string) bool
}

// ReplayStore persists and deletes replays.
type ReplayStore interface {
	Store(ctx context.Context, rec *replay.UserReplayData, blob []byte) (*replaystore.StoredReplay, error)
	Delete(ctx context.Context, userID, replayID string) error
}

// RecordReader reads stored records.
type RecordReader interface {
	GetRecord(ctx context.Context, userID, replayID string) (*replay.UserReplayData, error)
}

// Upload is one replay submitted by a user.
type Upload struct {
	Principal     *auth.Principal
	Filename      string
	Data          []byte
	PlayerName    string // optional hint
	TargetBuildID string // optional
	Matchup       string // optional override, e.g. "TvZ"
}

// Result is a stored upload.
type Result struct {
	Replay       *replay.UserReplayData
	IndexUpdated bool
}

type Deps struct {
	Extractor    extract.Extractor
	Matcher      *matcher.Matcher
	Catalog      *matcher.Catalog
	Dedup        *dedup.Checker
	Store        ReplayStore
	Records      RecordReader
	Capabilities Capabilities
}

type Options struct {
	MaxUploadBytes int64
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
	NewID          func() string
}

type Service struct {
	Deps
	maxBytes int64
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

func NewService(deps Deps, opts Options) *Service {
	s := &Service{
		Deps:     deps,
		maxBytes: opts.MaxUploadBytes,
		logger:   logging.Component(opts.Logger, "analysis"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = 10 << 20
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Upload analyzes and stores a replay. Validation and permission failures
// happen before any side effect.
func (s *Service) Upload(ctx context.Context, in Upload) (*Result, error) {
	res, err := s.upload(ctx, in)
	s.metrics.Upload(outcome(err))
	return res, err
}

func (s *Service) upload(ctx context.Context, in Upload) (*Result, error) {
	if in.Principal == nil || in.Principal.UserID == "" {
		return nil, apperrors.AccessDeniedError{}
	}
	userID := in.Principal.UserID

	matchup, err := s.validate(&in)
	if err != nil {
		return nil, err
	}
	if s.Capabilities != nil && !s.Capabilities.HasCapability(in.Principal, auth.CapabilitySubscriber) {
		return nil, apperrors.AccessDeniedError{Capability: auth.CapabilitySubscriber}
	}

	hash := dedup.Hash(in.Data)
	if s.Dedup != nil {
		if err := s.Dedup.Check(ctx, userID, hash); err != nil {
			return nil, err
		}
	}

	extracted, err := s.Extractor.Extract(ctx, in.Filename, in.Data, in.PlayerName)
	if err != nil {
		return nil, err
	}
	player := choosePlayer(extracted, in.PlayerName)
	subject := extracted.Players[player]
	if matchup == "" {
		matchup = subject.Matchup
	}

	detected := s.Matcher.Match(subject.Signature, s.Catalog, matchup)
	if detected != nil {
		s.metrics.Match(string(detected.Classification))
	} else {
		s.metrics.Match("none")
	}

	rec := &replay.UserReplayData{
		ID:              s.newID(),
		UserID:          userID,
		UploadedAt:      s.now(),
		Filename:        in.Filename,
		TargetBuildID:   in.TargetBuildID,
		Detection:       replay.NewDetection(detected),
		Comparison:      s.compare(subject, in.TargetBuildID, detected),
		Fingerprints:    extracted.Players,
		SuggestedPlayer: player,
		GameMetadata:    gameMetadata(subject, matchup),
		ContentHash:     hash,
	}

	stored, err := s.Store.Store(ctx, rec, in.Data)
	if err != nil {
		return nil, err
	}
	if s.Dedup != nil {
		s.Dedup.Add(userID, hash)
	}

	s.logger.Info("replay_uploaded",
		"user_id", userID,
		"replay_id", rec.ID,
		"player", player,
		"matchup", matchup,
		"detected", detectedID(detected),
	)
	return &Result{Replay: stored.Record, IndexUpdated: stored.IndexUpdated()}, nil
}

// Get returns one of the user's replays.
func (s *Service) Get(ctx context.Context, userID, replayID string) (*replay.UserReplayData, error) {
	rec, err := s.Records.GetRecord(ctx, userID, replayID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFoundError{Kind: "replay", ID: replayID}
	}
	if err != nil {
		return nil, apperrors.DependencyError{Dependency: "record_store", Op: "get", Err: err}
	}
	return rec, nil
}

// Delete removes one of the user's replays.
func (s *Service) Delete(ctx context.Context, userID, replayID string) error {
	return s.Store.Delete(ctx, userID, replayID)
}

// Match classifies a signature against the catalog.
func (s *Service) Match(signature, matchup string) *matcher.BuildMatchResult {
	return s.Matcher.Match(signature, s.Catalog, normalizeMatchup(matchup))
}

func (s *Service) validate(in *Upload) (string, error) {
	in.Filename = filepath.Base(strings.TrimSpace(strings.ReplaceAll(in.Filename, `\`, "/")))
	if in.Filename == "." || in.Filename == "/" || in.Filename == "" {
		return "", apperrors.ValidationError{Field: "file", Message: "missing filename"}
	}
	if !strings.EqualFold(filepath.Ext(in.Filename), replayExt) {
		return "", apperrors.ValidationError{Field: "file", Message: "only .SC2Replay files are accepted"}
	}
	if len(in.Data) == 0 {
		return "", apperrors.ValidationError{Field: "file", Message: "empty file"}
	}
	if int64(len(in.Data)) > s.maxBytes {
		return "", apperrors.ValidationError{Field: "file", Message: fmt.Sprintf("file exceeds %d bytes", s.maxBytes)}
	}

	matchup := ""
	if strings.TrimSpace(in.Matchup) != "" {
		matchup = normalizeMatchup(in.Matchup)
		if matchup == "" {
			return "", apperrors.ValidationError{Field: "matchup", Message: fmt.Sprintf("invalid matchup %q", in.Matchup)}
		}
	}
	in.TargetBuildID = strings.TrimSpace(in.TargetBuildID)
	if in.TargetBuildID != "" {
		if _, ok := s.Catalog.Get(in.TargetBuildID); !ok {
			return "", apperrors.ValidationError{Field: "target_build_id", Message: fmt.Sprintf("unknown build %q", in.TargetBuildID)}
		}
	}
	return matchup, nil
}

// compare scores the subject against the target build, or against the
// detected build when it was matched automatically.
func (s *Service) compare(fp fingerprint.Fingerprint, targetID string, detected *matcher.BuildMatchResult) *matcher.Comparison {
	if targetID != "" {
		if build, ok := s.Catalog.Get(targetID); ok {
			c := matcher.Compare(fp, build)
			return &c
		}
	}
	if detected != nil && detected.Classification == matcher.Auto {
		c := matcher.Compare(fp, detected.Build)
		return &c
	}
	return nil
}

// choosePlayer picks whose perspective the analysis takes: the hint, then
// the extractor's suggestion, then the first player by name.
func choosePlayer(res *extract.Result, hint string) string {
	if hint = strings.TrimSpace(hint); hint != "" {
		if _, ok := res.Players[hint]; ok {
			return hint
		}
		for name := range res.Players {
			if strings.EqualFold(name, hint) {
				return name
			}
		}
	}
	if _, ok := res.Players[res.SuggestedPlayer]; ok {
		return res.SuggestedPlayer
	}
	names := make([]string, 0, len(res.Players))
	for name := range res.Players {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

func gameMetadata(fp fingerprint.Fingerprint, matchup string) replay.GameMetadata {
	md := replay.GameMetadata{
		Map:      fp.Metadata.Map,
		Duration: fp.Metadata.Duration,
		Matchup:  matchup,
		Result:   fp.Metadata.Result,
		GameType: fp.Metadata.GameType,
		Category: fp.Metadata.Category,
	}
	if md.Result == "" {
		if p, ok := fp.Subject(); ok {
			md.Result = p.Result
		}
	}
	if t, err := time.Parse(time.RFC3339, fp.Metadata.GameDate); err == nil {
		t = t.UTC()
		md.GameDate = &t
	}
	return md
}

// normalizeMatchup returns "TvZ" for inputs like "tvz" or "T v Z", or "".
func normalizeMatchup(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if len(s) != 3 || (s[1] != 'v' && s[1] != 'V') {
		return ""
	}
	return fingerprint.Matchup(s[:1], s[2:])
}

func detectedID(m *matcher.BuildMatchResult) string {
	if m == nil {
		return ""
	}
	return m.Build.ID
}

func outcome(err error) string {
	if err == nil {
		return "stored"
	}
	var (
		validation apperrors.ValidationError
		denied     apperrors.AccessDeniedError
		dup        apperrors.DuplicateReplayError
	)
	switch {
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &denied):
		return "denied"
	case errors.As(err, &dup):
		return "duplicate"
	default:
		return "failed"
	}
}
