// Package replaystore writes a replay as four coupled resources (blob, record,
// index entry, content-hash manifest row) and rolls back on failure.
package replaystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ladderlegends/internal/discord"
	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/metrics"
	"ladderlegends/internal/replay"
	"ladderlegends/internal/storage"
)

const (
	defaultBlobTimeout     = 30 * time.Second
	defaultMetadataTimeout = 10 * time.Second
	alertTimeout           = 10 * time.Second
)

// Records is the authoritative record store.
type Records interface {
	PutRecord(ctx context.Context, r *replay.UserReplayData) error
	GetRecord(ctx context.Context, userID, replayID string) (*replay.UserReplayData, error)
	DeleteRecord(ctx context.Context, userID, replayID string) error
}

// Index is the per-user replay index.
type Index interface {
	AddEntry(ctx context.Context, userID string, entry replay.IndexEntry) (*replay.Index, error)
	RemoveEntry(ctx context.Context, userID, replayID string) (*replay.Index, error)
}

// Manifest is the append-only content-hash manifest.
type Manifest interface {
	AppendHash(ctx context.Context, userID, hash, replayID string) error
}

// Alerter is told when a rollback could not finish.
type Alerter interface {
	SendCompensationFailed(ctx context.Context, r discord.CompensationReport) error
}

type Options struct {
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Alerter         Alerter
	BlobTimeout     time.Duration
	MetadataTimeout time.Duration
	Now             func() time.Time
}

// Store coordinates replay writes and deletes. The blob store may be nil, in
// which case the blob step is skipped.
type Store struct {
	blobs    storage.BlobStore
	records  Records
	index    Index
	manifest Manifest
	alerter  Alerter

	blobTimeout     time.Duration
	metadataTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(blobs storage.BlobStore, records Records, index Index, manifest Manifest, opts Options) *Store {
	s := &Store{
		blobs:           blobs,
		records:         records,
		index:           index,
		manifest:        manifest,
		alerter:         opts.Alerter,
		blobTimeout:     opts.BlobTimeout,
		metadataTimeout: opts.MetadataTimeout,
		logger:          logging.Component(opts.Logger, "replay_store"),
		metrics:         opts.Metrics,
		now:             opts.Now,
	}
	if s.blobTimeout <= 0 {
		s.blobTimeout = defaultBlobTimeout
	}
	if s.metadataTimeout <= 0 {
		s.metadataTimeout = defaultMetadataTimeout
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// StoredReplay is the result of a completed Store.
type StoredReplay struct {
	Record *replay.UserReplayData
	Steps  []StepResult
}

// IndexUpdated reports whether the index step succeeded.
func (s *StoredReplay) IndexUpdated() bool {
	for _, st := range s.Steps {
		if st.Step == StepIndex {
			return st.OK()
		}
	}
	return false
}

// write tracks the side effects of one Store call.
type write struct {
	rec         *replay.UserReplayData
	steps       []StepResult
	blobURL     string
	recordSaved bool
	indexTried  bool
}

// Store writes rec and its file. On a nil error the record and its hash row
// both exist; on any error neither the record nor its index entry remain.
//
// External writes run on a context detached from ctx so that a caller
// cancellation never interrupts a write whose result must be tracked.
// Cancellation is checked between steps and triggers rollback.
func (s *Store) Store(ctx context.Context, rec *replay.UserReplayData, blob []byte) (*StoredReplay, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { s.metrics.ObserveStore(time.Since(start)) }()

	work := context.WithoutCancel(ctx)
	w := &write{rec: rec}

	// 1. blob, soft
	if s.blobs == nil || len(blob) == 0 {
		s.record(w, StepResult{Step: StepBlob, Severity: Soft, Skipped: true})
	} else {
		var url string
		res := s.run(work, StepBlob, Soft, s.blobTimeout, func(ctx context.Context) error {
			var err error
			url, err = s.blobs.Put(ctx, rec.UserID, rec.ID, rec.Filename, blob)
			return err
		})
		s.record(w, res)
		if res.OK() {
			w.blobURL = url
			rec.BlobURL = url
		} else {
			rec.BlobURL = ""
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, s.abort(work, w, StepRecord, err)
	}

	// 2. record, hard
	res := s.run(work, StepRecord, Hard, s.metadataTimeout, func(ctx context.Context) error {
		return s.records.PutRecord(ctx, rec)
	})
	s.record(w, res)
	// a failed put may still have landed, so the record is always undone
	w.recordSaved = true
	if res.HardFailure() {
		return nil, s.abort(work, w, StepRecord, dependency("record_store", "put", res.Err))
	}
	if err := ctx.Err(); err != nil {
		return nil, s.abort(work, w, StepIndex, err)
	}

	// 3. index entry, soft
	res = s.run(work, StepIndex, Soft, s.metadataTimeout, func(ctx context.Context) error {
		_, err := s.index.AddEntry(ctx, rec.UserID, replay.BuildEntry(rec))
		return err
	})
	s.record(w, res)
	// a timed out AddEntry may still have committed
	w.indexTried = true
	indexed := res.OK()
	if err := ctx.Err(); err != nil {
		return nil, s.abort(work, w, StepManifest, err)
	}

	// 4. hash manifest, hard
	res = s.run(work, StepManifest, Hard, s.metadataTimeout, func(ctx context.Context) error {
		return s.manifest.AppendHash(ctx, rec.UserID, rec.ContentHash, rec.ID)
	})
	s.record(w, res)
	if res.HardFailure() {
		cause := res.Err
		var dup apperrors.DuplicateReplayError
		if !errors.As(cause, &dup) {
			cause = dependency("hash_manifest", "append", cause)
		}
		return nil, s.abort(work, w, StepManifest, cause)
	}

	s.logger.Info("replay_stored",
		"user_id", rec.UserID,
		"replay_id", rec.ID,
		"blob", w.blobURL != "",
		"indexed", indexed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &StoredReplay{Record: rec, Steps: w.steps}, nil
}

// Delete removes a replay. The record delete is authoritative; the blob and
// the index entry are removed best-effort.
func (s *Store) Delete(ctx context.Context, userID, replayID string) error {
	rec, err := s.records.GetRecord(ctx, userID, replayID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.NotFoundError{Kind: "replay", ID: replayID}
	}
	if err != nil {
		return dependency("record_store", "get", err)
	}

	if rec.BlobURL != "" && s.blobs != nil {
		res := s.run(ctx, StepBlob, Soft, s.blobTimeout, func(ctx context.Context) error {
			err := s.blobs.Delete(ctx, rec.BlobURL)
			if errors.Is(err, storage.ErrBlobNotFound) {
				return nil
			}
			return err
		})
		s.logStep(userID, replayID, res, "delete")
	}

	res := s.run(ctx, StepRecord, Hard, s.metadataTimeout, func(ctx context.Context) error {
		return s.records.DeleteRecord(ctx, userID, replayID)
	})
	s.logStep(userID, replayID, res, "delete")
	if res.HardFailure() {
		if errors.Is(res.Err, apperrors.ErrNotFound) {
			return apperrors.NotFoundError{Kind: "replay", ID: replayID}
		}
		return dependency("record_store", "delete", res.Err)
	}

	res = s.run(ctx, StepIndex, Soft, s.metadataTimeout, func(ctx context.Context) error {
		_, err := s.index.RemoveEntry(ctx, userID, replayID)
		return err
	})
	s.logStep(userID, replayID, res, "delete")

	s.logger.Info("replay_deleted", "user_id", userID, "replay_id", replayID)
	return nil
}

// abort rolls back every applied step in reverse order and returns the
// aggregated error. Rollback failures never replace the original cause.
func (s *Store) abort(ctx context.Context, w *write, step string, cause error) error {
	rec := w.rec
	var rollbackErrs []error
	var orphans []string

	if w.indexTried {
		err := s.compensate(ctx, StepIndex, func(ctx context.Context) error {
			_, err := s.index.RemoveEntry(ctx, rec.UserID, rec.ID)
			return err
		})
		if err != nil {
			rollbackErrs = append(rollbackErrs, err)
			orphans = append(orphans, "index entry "+rec.ID)
		}
	}
	if w.recordSaved {
		err := s.compensate(ctx, StepRecord, func(ctx context.Context) error {
			err := s.records.DeleteRecord(ctx, rec.UserID, rec.ID)
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil
			}
			return err
		})
		if err != nil {
			rollbackErrs = append(rollbackErrs, err)
			orphans = append(orphans, "record "+rec.ID)
		}
	}
	if w.blobURL != "" {
		err := s.compensate(ctx, StepBlob, func(ctx context.Context) error {
			err := s.blobs.Delete(ctx, w.blobURL)
			if errors.Is(err, storage.ErrBlobNotFound) {
				return nil
			}
			return err
		})
		if err != nil {
			rollbackErrs = append(rollbackErrs, err)
			orphans = append(orphans, "blob "+w.blobURL)
		}
		rec.BlobURL = ""
	}

	storeErr := &StoreError{ReplayID: rec.ID, Step: step, Err: cause, RollbackErrs: rollbackErrs}
	s.logger.Error("replay_store_failed",
		"user_id", rec.UserID,
		"replay_id", rec.ID,
		"step", step,
		"error", cause,
		"rollback_errors", len(rollbackErrs),
	)
	if len(rollbackErrs) > 0 {
		s.logger.Error("replay_rollback_incomplete",
			"user_id", rec.UserID,
			"replay_id", rec.ID,
			"detail", storeErr.RollbackDetail(),
		)
		s.alert(ctx, discord.CompensationReport{
			UserID:     rec.UserID,
			ReplayID:   rec.ID,
			FailedStep: step,
			Cause:      cause.Error(),
			Orphans:    orphans,
			At:         s.now(),
		})
	}
	return storeErr
}

func (s *Store) compensate(ctx context.Context, step string, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(step))
	defer cancel()
	if err := fn(stepCtx); err != nil {
		s.metrics.Compensation(step, "error")
		return fmt.Errorf("failed to undo %s: %w", step, err)
	}
	s.metrics.Compensation(step, "ok")
	return nil
}

func (s *Store) alert(ctx context.Context, r discord.CompensationReport) {
	if s.alerter == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := s.alerter.SendCompensationFailed(alertCtx, r); err != nil {
		s.logger.Warn("compensation_alert_failed", "replay_id", r.ReplayID, "error", err)
	}
}

func (s *Store) run(ctx context.Context, step string, sev Severity, timeout time.Duration, fn func(context.Context) error) StepResult {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res := StepResult{Step: step, Severity: sev, Err: fn(stepCtx)}
	s.metrics.StoreStep(step, res.label())
	return res
}

func (s *Store) record(w *write, res StepResult) {
	w.steps = append(w.steps, res)
	s.logStep(w.rec.UserID, w.rec.ID, res, "store")
}

func (s *Store) logStep(userID, replayID string, res StepResult, op string) {
	if res.Err == nil {
		return
	}
	level := slog.LevelWarn
	if res.Severity == Hard {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "replay_step_failed",
		"op", op,
		"step", res.Step,
		"severity", res.Severity.String(),
		"user_id", userID,
		"replay_id", replayID,
		"error", res.Err,
	)
}

func (s *Store) timeoutFor(step string) time.Duration {
	if step == StepBlob {
		return s.blobTimeout
	}
	return s.metadataTimeout
}

func validateRecord(rec *replay.UserReplayData) error {
	switch {
	case rec == nil:
		return apperrors.ValidationError{Message: "missing replay record"}
	case rec.ID == "":
		return apperrors.ValidationError{Field: "id", Message: "required"}
	case rec.UserID == "":
		return apperrors.ValidationError{Field: "user_id", Message: "required"}
	case rec.ContentHash == "":
		return apperrors.ValidationError{Field: "content_hash", Message: "required"}
	}
	return nil
}

func dependency(dep, op string, err error) error {
	return apperrors.DependencyError{Dependency: dep, Op: op, Err: err}
}
