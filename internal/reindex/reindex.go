// Package reindex validates and rebuilds replay indexes in bulk for
// operators.
package reindex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ladderlegends/internal/discord"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/replay"
)

type Users interface {
	ListUsers(ctx context.Context) ([]string, error)
}

type Indexes interface {
	Validate(ctx context.Context, userID string) (bool, error)
	Rebuild(ctx context.Context, userID string) (*replay.Index, error)
}

type Notifier interface {
	SendReindexSummary(ctx context.Context, r discord.ReindexReport) error
}

// Outcome is the result for one user.
type Outcome struct {
	UserID      string `json:"user_id"`
	Valid       bool   `json:"valid"`
	Rebuilt     bool   `json:"rebuilt"`
	ReplayCount int    `json:"replay_count"`
	Err         error  `json:"-"`
}

// Report summarizes a run over many users, ordered by user id.
type Report struct {
	Outcomes []Outcome
	Duration time.Duration
}

func (r Report) Summary() discord.ReindexReport {
	s := discord.ReindexReport{Users: len(r.Outcomes), Duration: r.Duration}
	for _, o := range r.Outcomes {
		if o.Err != nil {
			s.Failed++
			continue
		}
		if !o.Valid {
			s.Invalid++
		}
		if o.Rebuilt {
			s.Rebuilt++
		}
	}
	return s
}

type Options struct {
	Concurrency int
	Logger      *slog.Logger
	Notifier    Notifier
	Now         func() time.Time
}

type Runner struct {
	users       Users
	indexes     Indexes
	concurrency int
	logger      *slog.Logger
	notifier    Notifier
	now         func() time.Time
}

func NewRunner(users Users, indexes Indexes, opts Options) *Runner {
	r := &Runner{
		users:       users,
		indexes:     indexes,
		concurrency: opts.Concurrency,
		logger:      logging.Component(opts.Logger, "reindex"),
		notifier:    opts.Notifier,
		now:         opts.Now,
	}
	if r.concurrency <= 0 {
		r.concurrency = 4
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// User rebuilds one user's index unconditionally.
func (r *Runner) User(ctx context.Context, userID string) (Outcome, error) {
	idx, err := r.indexes.Rebuild(ctx, userID)
	if err != nil {
		return Outcome{UserID: userID, Err: err}, fmt.Errorf("failed to rebuild %s: %w", userID, err)
	}
	return Outcome{UserID: userID, Valid: true, Rebuilt: true, ReplayCount: idx.ReplayCount}, nil
}

// Validate checks the given users, or every user when none are given.
// With fix set, invalid indexes are rebuilt.
func (r *Runner) Validate(ctx context.Context, userIDs []string, fix bool) (Report, error) {
	return r.run(ctx, userIDs, func(ctx context.Context, userID string) Outcome {
		return r.validateOne(ctx, userID, fix)
	})
}

// All rebuilds every user's index; with onlyInvalid set, valid indexes are
// left alone. A summary goes to the notifier when one is configured.
func (r *Runner) All(ctx context.Context, onlyInvalid bool) (Report, error) {
	report, err := r.run(ctx, nil, func(ctx context.Context, userID string) Outcome {
		if onlyInvalid {
			return r.validateOne(ctx, userID, true)
		}
		o, _ := r.User(ctx, userID)
		return o
	})
	if err != nil {
		return report, err
	}
	if r.notifier != nil {
		if err := r.notifier.SendReindexSummary(ctx, report.Summary()); err != nil {
			r.logger.Warn("reindex_summary_not_sent", "error", err)
		}
	}
	return report, nil
}

func (r *Runner) validateOne(ctx context.Context, userID string, fix bool) Outcome {
	ok, err := r.indexes.Validate(ctx, userID)
	if err != nil {
		return Outcome{UserID: userID, Err: err}
	}
	if ok || !fix {
		return Outcome{UserID: userID, Valid: ok}
	}
	o, _ := r.User(ctx, userID)
	o.Valid = false
	return o
}

// run applies fn to each user with bounded concurrency. Per-user failures
// are reported in the outcomes; only listing users or cancellation fail the run.
func (r *Runner) run(ctx context.Context, userIDs []string, fn func(context.Context, string) Outcome) (Report, error) {
	start := r.now()
	if len(userIDs) == 0 {
		var err error
		if userIDs, err = r.users.ListUsers(ctx); err != nil {
			return Report{}, fmt.Errorf("failed to list users: %w", err)
		}
	}

	var (
		mu       sync.Mutex
		outcomes = make([]Outcome, 0, len(userIDs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, userID := range userIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			o := fn(gctx, userID)
			if o.Err != nil {
				r.logger.Error("reindex_user_failed", "user_id", userID, "error", o.Err)
			} else {
				r.logger.Info("reindex_user_done", "user_id", userID,
					"valid", o.Valid, "rebuilt", o.Rebuilt, "replay_count", o.ReplayCount)
			}
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].UserID < outcomes[j].UserID })
	return Report{Outcomes: outcomes, Duration: r.now().Sub(start)}, err
}
