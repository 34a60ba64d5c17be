// Package runner sequences one monitoring run: acquire the current offer,
// guard against re-recording it, then score and notify every user
// independently. A failure for one user never touches the others.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cellarwatch/lastbottle-monitor/internal/digest"
	"github.com/cellarwatch/lastbottle-monitor/internal/domain"
	"github.com/cellarwatch/lastbottle-monitor/internal/notify"
	"github.com/cellarwatch/lastbottle-monitor/internal/profile"
	"github.com/cellarwatch/lastbottle-monitor/internal/scoring"
)

// OfferSource acquires one offer per run.
type OfferSource interface {
	Acquire(ctx context.Context) (name string, price float64, err error)
}

// Oracle turns a prompt into free text ending in a verdict integer.
type Oracle interface {
	Score(ctx context.Context, prompt string) (string, error)
}

// Store is the slice of the persistence layer the orchestrator needs.
type Store interface {
	OfferSeenSince(ctx context.Context, name string, cutoff time.Time) (bool, error)
	AddOffer(ctx context.Context, name string, price float64, ts time.Time) (*domain.Offer, error)
	UpsertScore(ctx context.Context, userID string, offerID int64, score int, ts time.Time) (*domain.ScoreRecord, error)
}

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeCompleted means an offer was recorded and users were processed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeNoOffer means the source had nothing usable; benign.
	OutcomeNoOffer Outcome = "no_offer"
	// OutcomeDuplicate means the offer was already recorded recently; the
	// run is a deliberate no-op.
	OutcomeDuplicate Outcome = "duplicate"
)

// UserStatus classifies one user's trip through the sub-pipeline.
type UserStatus string

const (
	StatusScored           UserStatus = "scored"
	StatusSkippedPrice     UserStatus = "skipped_price"
	StatusProfileMalformed UserStatus = "profile_malformed"
	StatusScoreFailed      UserStatus = "score_failed"
	StatusPersistFailed    UserStatus = "persist_failed"
)

// UserResult is the per-user outcome. Failures are values here, not
// panics: the taxonomy is part of the orchestrator's contract.
type UserResult struct {
	UserID   string
	Status   UserStatus
	Score    int
	Notified bool
	SendErr  error
	Err      error
}

// RunReport summarizes one run for logs and tests.
type RunReport struct {
	RunID   string
	Outcome Outcome
	Offer   *domain.Offer
	Users   []UserResult
}

// Params wires a Runner. All fields are required except MaxConcurrent
// (defaults to sequential) and Now (defaults to time.Now).
type Params struct {
	Store           Store
	Profiles        profile.Source
	Source          OfferSource
	Oracle          Oracle
	Sender          notify.Sender
	Templates       *notify.Templates
	Prompts         *scoring.PromptBuilder
	Collector       *digest.Collector
	Logger          *zap.Logger
	DuplicateWindow time.Duration
	MaxConcurrent   int
	OperatorEmail   string
	Now             func() time.Time
}

// Runner executes monitoring runs.
type Runner struct {
	p Params
}

// New creates a Runner.
func New(p Params) *Runner {
	if p.MaxConcurrent < 1 {
		p.MaxConcurrent = 1
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Runner{p: p}
}

// Run executes one full monitoring run. The returned error covers
// infrastructure failures (store unusable, profile directory missing);
// source failures and duplicate offers are benign outcomes, not errors.
// Buffered errors are flushed as a digest on every path out.
func (r *Runner) Run(ctx context.Context) (report *RunReport, err error) {
	runID := uuid.New().String()
	logger := r.p.Logger.With(zap.String("run_id", runID))
	report = &RunReport{RunID: runID}

	defer func() {
		if flushErr := r.p.Collector.Flush(ctx, r.p.Sender, r.p.Templates, r.p.OperatorEmail, logger); flushErr != nil {
			logger.Warn("error digest could not be delivered", zap.Error(flushErr))
		}
	}()

	ts := r.p.Now().UTC()

	name, price, err := r.p.Source.Acquire(ctx)
	if err != nil {
		logger.Error("no offer data found from scraping", zap.Error(err))
		report.Outcome = OutcomeNoOffer
		return report, nil
	}
	logger.Info("offer acquired", zap.String("wine", name), zap.Float64("price", price))

	seen, err := r.p.Store.OfferSeenSince(ctx, name, ts.Add(-r.p.DuplicateWindow))
	if err != nil {
		logger.Error("duplicate check failed", zap.Error(err))
		return report, fmt.Errorf("duplicate check: %w", err)
	}
	if seen {
		logger.Info("offer already recorded recently, skipping run", zap.String("wine", name))
		report.Outcome = OutcomeDuplicate
		return report, nil
	}

	offer, err := r.p.Store.AddOffer(ctx, name, price, ts)
	if err != nil {
		logger.Error("recording offer failed", zap.Error(err))
		return report, fmt.Errorf("recording offer: %w", err)
	}
	report.Offer = offer

	userIDs, err := r.p.Profiles.List(ctx)
	if err != nil {
		logger.Error("listing user profiles failed", zap.Error(err))
		return report, fmt.Errorf("listing profiles: %w", err)
	}

	report.Users = r.processUsers(ctx, logger, offer, userIDs)
	report.Outcome = OutcomeCompleted

	logger.Info("run complete",
		zap.String("wine", offer.Name),
		zap.Int("users", len(report.Users)))
	return report, nil
}

// processUsers runs the per-user sub-pipeline for every profile, optionally
// in parallel. The offer record write has already happened; store writes
// below serialize inside the store.
func (r *Runner) processUsers(ctx context.Context, logger *zap.Logger, offer *domain.Offer, userIDs []string) []UserResult {
	results := make([]UserResult, len(userIDs))

	if r.p.MaxConcurrent == 1 {
		for i, id := range userIDs {
			results[i] = r.processUser(ctx, logger, offer, id)
		}
		return results
	}

	sem := semaphore.NewWeighted(int64(r.p.MaxConcurrent))
	var wg sync.WaitGroup
	for i, id := range userIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = UserResult{UserID: id, Status: StatusScoreFailed, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = r.processUser(ctx, logger, offer, id)
		}(i, id)
	}
	wg.Wait()
	return results
}

// processUser takes one user through filter, prompt, oracle, parse,
// persist, and notify. Every failure is caught here; nothing escapes to
// the sibling users.
func (r *Runner) processUser(ctx context.Context, logger *zap.Logger, offer *domain.Offer, userID string) (result UserResult) {
	result = UserResult{UserID: userID}
	ulog := logger.With(zap.String("user_id", userID), zap.String("wine", offer.Name))

	defer func() {
		if rec := recover(); rec != nil {
			ulog.Error("user processing panicked", zap.Any("panic", rec))
			result.Status = StatusScoreFailed
			result.Err = fmt.Errorf("panic: %v", rec)
		}
	}()

	p, err := r.p.Profiles.Load(ctx, userID)
	if err != nil {
		ulog.Error("error loading user config", zap.Error(err))
		result.Status = StatusProfileMalformed
		result.Err = err
		return result
	}

	// Price eligibility comes first: an out-of-band wine is never scored,
	// even when it is always-listed.
	if !scoring.InRange(offer.Price, p) {
		ulog.Debug("offer outside price range, skipping user")
		result.Status = StatusSkippedPrice
		return result
	}

	prompt, err := r.p.Prompts.Build(offer.Name, p)
	if err != nil {
		ulog.Error("building scoring prompt failed", zap.Error(err))
		result.Status = StatusScoreFailed
		result.Err = err
		return result
	}

	raw, err := r.p.Oracle.Score(ctx, prompt)
	if err != nil {
		ulog.Error("failed to score wine", zap.Error(err))
		result.Status = StatusScoreFailed
		result.Err = err
		return result
	}

	score, err := scoring.ParseScore(raw)
	if err != nil {
		ulog.Error("failed to score wine", zap.Error(err))
		result.Status = StatusScoreFailed
		result.Err = err
		return result
	}
	ulog.Info("wine scored", zap.Int("score", score))
	result.Score = score

	if _, err := r.p.Store.UpsertScore(ctx, userID, offer.ID, score, offer.Timestamp); err != nil {
		ulog.Error("persisting score failed", zap.Error(err))
		result.Status = StatusPersistFailed
		result.Err = err
		return result
	}
	result.Status = StatusScored

	if !scoring.ShouldNotify(offer.Name, score, p) {
		return result
	}

	if p.Contact.Email == "" {
		ulog.Error("notification due but user has no contact email")
		result.SendErr = fmt.Errorf("user %s has no contact email", userID)
		return result
	}

	subject, body, err := r.p.Templates.RenderAlert(offer.Name, offer.Price, score)
	if err != nil {
		ulog.Error("rendering alert email failed", zap.Error(err))
		result.SendErr = err
		return result
	}

	if err := r.p.Sender.Send(ctx, p.Contact.Email, subject, body); err != nil {
		ulog.Error("failed to send notification", zap.Error(err))
		result.SendErr = err
		return result
	}

	result.Notified = true
	ulog.Info("notification sent")
	return result
}
