package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/schedule-expansion/internal/config"
	redisclient "github.com/clinicore/schedule-expansion/internal/redis"
)

// ErrExpansionInProgress is returned when another pass already holds the
// doctor's expansion lock.
var ErrExpansionInProgress = errors.New("expansion already in progress for doctor")

// DoctorResult reports one doctor's expansion pass.
type DoctorResult struct {
	SlotsCreated int `json:"slots_created"`
	SlotsUpdated int `json:"slots_updated"`
}

// RunResult reports a full "expand all doctors" pass.
type RunResult struct {
	DoctorsProcessed int      `json:"doctors_processed"`
	SlotsCreated     int      `json:"slots_created"`
	SlotsUpdated     int      `json:"slots_updated"`
	Errors           []string `json:"errors,omitempty"`
}

// Expander drives the full pipeline: recurrence dates, exception overlay,
// slot materialization, idempotent upsert, and watermark bookkeeping. It is
// stateless between passes; everything it needs is read per pass and
// persisted out.
type Expander struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	log    zerolog.Logger
	loc    *time.Location
	now    func() time.Time
}

func NewExpander(repo Repository, locker redisclient.Locker, cfg config.Config, logger zerolog.Logger) *Expander {
	loc := time.UTC
	if cfg.Timezone != "" {
		parsed, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn().Err(err).Str("timezone", cfg.Timezone).Msg("falling back to UTC")
		} else {
			loc = parsed
		}
	}
	return &Expander{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		log:    logger,
		loc:    loc,
		now:    time.Now,
	}
}

// ExpandAll runs the global pass over every doctor with at least one active
// rule. One doctor's failure is recorded and does not stop the others.
func (e *Expander) ExpandAll(ctx context.Context) RunResult {
	var result RunResult

	doctors, err := e.repo.ListDoctorsWithActiveRules(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list doctors: %v", err))
		return result
	}

	for _, doctorID := range doctors {
		res, err := e.ExpandDoctor(ctx, doctorID)
		if err != nil {
			e.log.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("doctor expansion failed")
			result.Errors = append(result.Errors, fmt.Sprintf("doctor %s: %v", doctorID, err))
			continue
		}
		result.DoctorsProcessed++
		result.SlotsCreated += res.SlotsCreated
		result.SlotsUpdated += res.SlotsUpdated
	}

	e.log.Info().
		Int("doctors", result.DoctorsProcessed).
		Int("created", result.SlotsCreated).
		Int("updated", result.SlotsUpdated).
		Int("errors", len(result.Errors)).
		Msg("expansion pass complete")

	return result
}

// ExpandDoctor expands all of one doctor's active rules under the doctor's
// expansion lock. Concurrent passes over the same doctor would race on
// watermark updates, so an already-held lock aborts with
// ErrExpansionInProgress instead of waiting.
func (e *Expander) ExpandDoctor(ctx context.Context, doctorID uuid.UUID) (DoctorResult, error) {
	var result DoctorResult

	err := e.locker.WithDoctorLock(ctx, doctorID, func(lockCtx context.Context) error {
		res, err := e.expandDoctor(lockCtx, doctorID)
		result = res
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return DoctorResult{}, ErrExpansionInProgress
		}
		return DoctorResult{}, err
	}

	return result, nil
}

func (e *Expander) expandDoctor(ctx context.Context, doctorID uuid.UUID) (DoctorResult, error) {
	var result DoctorResult

	rules, err := e.repo.ListActiveRules(ctx, doctorID)
	if err != nil {
		return result, fmt.Errorf("list active rules: %w", err)
	}
	exceptions, err := e.repo.ListExceptions(ctx, doctorID)
	if err != nil {
		return result, fmt.Errorf("list exceptions: %w", err)
	}

	idx := NewExceptionIndex(exceptions, e.loc)

	for _, rule := range rules {
		res, err := e.expandRule(ctx, rule, idx)
		result.SlotsCreated += res.Created
		result.SlotsUpdated += res.Updated
		if err != nil {
			// One rule's bad data must not stop its siblings.
			e.log.Error().Err(err).
				Str("doctor_id", doctorID.String()).
				Str("rule_id", rule.ID.String()).
				Msg("rule expansion failed")
		}
	}

	oneTime := e.expandOneTimeSlots(ctx, idx)
	result.SlotsCreated += oneTime.Created
	result.SlotsUpdated += oneTime.Updated

	return result, nil
}

// expandRule runs one rule through the pipeline and advances its watermark
// only when every candidate reconciled cleanly. A held-back watermark makes
// the next pass retry the same window from the same starting point.
func (e *Expander) expandRule(ctx context.Context, rule ScheduleRule, idx *ExceptionIndex) (UpsertResult, error) {
	today := startOfDay(e.now(), e.loc)

	windowStart := today
	if rule.StartDate != nil {
		if s := startOfDay(*rule.StartDate, e.loc); s.After(windowStart) {
			windowStart = s
		}
	}
	if rule.LastExpandedAt != nil {
		if next := startOfDay(*rule.LastExpandedAt, e.loc).AddDate(0, 0, 1); next.After(windowStart) {
			windowStart = next
		}
	}

	windowEnd := startOfDay(e.now().Add(e.cfg.ExpansionHorizon), e.loc)
	if rule.EndDate != nil {
		if end := startOfDay(*rule.EndDate, e.loc); end.Before(windowEnd) {
			windowEnd = end
		}
	}
	if windowStart.After(windowEnd) {
		return UpsertResult{}, nil
	}

	dates, err := RuleDates(rule, windowStart, windowEnd, e.loc)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("generate dates: %w", err)
	}

	var candidates []Candidate
	for _, date := range dates {
		plan := idx.Resolve(rule, date)
		slots, err := DaySlots(plan, date, e.loc)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("materialize %s: %w", date.Format("2006-01-02"), err)
		}
		candidates = append(candidates, slots...)
	}

	result := e.upsertCandidates(ctx, candidates)

	if !result.Clean(len(candidates)) {
		e.log.Warn().
			Str("rule_id", rule.ID.String()).
			Int("failed", result.Failed).
			Msg("watermark held back after partial failure")
		return result, nil
	}

	if err := e.repo.UpdateRuleExpansion(ctx, rule.ID, windowEnd, rule.LastExpandedVersion+1); err != nil {
		return result, fmt.Errorf("advance watermark: %w", err)
	}

	e.log.Info().
		Str("rule_id", rule.ID.String()).
		Time("expanded_through", windowEnd).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Msg("rule expanded")

	return result, nil
}

// expandOneTimeSlots materializes the doctor's one_time_slot exceptions that
// fall inside the horizon. They are additive and independent of any rule, so
// per-slot failures are absorbed here and simply retried next pass.
func (e *Expander) expandOneTimeSlots(ctx context.Context, idx *ExceptionIndex) UpsertResult {
	today := startOfDay(e.now(), e.loc)
	horizon := startOfDay(e.now().Add(e.cfg.ExpansionHorizon), e.loc)

	dates := idx.Dates()
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	var candidates []Candidate
	for _, date := range dates {
		if date.Before(today) || date.After(horizon) {
			continue
		}
		for _, exc := range idx.OneTimeSlots(date) {
			slots, err := OneTimeSlots(exc, e.loc)
			if err != nil {
				e.log.Warn().Err(err).
					Str("exception_id", exc.ID.String()).
					Msg("one-time slot materialization failed")
				continue
			}
			candidates = append(candidates, slots...)
		}
	}

	return e.upsertCandidates(ctx, candidates)
}
