package schedule

import "time"

// ExceptionIndex groups a doctor's exceptions by calendar date for O(1)
// lookup during expansion. Build it once per doctor per pass.
type ExceptionIndex struct {
	loc    *time.Location
	byDate map[time.Time][]ScheduleException
}

func NewExceptionIndex(exceptions []ScheduleException, loc *time.Location) *ExceptionIndex {
	idx := &ExceptionIndex{
		loc:    loc,
		byDate: make(map[time.Time][]ScheduleException, len(exceptions)),
	}
	for _, exc := range exceptions {
		key := startOfDay(exc.ExceptionDate, loc)
		idx.byDate[key] = append(idx.byDate[key], exc)
	}
	return idx
}

// DayPlan is the overlay outcome for one rule on one date: either the date
// is suppressed outright, or an effective rule with any modify overrides
// applied. ModifiedBy identifies the modify exception whose provenance the
// day's slots must carry; a doctor's explicit override must never be
// reverted by a routine re-expansion of the rule.
type DayPlan struct {
	Suppressed bool
	Effective  ScheduleRule
	ModifiedBy *ScheduleException
}

// Resolve decides what a rule yields on a date. A block exception wins over
// everything else present for the date; modify exceptions are folded into
// the rule field by field.
func (idx *ExceptionIndex) Resolve(rule ScheduleRule, date time.Time) DayPlan {
	excs := idx.byDate[startOfDay(date, idx.loc)]

	for _, exc := range excs {
		if exc.ExceptionType == ExceptionBlock {
			return DayPlan{Suppressed: true}
		}
	}

	plan := DayPlan{Effective: rule}
	for _, exc := range excs {
		if exc.ExceptionType == ExceptionModify {
			plan.Effective = applyModify(plan.Effective, exc)
			modified := exc
			plan.ModifiedBy = &modified
		}
	}
	return plan
}

// OneTimeSlots returns the date's one_time_slot exceptions that carry a
// complete time window. These are additive and independent of block/modify
// outcomes: a doctor can block their regular hours and still add a bespoke
// slot the same day.
func (idx *ExceptionIndex) OneTimeSlots(date time.Time) []ScheduleException {
	var out []ScheduleException
	for _, exc := range idx.byDate[startOfDay(date, idx.loc)] {
		if exc.ExceptionType != ExceptionOneTimeSlot {
			continue
		}
		if exc.StartTime == nil || exc.EndTime == nil || exc.SlotDuration == nil {
			continue
		}
		out = append(out, exc)
	}
	return out
}

// Dates returns every date carrying at least one exception, for emitting
// one-time slots on dates no rule fires on.
func (idx *ExceptionIndex) Dates() []time.Time {
	out := make([]time.Time, 0, len(idx.byDate))
	for d := range idx.byDate {
		out = append(out, d)
	}
	return out
}

// applyModify overlays a modify exception onto a rule. Only explicitly set
// fields override; nil fields inherit the rule's value. An empty string is a
// valid override, nil is not.
func applyModify(rule ScheduleRule, exc ScheduleException) ScheduleRule {
	if exc.StartTime != nil {
		rule.StartTime = *exc.StartTime
	}
	if exc.EndTime != nil {
		rule.EndTime = *exc.EndTime
	}
	if exc.SlotDuration != nil {
		rule.SlotDuration = *exc.SlotDuration
	}
	if exc.AppointmentType != nil {
		rule.AppointmentType = *exc.AppointmentType
	}
	if exc.StudioAddress != nil {
		rule.StudioAddress = exc.StudioAddress
	}
	return rule
}
