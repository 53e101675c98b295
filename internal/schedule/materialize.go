package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrBadSlotWindow = errors.New("invalid slot window")

// Candidate is a materialized slot awaiting reconciliation against the
// persisted inventory.
type Candidate struct {
	DoctorID  uuid.UUID
	StartTime time.Time
	EndTime   time.Time

	AppointmentType AppointmentType
	StudioAddress   *string

	OriginType    OriginType
	OriginID      uuid.UUID
	OriginVersion int64
}

// DaySlots materializes the candidates for a resolved day plan. Rule-derived
// slots are versioned one past the rule's last committed version so a clean
// pass always supersedes the previous one; days touched by a modify
// exception carry the exception's provenance instead.
func DaySlots(plan DayPlan, date time.Time, loc *time.Location) ([]Candidate, error) {
	if plan.Suppressed {
		return nil, nil
	}

	r := plan.Effective
	origin, originID, version := OriginRule, r.ID, r.LastExpandedVersion+1
	if plan.ModifiedBy != nil {
		origin = OriginException
		originID = plan.ModifiedBy.ID
		version = exceptionVersion(*plan.ModifiedBy)
	}

	return sliceWindow(r.DoctorID, date, r.StartTime, r.EndTime, r.SlotDuration,
		r.AppointmentType, r.StudioAddress, origin, originID, version, loc)
}

// OneTimeSlots materializes an independent one_time_slot exception. The
// caller guarantees the exception carries a complete time window.
func OneTimeSlots(exc ScheduleException, loc *time.Location) ([]Candidate, error) {
	return sliceWindow(exc.DoctorID, exc.ExceptionDate, *exc.StartTime, *exc.EndTime,
		*exc.SlotDuration, derefType(exc.AppointmentType), exc.StudioAddress,
		OriginException, exc.ID, exceptionVersion(exc), loc)
}

// sliceWindow cuts [startClock, endClock) on the given date into
// duration-sized slots. A trailing partial slot is dropped, not clipped.
func sliceWindow(doctorID uuid.UUID, date time.Time, startClock, endClock string, durationMin int,
	apptType AppointmentType, addr *string, origin OriginType, originID uuid.UUID, version int64,
	loc *time.Location) ([]Candidate, error) {

	if durationMin <= 0 {
		return nil, fmt.Errorf("%w: slot duration %d", ErrBadSlotWindow, durationMin)
	}

	start, err := clockOnDate(date, startClock, loc)
	if err != nil {
		return nil, fmt.Errorf("parse start time: %w", err)
	}
	end, err := clockOnDate(date, endClock, loc)
	if err != nil {
		return nil, fmt.Errorf("parse end time: %w", err)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: %s..%s", ErrBadSlotWindow, startClock, endClock)
	}

	duration := time.Duration(durationMin) * time.Minute
	var out []Candidate
	for cursor := start; !cursor.Add(duration).After(end); cursor = cursor.Add(duration) {
		out = append(out, Candidate{
			DoctorID:        doctorID,
			StartTime:       cursor,
			EndTime:         cursor.Add(duration),
			AppointmentType: apptType,
			StudioAddress:   addr,
			OriginType:      origin,
			OriginID:        originID,
			OriginVersion:   version,
		})
	}
	return out, nil
}

// clockOnDate pins an "HH:MM" wall time onto a calendar date.
func clockOnDate(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := date.In(loc).Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc), nil
}

// exceptionVersion derives an upsert version from the exception's last edit,
// so an edited exception supersedes its previously materialized slots
// without a separate counter.
func exceptionVersion(exc ScheduleException) int64 {
	ts := exc.UpdatedAt
	if ts.IsZero() {
		ts = exc.CreatedAt
	}
	if ts.IsZero() {
		return 1
	}
	return ts.Unix()
}

func derefType(t *AppointmentType) AppointmentType {
	if t != nil {
		return *t
	}
	return TypeVideo
}
