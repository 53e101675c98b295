package schedule

import (
	"time"

	"github.com/google/uuid"
)

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	// FrequencyCustom currently expands like FrequencyWeekly. Kept as a
	// distinct value so rules tagged custom stay distinguishable in storage
	// until product defines dedicated semantics.
	FrequencyCustom Frequency = "custom"
)

type ExceptionType string

const (
	ExceptionBlock       ExceptionType = "block"
	ExceptionModify      ExceptionType = "modify"
	ExceptionOneTimeSlot ExceptionType = "one_time_slot"
)

type AppointmentType string

const (
	TypeVideo    AppointmentType = "video"
	TypeInPerson AppointmentType = "in_person"
	TypeBoth     AppointmentType = "both"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
)

type OriginType string

const (
	OriginRule      OriginType = "rule"
	OriginException OriginType = "exception"
)

// Priority orders provenance for upsert tie-breaks. An exception-sourced
// slot always outranks a rule-sourced one regardless of version numbers.
func (o OriginType) Priority() int {
	if o == OriginException {
		return 10
	}
	return 1
}

// ScheduleRule is a doctor's recurring availability declaration.
type ScheduleRule struct {
	ID       uuid.UUID
	DoctorID uuid.UUID

	Frequency  Frequency
	Interval   int   // cadence multiplier, >= 1
	ByWeekDay  []int // 0=Sunday .. 6=Saturday
	ByMonthDay []int // 1..31
	BySetPos   int   // Nth weekday of month, negative = from end, 0 = unused

	StartDate *time.Time // inclusive, nil = starts now
	EndDate   *time.Time // inclusive, nil = open-ended

	StartTime    string // "HH:MM" local time of day
	EndTime      string
	SlotDuration int // minutes

	AppointmentType AppointmentType
	StudioAddress   *string

	IsActive            bool
	LastExpandedAt      *time.Time // date through which slots exist
	LastExpandedVersion int64      // bumped only on a fully clean pass

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleException is a single-date override layered on top of a doctor's
// rules. For modify and one_time_slot, nil fields mean "not overridden" and
// fall back to the rule's values; an empty string is a deliberate override.
type ScheduleException struct {
	ID       uuid.UUID
	DoctorID uuid.UUID

	ExceptionDate time.Time // midnight, no time component
	ExceptionType ExceptionType

	StartTime       *string
	EndTime         *string
	SlotDuration    *int
	AppointmentType *AppointmentType
	StudioAddress   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppointmentSlot is a concrete bookable interval. (DoctorID, StartTime) is
// the reconciliation key: at most one slot exists per doctor per start.
type AppointmentSlot struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Status    SlotStatus

	AppointmentType AppointmentType
	StudioAddress   *string

	OriginType    OriginType
	OriginID      uuid.UUID
	OriginVersion int64 // 0 = unset (legacy rows), real versions start at 1

	CreatedAt time.Time
	UpdatedAt time.Time
}
