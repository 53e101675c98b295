package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRuleNotFound = errors.New("schedule rule not found")
	ErrSlotNotFound = errors.New("appointment slot not found")
)

// Repository contains all DB interactions needed by the expander.
type Repository interface {
	// Doctors with at least one active rule, for the global pass.
	ListDoctorsWithActiveRules(ctx context.Context) ([]uuid.UUID, error)

	ListActiveRules(ctx context.Context, doctorID uuid.UUID) ([]ScheduleRule, error)
	ListExceptions(ctx context.Context, doctorID uuid.UUID) ([]ScheduleException, error)

	// Slot reconciliation, keyed by (doctorID, startTime).
	GetSlotByKey(ctx context.Context, doctorID uuid.UUID, startTime time.Time) (*AppointmentSlot, error)
	InsertSlot(ctx context.Context, slot AppointmentSlot) error
	UpdateSlot(ctx context.Context, slot AppointmentSlot) error

	// Watermark bookkeeping, written only after a fully clean pass.
	UpdateRuleExpansion(ctx context.Context, ruleID uuid.UUID, lastExpandedAt time.Time, version int64) error
}
