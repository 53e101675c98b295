package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanRule(row pgx.Row) (*ScheduleRule, error) {
	var r ScheduleRule
	var byWeekDay, byMonthDay []int32

	err := row.Scan(
		&r.ID,
		&r.DoctorID,
		&r.Frequency,
		&r.Interval,
		&byWeekDay,
		&byMonthDay,
		&r.BySetPos,
		&r.StartDate,
		&r.EndDate,
		&r.StartTime,
		&r.EndTime,
		&r.SlotDuration,
		&r.AppointmentType,
		&r.StudioAddress,
		&r.IsActive,
		&r.LastExpandedAt,
		&r.LastExpandedVersion,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	r.ByWeekDay = toIntSlice(byWeekDay)
	r.ByMonthDay = toIntSlice(byMonthDay)
	return &r, nil
}

func scanException(row pgx.Row) (*ScheduleException, error) {
	var e ScheduleException

	err := row.Scan(
		&e.ID,
		&e.DoctorID,
		&e.ExceptionDate,
		&e.ExceptionType,
		&e.StartTime,
		&e.EndTime,
		&e.SlotDuration,
		&e.AppointmentType,
		&e.StudioAddress,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &e, nil
}

func scanSlot(row pgx.Row) (*AppointmentSlot, error) {
	var s AppointmentSlot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&s.AppointmentType,
		&s.StudioAddress,
		&s.OriginType,
		&s.OriginID,
		&s.OriginVersion,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func toIntSlice(in []int32) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

const ruleColumns = `
	id, doctor_id, frequency, "interval", by_week_day, by_month_day, by_set_pos,
	start_date, end_date, start_time, end_time, slot_duration,
	appointment_type, studio_address, is_active,
	last_expanded_at, last_expanded_version, created_at, updated_at
`

// Interface methods

func (r *PgRepository) ListDoctorsWithActiveRules(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT doctor_id
		FROM schedule_rules
		WHERE is_active = true
		ORDER BY doctor_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ListActiveRules(ctx context.Context, doctorID uuid.UUID) ([]ScheduleRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM schedule_rules
		WHERE doctor_id = $1
		  AND is_active = true
		ORDER BY created_at
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ScheduleRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ListExceptions(ctx context.Context, doctorID uuid.UUID) ([]ScheduleException, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, exception_date, exception_type,
		       start_time, end_time, slot_duration, appointment_type, studio_address,
		       created_at, updated_at
		FROM schedule_exceptions
		WHERE doctor_id = $1
		ORDER BY exception_date
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ScheduleException
	for rows.Next() {
		exc, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *exc)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) GetSlotByKey(ctx context.Context, doctorID uuid.UUID, startTime time.Time) (*AppointmentSlot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, start_time, end_time, status,
		       appointment_type, studio_address,
		       origin_type, origin_id, origin_version,
		       created_at, updated_at
		FROM appointment_slots
		WHERE doctor_id = $1 AND start_time = $2
	`, doctorID, startTime)
	return scanSlot(row)
}

func (r *PgRepository) InsertSlot(ctx context.Context, slot AppointmentSlot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_slots
			(id, doctor_id, start_time, end_time, status,
			 appointment_type, studio_address,
			 origin_type, origin_id, origin_version,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
	`, slot.ID, slot.DoctorID, slot.StartTime, slot.EndTime, slot.Status,
		slot.AppointmentType, slot.StudioAddress,
		slot.OriginType, slot.OriginID, slot.OriginVersion)
	if err != nil {
		return fmt.Errorf("insert appointment slot: %w", err)
	}

	return nil
}

func (r *PgRepository) UpdateSlot(ctx context.Context, slot AppointmentSlot) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointment_slots
		SET end_time = $2,
		    appointment_type = $3,
		    studio_address = $4,
		    origin_type = $5,
		    origin_id = $6,
		    origin_version = $7,
		    updated_at = now()
		WHERE id = $1
	`, slot.ID, slot.EndTime, slot.AppointmentType, slot.StudioAddress,
		slot.OriginType, slot.OriginID, slot.OriginVersion)
	if err != nil {
		return fmt.Errorf("update appointment slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}

	return nil
}

func (r *PgRepository) UpdateRuleExpansion(ctx context.Context, ruleID uuid.UUID, lastExpandedAt time.Time, version int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedule_rules
		SET last_expanded_at = $2,
		    last_expanded_version = $3,
		    updated_at = now()
		WHERE id = $1
	`, ruleID, lastExpandedAt, version)
	if err != nil {
		return fmt.Errorf("update rule expansion watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}

	return nil
}
