package schedule

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// upsertBatchSize bounds how many candidates are reconciled per batch. A
// batch boundary is an efficiency detail, not a consistency boundary.
const upsertBatchSize = 50

// UpsertResult accumulates per-candidate outcomes across a batch. Failures
// are counted, not raised: a transient error on one slot must not abort its
// siblings.
type UpsertResult struct {
	Created int
	Updated int
	Skipped int // matched an existing slot with equal-or-better provenance
	Failed  int
}

func (r *UpsertResult) add(other UpsertResult) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

// Clean reports whether every one of total candidates was reconciled:
// nothing failed and nothing fell through unprocessed. A skip is a match
// against already-correct inventory, not a drop.
func (r UpsertResult) Clean(total int) bool {
	return r.Failed == 0 && r.Created+r.Updated+r.Skipped == total
}

// upsertCandidates reconciles candidates against the persisted inventory in
// bounded batches, honoring the (doctorID, startTime) uniqueness key.
func (e *Expander) upsertCandidates(ctx context.Context, candidates []Candidate) UpsertResult {
	var result UpsertResult
	for i := 0; i < len(candidates); i += upsertBatchSize {
		end := i + upsertBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		result.add(e.upsertBatch(ctx, candidates[i:end]))
	}
	return result
}

func (e *Expander) upsertBatch(ctx context.Context, batch []Candidate) UpsertResult {
	var result UpsertResult

	for _, c := range batch {
		existing, err := e.repo.GetSlotByKey(ctx, c.DoctorID, c.StartTime)
		if err != nil && !errors.Is(err, ErrSlotNotFound) {
			e.log.Warn().Err(err).
				Str("doctor_id", c.DoctorID.String()).
				Time("start_time", c.StartTime).
				Msg("slot lookup failed")
			result.Failed++
			continue
		}

		if existing == nil {
			now := e.now()
			slot := AppointmentSlot{
				ID:              uuid.New(),
				DoctorID:        c.DoctorID,
				StartTime:       c.StartTime,
				EndTime:         c.EndTime,
				Status:          SlotAvailable,
				AppointmentType: c.AppointmentType,
				StudioAddress:   c.StudioAddress,
				OriginType:      c.OriginType,
				OriginID:        c.OriginID,
				OriginVersion:   c.OriginVersion,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := e.repo.InsertSlot(ctx, slot); err != nil {
				e.log.Warn().Err(err).
					Str("doctor_id", c.DoctorID.String()).
					Time("start_time", c.StartTime).
					Msg("slot insert failed")
				result.Failed++
				continue
			}
			result.Created++
			continue
		}

		if !shouldOverwrite(c, *existing) {
			result.Skipped++
			continue
		}

		// Metadata and provenance only; status belongs to the booking
		// domain and is never touched here.
		updated := *existing
		updated.EndTime = c.EndTime
		updated.AppointmentType = c.AppointmentType
		updated.StudioAddress = c.StudioAddress
		updated.OriginType = c.OriginType
		updated.OriginID = c.OriginID
		updated.OriginVersion = c.OriginVersion
		updated.UpdatedAt = e.now()

		if err := e.repo.UpdateSlot(ctx, updated); err != nil {
			e.log.Warn().Err(err).
				Str("doctor_id", c.DoctorID.String()).
				Time("start_time", c.StartTime).
				Msg("slot update failed")
			result.Failed++
			continue
		}
		result.Updated++
	}

	return result
}

// shouldOverwrite decides whether a candidate may replace an existing slot.
// Exception provenance outranks rule provenance regardless of version;
// within the same origin type a strictly greater version wins. Rows without
// a version are always reclaimed.
func shouldOverwrite(c Candidate, existing AppointmentSlot) bool {
	if existing.OriginVersion == 0 {
		return true
	}
	if c.OriginType.Priority() > existing.OriginType.Priority() {
		return true
	}
	if c.OriginType.Priority() < existing.OriginType.Priority() {
		return false
	}
	return c.OriginVersion > existing.OriginVersion
}
