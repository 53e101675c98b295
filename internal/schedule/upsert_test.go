package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestShouldOverwrite(t *testing.T) {
	tests := []struct {
		name     string
		cType    OriginType
		cVersion int64
		eType    OriginType
		eVersion int64
		want     bool
	}{
		{"unversioned row is always reclaimed", OriginRule, 1, OriginRule, 0, true},
		{"unversioned row yields even to an old exception", OriginException, 1, OriginRule, 0, true},
		{"exception beats rule regardless of version", OriginException, 5, OriginRule, 99, true},
		{"rule never beats exception", OriginRule, 99, OriginException, 5, false},
		{"newer rule beats older rule", OriginRule, 3, OriginRule, 2, true},
		{"same rule version is a no-op", OriginRule, 2, OriginRule, 2, false},
		{"older rule loses to newer rule", OriginRule, 1, OriginRule, 2, false},
		{"newer exception beats older exception", OriginException, 6, OriginException, 5, true},
		{"same exception version is a no-op", OriginException, 5, OriginException, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Candidate{OriginType: tt.cType, OriginVersion: tt.cVersion}
			existing := AppointmentSlot{OriginType: tt.eType, OriginVersion: tt.eVersion}
			if got := shouldOverwrite(c, existing); got != tt.want {
				t.Errorf("shouldOverwrite() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpsertCandidates_CreateAndSkip(t *testing.T) {
	repo := newMemRepo()
	e := newTestExpander(repo, jan1, twoWeekHorizon)

	doctorID := uuid.New()
	ruleID := uuid.New()
	start := time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC)
	c := Candidate{
		DoctorID:        doctorID,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		AppointmentType: TypeVideo,
		OriginType:      OriginRule,
		OriginID:        ruleID,
		OriginVersion:   1,
	}

	result := e.upsertCandidates(context.Background(), []Candidate{c})
	if result.Created != 1 {
		t.Fatalf("expected 1 created, got %+v", result)
	}

	// Same candidate again matches the stored row.
	result = e.upsertCandidates(context.Background(), []Candidate{c})
	if result.Skipped != 1 || result.Created != 0 || result.Updated != 0 {
		t.Fatalf("expected pure skip on re-run, got %+v", result)
	}
}

func TestUpsertCandidates_UpdatePreservesStatus(t *testing.T) {
	repo := newMemRepo()
	e := newTestExpander(repo, jan1, twoWeekHorizon)

	doctorID := uuid.New()
	start := time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC)
	existing := AppointmentSlot{
		ID:              uuid.New(),
		DoctorID:        doctorID,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		Status:          SlotBooked,
		AppointmentType: TypeVideo,
		OriginType:      OriginRule,
		OriginID:        uuid.New(),
		OriginVersion:   1,
	}
	repo.slots[slotKey(doctorID, start)] = &existing

	addr := "Via Roma 1, Milano"
	c := Candidate{
		DoctorID:        doctorID,
		StartTime:       start,
		EndTime:         start.Add(30 * time.Minute),
		AppointmentType: TypeInPerson,
		StudioAddress:   &addr,
		OriginType:      OriginRule,
		OriginID:        existing.OriginID,
		OriginVersion:   2,
	}

	result := e.upsertCandidates(context.Background(), []Candidate{c})
	if result.Updated != 1 {
		t.Fatalf("expected 1 updated, got %+v", result)
	}

	got := repo.slotAt(doctorID, start)
	if got.Status != SlotBooked {
		t.Error("update must never touch booking status")
	}
	if got.AppointmentType != TypeInPerson || got.OriginVersion != 2 {
		t.Errorf("metadata not refreshed: %+v", got)
	}
	if !got.EndTime.Equal(start.Add(30 * time.Minute)) {
		t.Errorf("end time not refreshed: %v", got.EndTime)
	}
}

func TestUpsertCandidates_LegacyRowsReclaimed(t *testing.T) {
	repo := newMemRepo()
	e := newTestExpander(repo, jan1, twoWeekHorizon)

	doctorID := uuid.New()
	start := time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC)
	legacy := AppointmentSlot{
		ID:              uuid.New(),
		DoctorID:        doctorID,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		Status:          SlotAvailable,
		AppointmentType: TypeVideo,
		OriginType:      OriginException,
		OriginVersion:   0, // predates provenance tracking
	}
	repo.slots[slotKey(doctorID, start)] = &legacy

	c := Candidate{
		DoctorID:        doctorID,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		AppointmentType: TypeVideo,
		OriginType:      OriginRule,
		OriginID:        uuid.New(),
		OriginVersion:   1,
	}

	result := e.upsertCandidates(context.Background(), []Candidate{c})
	if result.Updated != 1 {
		t.Fatalf("unversioned rows must always be reclaimed, got %+v", result)
	}
	if got := repo.slotAt(doctorID, start); got.OriginType != OriginRule || got.OriginVersion != 1 {
		t.Errorf("provenance not adopted: %+v", got)
	}
}

func TestUpsertCandidates_FailuresAreCountedNotRaised(t *testing.T) {
	repo := newMemRepo()
	e := newTestExpander(repo, jan1, twoWeekHorizon)

	doctorID := uuid.New()
	day := date(2024, time.January, 3)
	var candidates []Candidate
	for i := 0; i < 3; i++ {
		start := day.Add(time.Duration(9+i) * time.Hour)
		candidates = append(candidates, Candidate{
			DoctorID:        doctorID,
			StartTime:       start,
			EndTime:         start.Add(time.Hour),
			AppointmentType: TypeVideo,
			OriginType:      OriginRule,
			OriginID:        uuid.New(),
			OriginVersion:   1,
		})
	}
	repo.insertErrs[slotKey(doctorID, candidates[1].StartTime)] = errors.New("deadlock detected")

	result := e.upsertCandidates(context.Background(), candidates)
	if result.Created != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 created / 1 failed, got %+v", result)
	}
	if result.Clean(len(candidates)) {
		t.Error("a batch with failures must not report clean")
	}
}

func TestUpsertCandidates_BatchesOverFifty(t *testing.T) {
	repo := newMemRepo()
	e := newTestExpander(repo, jan1, twoWeekHorizon)

	doctorID := uuid.New()
	day := date(2024, time.January, 3)
	var candidates []Candidate
	for i := 0; i < upsertBatchSize*2+7; i++ {
		start := day.Add(time.Duration(i) * 15 * time.Minute)
		candidates = append(candidates, Candidate{
			DoctorID:        doctorID,
			StartTime:       start,
			EndTime:         start.Add(15 * time.Minute),
			AppointmentType: TypeVideo,
			OriginType:      OriginRule,
			OriginID:        uuid.New(),
			OriginVersion:   1,
		})
	}

	result := e.upsertCandidates(context.Background(), candidates)
	if result.Created != len(candidates) {
		t.Fatalf("expected all %d created across batches, got %+v", len(candidates), result)
	}
	if !result.Clean(len(candidates)) {
		t.Error("fully created run must report clean")
	}
}

func TestUpsertResult_Clean(t *testing.T) {
	tests := []struct {
		name   string
		result UpsertResult
		total  int
		want   bool
	}{
		{"all created", UpsertResult{Created: 5}, 5, true},
		{"mixed outcomes", UpsertResult{Created: 2, Updated: 1, Skipped: 2}, 5, true},
		{"all skipped", UpsertResult{Skipped: 5}, 5, true},
		{"one failure", UpsertResult{Created: 4, Failed: 1}, 5, false},
		{"empty window", UpsertResult{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Clean(tt.total); got != tt.want {
				t.Errorf("Clean(%d) = %v, want %v", tt.total, got, tt.want)
			}
		})
	}
}
