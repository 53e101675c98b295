package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/schedule-expansion/internal/config"
	redisclient "github.com/clinicore/schedule-expansion/internal/redis"
)

// ---------- Fakes ----------

type memRepo struct {
	rules      map[uuid.UUID][]*ScheduleRule
	exceptions map[uuid.UUID][]ScheduleException
	slots      map[string]*AppointmentSlot

	// one-shot failure injection, consumed on use
	insertErrs map[string]error

	listRulesErr map[uuid.UUID]error
}

func newMemRepo() *memRepo {
	return &memRepo{
		rules:        make(map[uuid.UUID][]*ScheduleRule),
		exceptions:   make(map[uuid.UUID][]ScheduleException),
		slots:        make(map[string]*AppointmentSlot),
		insertErrs:   make(map[string]error),
		listRulesErr: make(map[uuid.UUID]error),
	}
}

func slotKey(doctorID uuid.UUID, start time.Time) string {
	return doctorID.String() + "|" + start.UTC().Format(time.RFC3339)
}

func (m *memRepo) addRule(r *ScheduleRule) {
	m.rules[r.DoctorID] = append(m.rules[r.DoctorID], r)
}

func (m *memRepo) addException(e ScheduleException) {
	m.exceptions[e.DoctorID] = append(m.exceptions[e.DoctorID], e)
}

func (m *memRepo) ListDoctorsWithActiveRules(ctx context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for doctorID, rules := range m.rules {
		for _, r := range rules {
			if r.IsActive {
				out = append(out, doctorID)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *memRepo) ListActiveRules(ctx context.Context, doctorID uuid.UUID) ([]ScheduleRule, error) {
	if err := m.listRulesErr[doctorID]; err != nil {
		return nil, err
	}
	var out []ScheduleRule
	for _, r := range m.rules[doctorID] {
		if r.IsActive {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRepo) ListExceptions(ctx context.Context, doctorID uuid.UUID) ([]ScheduleException, error) {
	return m.exceptions[doctorID], nil
}

func (m *memRepo) GetSlotByKey(ctx context.Context, doctorID uuid.UUID, startTime time.Time) (*AppointmentSlot, error) {
	if s, ok := m.slots[slotKey(doctorID, startTime)]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, ErrSlotNotFound
}

func (m *memRepo) InsertSlot(ctx context.Context, slot AppointmentSlot) error {
	key := slotKey(slot.DoctorID, slot.StartTime)
	if err, ok := m.insertErrs[key]; ok {
		delete(m.insertErrs, key)
		return err
	}
	copied := slot
	m.slots[key] = &copied
	return nil
}

func (m *memRepo) UpdateSlot(ctx context.Context, slot AppointmentSlot) error {
	for key, s := range m.slots {
		if s.ID == slot.ID {
			copied := slot
			m.slots[key] = &copied
			return nil
		}
	}
	return ErrSlotNotFound
}

func (m *memRepo) UpdateRuleExpansion(ctx context.Context, ruleID uuid.UUID, lastExpandedAt time.Time, version int64) error {
	for _, rules := range m.rules {
		for _, r := range rules {
			if r.ID == ruleID {
				at := lastExpandedAt
				r.LastExpandedAt = &at
				r.LastExpandedVersion = version
				return nil
			}
		}
	}
	return ErrRuleNotFound
}

func (m *memRepo) slotAt(doctorID uuid.UUID, start time.Time) *AppointmentSlot {
	return m.slots[slotKey(doctorID, start)]
}

type passLocker struct{}

func (passLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type heldLocker struct{}

func (heldLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func newTestExpander(repo Repository, now time.Time, horizon time.Duration) *Expander {
	e := NewExpander(repo, passLocker{}, config.Config{ExpansionHorizon: horizon}, zerolog.Nop())
	e.now = func() time.Time { return now }
	return e
}

// weeklyTestRule is the reference rule: Mondays and Wednesdays, 09:00..11:00
// in 60-minute slots, starting Monday 2024-01-01.
func weeklyTestRule() *ScheduleRule {
	return &ScheduleRule{
		ID:              uuid.New(),
		DoctorID:        uuid.New(),
		Frequency:       FrequencyWeekly,
		Interval:        1,
		ByWeekDay:       []int{1, 3},
		StartDate:       datePtr(2024, time.January, 1),
		StartTime:       "09:00",
		EndTime:         "11:00",
		SlotDuration:    60,
		AppointmentType: TypeVideo,
		IsActive:        true,
	}
}

// A 13-day horizon from Jan 1 makes the expansion window Jan 1 .. Jan 14.
const twoWeekHorizon = 13 * 24 * time.Hour

var jan1 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// ---------- Expander tests ----------

func TestExpander_WeeklyScenario(t *testing.T) {
	repo := newMemRepo()
	rule := weeklyTestRule()
	repo.addRule(rule)

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result, err := e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Jan 1, 3, 8, 10 with two slots each.
	if result.SlotsCreated != 8 {
		t.Errorf("expected 8 slots created, got %d", result.SlotsCreated)
	}
	if result.SlotsUpdated != 0 {
		t.Errorf("expected 0 slots updated, got %d", result.SlotsUpdated)
	}

	slot := repo.slotAt(rule.DoctorID, time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC))
	if slot == nil {
		t.Fatal("expected slot at Jan 10 10:00")
	}
	if slot.Status != SlotAvailable {
		t.Errorf("new slots start available, got %s", slot.Status)
	}
	if slot.OriginType != OriginRule || slot.OriginID != rule.ID || slot.OriginVersion != 1 {
		t.Errorf("wrong provenance: %s/%s/v%d", slot.OriginType, slot.OriginID, slot.OriginVersion)
	}

	if rule.LastExpandedAt == nil || !rule.LastExpandedAt.Equal(date(2024, time.January, 14)) {
		t.Errorf("watermark should advance to window end, got %v", rule.LastExpandedAt)
	}
	if rule.LastExpandedVersion != 1 {
		t.Errorf("version should advance to 1, got %d", rule.LastExpandedVersion)
	}
}

func TestExpander_SecondRunIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	rule := weeklyTestRule()
	repo.addRule(rule)

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	if _, err := e.ExpandDoctor(context.Background(), rule.DoctorID); err != nil {
		t.Fatalf("first run: %v", err)
	}

	result, err := e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.SlotsCreated != 0 || result.SlotsUpdated != 0 {
		t.Errorf("second run must be a no-op, got created=%d updated=%d",
			result.SlotsCreated, result.SlotsUpdated)
	}
}

func TestExpander_BlockSuppressionWithOneTimeSlots(t *testing.T) {
	repo := newMemRepo()
	rule := weeklyTestRule()
	repo.addRule(rule)

	blocked := date(2024, time.January, 8)
	repo.addException(ScheduleException{
		ID:            uuid.New(),
		DoctorID:      rule.DoctorID,
		ExceptionDate: blocked,
		ExceptionType: ExceptionBlock,
	})
	repo.addException(ScheduleException{
		ID:            uuid.New(),
		DoctorID:      rule.DoctorID,
		ExceptionDate: blocked,
		ExceptionType: ExceptionOneTimeSlot,
		StartTime:     strPtr("18:00"),
		EndTime:       strPtr("20:00"),
		SlotDuration:  intPtr(30),
		UpdatedAt:     time.Date(2024, time.January, 2, 10, 0, 0, 0, time.UTC),
	})

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result, err := e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 6 rule slots (Jan 1, 3, 10) plus 4 one-time slots on the blocked day.
	if result.SlotsCreated != 10 {
		t.Errorf("expected 10 slots created, got %d", result.SlotsCreated)
	}

	if repo.slotAt(rule.DoctorID, time.Date(2024, time.January, 8, 9, 0, 0, 0, time.UTC)) != nil {
		t.Error("rule slots on the blocked date must be suppressed")
	}
	oneOff := repo.slotAt(rule.DoctorID, time.Date(2024, time.January, 8, 18, 0, 0, 0, time.UTC))
	if oneOff == nil {
		t.Fatal("one-time slots must materialize on a blocked date")
	}
	if oneOff.OriginType != OriginException {
		t.Error("one-time slot must carry exception provenance")
	}
}

func TestExpander_BlockOnlyScenario(t *testing.T) {
	repo := newMemRepo()
	rule := weeklyTestRule()
	repo.addRule(rule)
	repo.addException(ScheduleException{
		ID:            uuid.New(),
		DoctorID:      rule.DoctorID,
		ExceptionDate: date(2024, time.January, 8),
		ExceptionType: ExceptionBlock,
	})

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result, err := e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SlotsCreated != 6 {
		t.Errorf("expected 6 slots created with Jan 8 suppressed, got %d", result.SlotsCreated)
	}
}

func TestExpander_ModifyScenarioAndExceptionPriority(t *testing.T) {
	repo := newMemRepo()
	rule := weeklyTestRule()
	repo.addRule(rule)

	modified := date(2024, time.January, 3)
	repo.addException(ScheduleException{
		ID:            uuid.New(),
		DoctorID:      rule.DoctorID,
		ExceptionDate: modified,
		ExceptionType: ExceptionModify,
		SlotDuration:  intPtr(30),
		UpdatedAt:     time.Date(2024, time.January, 2, 10, 0, 0, 0, time.UTC),
	})

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result, err := e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Jan 3 yields four 30-minute slots instead of two 60-minute ones.
	if result.SlotsCreated != 10 {
		t.Errorf("expected 10 slots created, got %d", result.SlotsCreated)
	}
	for _, min := range []int{0, 30} {
		for _, hour := range []int{9, 10} {
			start := time.Date(2024, time.January, 3, hour, min, 0, 0, time.UTC)
			slot := repo.slotAt(rule.DoctorID, start)
			if slot == nil {
				t.Fatalf("expected slot at Jan 3 %02d:%02d", hour, min)
			}
			if slot.OriginType != OriginException {
				t.Errorf("modified day slot at %02d:%02d must have exception provenance", hour, min)
			}
		}
	}

	// Even after the exception row is gone, the re-expanding rule must not
	// reclaim the exception-owned slots, no matter how high its version climbs.
	delete(repo.exceptions, rule.DoctorID)
	rule.LastExpandedAt = nil
	result, err = e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	// The rule may refresh its own six slots under the higher version, but
	// the exception-owned Jan 3 slots stay put.
	if result.SlotsCreated != 0 || result.SlotsUpdated != 6 {
		t.Errorf("expected 0 created / 6 updated on re-run, got %d/%d",
			result.SlotsCreated, result.SlotsUpdated)
	}
	slot := repo.slotAt(rule.DoctorID, time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC))
	if slot == nil || slot.OriginType != OriginException {
		t.Error("exception-owned slot was reverted by rule re-expansion")
	}
	if repo.slotAt(rule.DoctorID, time.Date(2024, time.January, 3, 9, 30, 0, 0, time.UTC)) == nil {
		t.Error("exception-owned 09:30 slot must survive rule re-expansion")
	}
}

func TestExpander_WatermarkStallsOnFailure(t *testing.T) {
	repo := newMemRepo()
	rule := weeklyTestRule()
	repo.addRule(rule)

	// One slot's insert fails transiently.
	failing := time.Date(2024, time.January, 8, 10, 0, 0, 0, time.UTC)
	repo.insertErrs[slotKey(rule.DoctorID, failing)] = errors.New("connection reset")

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result, err := e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SlotsCreated != 7 {
		t.Errorf("expected 7 of 8 slots created, got %d", result.SlotsCreated)
	}
	if rule.LastExpandedAt != nil {
		t.Fatal("watermark must not advance after a partial failure")
	}
	if rule.LastExpandedVersion != 0 {
		t.Fatal("version must not advance after a partial failure")
	}

	// The retry re-covers the same window: the missing slot is created, the
	// rest match existing inventory, and the watermark finally advances.
	result, err = e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.SlotsCreated != 1 {
		t.Errorf("retry should create only the missing slot, got %d", result.SlotsCreated)
	}
	if rule.LastExpandedAt == nil || !rule.LastExpandedAt.Equal(date(2024, time.January, 14)) {
		t.Errorf("watermark should advance after the clean retry, got %v", rule.LastExpandedAt)
	}
}

func TestExpander_RuleFailureDoesNotStopSiblings(t *testing.T) {
	repo := newMemRepo()
	bad := weeklyTestRule()
	bad.Frequency = Frequency("fortnightly")
	good := weeklyTestRule()
	good.DoctorID = bad.DoctorID
	repo.addRule(bad)
	repo.addRule(good)

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result, err := e.ExpandDoctor(context.Background(), bad.DoctorID)
	if err != nil {
		t.Fatalf("a single bad rule must not fail the doctor: %v", err)
	}
	if result.SlotsCreated != 8 {
		t.Errorf("good rule should still expand fully, got %d created", result.SlotsCreated)
	}
	if bad.LastExpandedAt != nil {
		t.Error("failed rule's watermark must not advance")
	}
	if good.LastExpandedAt == nil {
		t.Error("good rule's watermark should advance")
	}
}

func TestExpander_InactiveRulesAreSkipped(t *testing.T) {
	repo := newMemRepo()
	rule := weeklyTestRule()
	rule.IsActive = false
	repo.addRule(rule)

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result, err := e.ExpandDoctor(context.Background(), rule.DoctorID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SlotsCreated != 0 {
		t.Errorf("inactive rules must not expand, got %d created", result.SlotsCreated)
	}
}

func TestExpander_LockContention(t *testing.T) {
	repo := newMemRepo()
	rule := weeklyTestRule()
	repo.addRule(rule)

	e := NewExpander(repo, heldLocker{}, config.Config{ExpansionHorizon: twoWeekHorizon}, zerolog.Nop())
	e.now = func() time.Time { return jan1 }

	_, err := e.ExpandDoctor(context.Background(), rule.DoctorID)
	if !errors.Is(err, ErrExpansionInProgress) {
		t.Fatalf("expected ErrExpansionInProgress, got %v", err)
	}
	if len(repo.slots) != 0 {
		t.Error("no slots may be written while another pass holds the lock")
	}
}

func TestExpander_OneTimeSlotsOutsideHorizonAreDeferred(t *testing.T) {
	repo := newMemRepo()
	doctorID := uuid.New()
	repo.addRule(&ScheduleRule{ // active rule so the doctor is picked up
		ID: uuid.New(), DoctorID: doctorID, Frequency: FrequencyWeekly,
		Interval: 1, ByWeekDay: []int{6}, StartDate: datePtr(2024, time.March, 1),
		StartTime: "09:00", EndTime: "10:00", SlotDuration: 60,
		AppointmentType: TypeVideo, IsActive: true,
	})
	repo.addException(ScheduleException{
		ID:            uuid.New(),
		DoctorID:      doctorID,
		ExceptionDate: date(2024, time.June, 1),
		ExceptionType: ExceptionOneTimeSlot,
		StartTime:     strPtr("08:00"),
		EndTime:       strPtr("09:00"),
		SlotDuration:  intPtr(30),
	})

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result, err := e.ExpandDoctor(context.Background(), doctorID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SlotsCreated != 0 {
		t.Errorf("nothing inside the horizon should materialize, got %d", result.SlotsCreated)
	}
}

func TestExpander_ExpandAll(t *testing.T) {
	repo := newMemRepo()
	ruleA := weeklyTestRule()
	ruleB := weeklyTestRule()
	repo.addRule(ruleA)
	repo.addRule(ruleB)

	// Doctor B's rule fetch fails outright.
	repo.listRulesErr[ruleB.DoctorID] = fmt.Errorf("relation does not exist")

	e := newTestExpander(repo, jan1, twoWeekHorizon)

	result := e.ExpandAll(context.Background())

	if result.DoctorsProcessed != 1 {
		t.Errorf("expected 1 doctor processed, got %d", result.DoctorsProcessed)
	}
	if result.SlotsCreated != 8 {
		t.Errorf("expected 8 slots from the healthy doctor, got %d", result.SlotsCreated)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(result.Errors))
	}
	if !strings.Contains(result.Errors[0], ruleB.DoctorID.String()) {
		t.Errorf("error must identify the doctor: %s", result.Errors[0])
	}
}
