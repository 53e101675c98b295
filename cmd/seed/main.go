package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/schedule-expansion/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := ensureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	doctors := make([]uuid.UUID, 25)
	for i := range doctors {
		doctors[i] = uuid.New()
	}

	if err := seedRules(context.Background(), pool, doctors); err != nil {
		log.Fatalf("seed rules: %v", err)
	}
	if err := seedExceptions(context.Background(), pool, doctors); err != nil {
		log.Fatalf("seed exceptions: %v", err)
	}

	log.Println("seed complete")
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	log.Println("ensuring schema")

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schedule_rules (
			id                    UUID PRIMARY KEY,
			doctor_id             UUID NOT NULL,
			frequency             TEXT NOT NULL,
			"interval"            INT  NOT NULL DEFAULT 1,
			by_week_day           INT[] NOT NULL DEFAULT '{}',
			by_month_day          INT[] NOT NULL DEFAULT '{}',
			by_set_pos            INT  NOT NULL DEFAULT 0,
			start_date            DATE,
			end_date              DATE,
			start_time            TEXT NOT NULL,
			end_time              TEXT NOT NULL,
			slot_duration         INT  NOT NULL,
			appointment_type      TEXT NOT NULL,
			studio_address        TEXT,
			is_active             BOOLEAN NOT NULL DEFAULT true,
			last_expanded_at      TIMESTAMPTZ,
			last_expanded_version BIGINT NOT NULL DEFAULT 0,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_schedule_rules_doctor
			ON schedule_rules (doctor_id) WHERE is_active;

		CREATE TABLE IF NOT EXISTS schedule_exceptions (
			id               UUID PRIMARY KEY,
			doctor_id        UUID NOT NULL,
			exception_date   DATE NOT NULL,
			exception_type   TEXT NOT NULL,
			start_time       TEXT,
			end_time         TEXT,
			slot_duration    INT,
			appointment_type TEXT,
			studio_address   TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_schedule_exceptions_doctor_date
			ON schedule_exceptions (doctor_id, exception_date);

		CREATE TABLE IF NOT EXISTS appointment_slots (
			id               UUID PRIMARY KEY,
			doctor_id        UUID NOT NULL,
			start_time       TIMESTAMPTZ NOT NULL,
			end_time         TIMESTAMPTZ NOT NULL,
			status           TEXT NOT NULL DEFAULT 'available',
			appointment_type TEXT NOT NULL,
			studio_address   TEXT,
			origin_type      TEXT NOT NULL,
			origin_id        UUID NOT NULL,
			origin_version   BIGINT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (doctor_id, start_time)
		);
	`)
	return err
}

func seedRules(ctx context.Context, pool *pgxpool.Pool, doctors []uuid.UUID) error {
	log.Printf("seeding rules for %d doctors", len(doctors))

	frequencies := []string{"weekly", "weekly", "weekly", "biweekly", "monthly"}
	windows := [][2]string{
		{"08:00", "12:00"},
		{"09:00", "13:00"},
		{"14:00", "18:00"},
		{"09:00", "17:00"},
	}
	durations := []int{30, 30, 60}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	today := time.Now().Truncate(24 * time.Hour)

	for _, doctorID := range doctors {
		ruleCount := gofakeit.Number(1, 3)
		for i := 0; i < ruleCount; i++ {
			freq := frequencies[gofakeit.Number(0, len(frequencies)-1)]
			window := windows[gofakeit.Number(0, len(windows)-1)]

			var byWeekDay []int32
			for wd := 1; wd <= 5; wd++ {
				if gofakeit.Bool() {
					byWeekDay = append(byWeekDay, int32(wd))
				}
			}
			if len(byWeekDay) == 0 {
				byWeekDay = []int32{int32(gofakeit.Number(1, 5))}
			}

			apptType := "video"
			var studioAddress *string
			if gofakeit.Bool() {
				apptType = "in_person"
				addr := gofakeit.Address().Address
				studioAddress = &addr
			}

			startDate := today.AddDate(0, 0, -gofakeit.Number(0, 30))

			_, err := tx.Exec(ctx, `
				INSERT INTO schedule_rules
					(id, doctor_id, frequency, "interval", by_week_day, by_month_day, by_set_pos,
					 start_date, end_date, start_time, end_time, slot_duration,
					 appointment_type, studio_address, is_active,
					 last_expanded_at, last_expanded_version, created_at, updated_at)
				VALUES ($1, $2, $3, 1, $4, '{}', 0,
				        $5, NULL, $6, $7, $8,
				        $9, $10, true,
				        NULL, 0, now(), now())
			`, uuid.New(), doctorID, freq, byWeekDay,
				startDate, window[0], window[1], durations[gofakeit.Number(0, len(durations)-1)],
				apptType, studioAddress)
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("rules seeded")
	return nil
}

func seedExceptions(ctx context.Context, pool *pgxpool.Pool, doctors []uuid.UUID) error {
	log.Printf("seeding exceptions for %d doctors", len(doctors))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	today := time.Now().Truncate(24 * time.Hour)

	for _, doctorID := range doctors {
		excCount := gofakeit.Number(0, 4)
		for i := 0; i < excCount; i++ {
			date := today.AddDate(0, 0, gofakeit.Number(1, 60))

			var excType string
			var startTime, endTime *string
			var slotDuration *int

			switch gofakeit.Number(0, 2) {
			case 0:
				excType = "block"
			case 1:
				excType = "modify"
				d := 30
				slotDuration = &d
			default:
				excType = "one_time_slot"
				s, e := "18:00", "20:00"
				d := 30
				startTime, endTime, slotDuration = &s, &e, &d
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO schedule_exceptions
					(id, doctor_id, exception_date, exception_type,
					 start_time, end_time, slot_duration, appointment_type, studio_address,
					 created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, now(), now())
			`, uuid.New(), doctorID, date, excType, startTime, endTime, slotDuration)
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("exceptions seeded")
	return nil
}
