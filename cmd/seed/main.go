package main

import (
	"context"
	"flag"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

// shift is one weekly pattern a seeded provider may follow.
type shift struct {
	weekdays   []time.Weekday
	start, end [2]int // hour, minute
}

var shifts = []shift{
	{weekdays: weekdays(time.Monday, time.Friday), start: [2]int{9, 0}, end: [2]int{17, 0}},
	{weekdays: weekdays(time.Monday, time.Thursday), start: [2]int{8, 0}, end: [2]int{12, 30}},
	{weekdays: weekdays(time.Tuesday, time.Saturday), start: [2]int{13, 0}, end: [2]int{20, 0}},
}

func weekdays(from, to time.Weekday) []time.Weekday {
	var out []time.Weekday
	for d := from; d <= to; d++ {
		out = append(out, d)
	}
	return out
}

func main() {
	providers := flag.Int("providers", 25, "number of providers to create")
	patients := flag.Int("patients", 2000, "number of patients to create")
	seed := flag.Int64("seed", 0, "faker seed, 0 for random")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Must("prod", "info").Fatalw("config load error", "error", err)
	}
	log := logger.Must(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "seed"})
	if err != nil {
		log.Fatalw("connect postgres", "error", err)
	}
	defer pool.Close()

	// gofakeit picks a random seed for 0.
	faker := gofakeit.New(uint64(*seed))

	if err := seedProviders(ctx, pool, faker, *providers, log); err != nil {
		log.Fatalw("seed providers", "error", err)
	}
	if err := seedPatients(ctx, pool, faker, *patients, log); err != nil {
		log.Fatalw("seed patients", "error", err)
	}

	log.Info("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, log *zap.SugaredLogger) error {
	log.Infow("seeding providers", "count", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := 0; i < count; i++ {
		id := uuid.New()
		spec := specialties[faker.Number(0, len(specialties)-1)]

		if _, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, "Dr. "+faker.Name(), spec); err != nil {
			return err
		}

		s := shifts[faker.Number(0, len(shifts)-1)]
		batch := &pgx.Batch{}
		for _, day := range s.weekdays {
			batch.Queue(`
				INSERT INTO provider_availability (provider_id, weekday, start_time, end_time)
				VALUES ($1, $2, $3, $4)
			`, id, int16(day), clock(s.start), clock(s.end))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Info("providers seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, log *zap.SugaredLogger) error {
	log.Infow("seeding patients", "count", count)

	rows := make([][]any, 0, count)
	seen := make(map[string]struct{}, count)
	for len(rows) < count {
		email := faker.Email()
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		rows = append(rows, []any{uuid.New(), faker.Name(), email, faker.Phone()})
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{"patients"},
		[]string{"id", "full_name", "email", "phone"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}
	log.Infow("patients seeded", "count", n)
	return nil
}

func clock(hm [2]int) pgtype.Time {
	return pgtype.Time{
		Microseconds: int64(hm[0]*3600+hm[1]*60) * 1_000_000,
		Valid:        true,
	}
}
