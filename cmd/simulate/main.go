package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

// SimConfig drives a booking race: many workers fight over the same few
// provider days, then the database is checked for overlapping bookings.
type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Providers    int
	PatientLimit int
	Date         time.Time
	SlotLength   time.Duration
	ReadRatio    float64
	PostgresDSN  string
	Location     *time.Location
}

type DataPool struct {
	Patients  []uuid.UUID
	Providers []uuid.UUID

	mu     sync.RWMutex
	booked []uuid.UUID
}

func (dp *DataPool) AddBooked(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked = append(dp.booked, id)
}

func (dp *DataPool) RandomBooked(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.booked) == 0 {
		return uuid.Nil, false
	}
	return dp.booked[rng.Intn(len(dp.booked))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Rejected  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeRejected
	outcomeError
)

func classify(status int, err error) outcome {
	switch {
	case err != nil:
		return outcomeError
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusConflict:
		return outcomeConflict
	case status == http.StatusUnprocessableEntity:
		return outcomeRejected
	}
	return outcomeError
}

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch o {
	case outcomeSuccess:
		atomic.AddInt64(&om.Success, 1)
	case outcomeConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case outcomeRejected:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min95(len(latencies))]
	return avg, min, max, p50, p95
}

func min95(n int) int {
	i := n * 95 / 100
	if i >= n {
		i = n - 1
	}
	return i
}

type Metrics struct {
	Request      OperationMetrics
	Propose      OperationMetrics
	Accept       OperationMetrics
	Availability OperationMetrics
	ReadByID     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.SugaredLogger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		logger.Must("prod", "info").Fatalw("config load error", "error", err)
	}
	log := logger.Must(baseCfg.Env, baseCfg.LogLevel)
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig(baseCfg)
	if err != nil {
		log.Fatalw("invalid simulator config", "error", err)
	}
	log.Infow("simulator starting",
		"duration", cfg.Duration,
		"workers", cfg.Workers,
		"providers", cfg.Providers,
		"date", cfg.Date.Format(time.DateOnly),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2, ApplicationName: "simulate"})
	if err != nil {
		log.Fatalw("connect postgres", "error", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalw("load data pool", "error", err)
	}
	log.Infow("data loaded", "patients", len(dataPool.Patients), "providers", len(dataPool.Providers))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()

	overlaps, err := countOverlaps(context.Background(), pgPool, dataPool.Providers)
	if err != nil {
		log.Fatalw("overlap check", "error", err)
	}
	if overlaps > 0 {
		log.Errorw("double booking detected", "overlapping_pairs", overlaps)
		os.Exit(1)
	}
	log.Info("no overlapping bookings found")
}

func loadConfig(base config.Config) (SimConfig, error) {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		Providers:    getInt("SIM_PROVIDERS", 3),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 500),
		SlotLength:   getDuration("SIM_SLOT_LENGTH", base.MinDuration),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.2),
		PostgresDSN:  base.PostgresDSN,
		Location:     base.FacilityTZ,
	}

	if raw := os.Getenv("SIM_DATE"); raw != "" {
		d, err := time.ParseInLocation(time.DateOnly, raw, cfg.Location)
		if err != nil {
			return SimConfig{}, fmt.Errorf("SIM_DATE: %w", err)
		}
		cfg.Date = d
	} else {
		cfg.Date = nextWeekday(time.Now().In(cfg.Location), time.Tuesday)
	}

	if cfg.Workers <= 0 {
		return SimConfig{}, errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Providers <= 0 {
		return SimConfig{}, errors.New("SIM_PROVIDERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return SimConfig{}, errors.New("SIM_DURATION must be > 0")
	}
	if cfg.SlotLength <= 0 {
		return SimConfig{}, errors.New("SIM_SLOT_LENGTH must be > 0")
	}
	return cfg, nil
}

// nextWeekday returns midnight of the first wd strictly after now.
func nextWeekday(now time.Time, wd time.Weekday) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for {
		day = day.AddDate(0, 0, 1)
		if day.Weekday() == wd {
			return day
		}
	}
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients ORDER BY created_at LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Patients = append(dp.Patients, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Only providers working on the target weekday make for a contested day.
	rows, err = pool.Query(ctx, `
		SELECT DISTINCT p.id
		FROM providers p
		JOIN provider_availability pa ON pa.provider_id = p.id
		WHERE pa.weekday = $1
		ORDER BY p.id
		LIMIT $2
	`, int16(cfg.Date.Weekday()), cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Providers = append(dp.Providers, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dp.Patients) == 0 {
		return nil, errors.New("no patients loaded, run seed first")
	}
	if len(dp.Providers) == 0 {
		return nil, fmt.Errorf("no providers work on %s", cfg.Date.Weekday())
	}
	return dp, nil
}

// countOverlaps returns the number of pairs of calendar-holding appointments
// whose booked intervals overlap for the same provider.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool, providers []uuid.UUID) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.provider_id = b.provider_id
		 AND a.id < b.id
		 AND a.booked_start < b.booked_end
		 AND b.booked_start < a.booked_end
		WHERE a.provider_id = ANY($1)
		  AND a.status IN ('booked', 'arrived', 'ongoing', 'completed')
		  AND b.status IN ('booked', 'arrived', 'ongoing', 'completed')
	`, providers).Scan(&n)
	return n, err
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		if rng.Float64() < s.config.ReadRatio {
			s.doReadByID(ctx, rng)
			continue
		}
		s.doBookingFlow(ctx, rng)
	}
}

type appointmentBody struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

type intervalBody struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// doBookingFlow walks one appointment from request to booked: the patient
// requests, staff proposes a free slot, the patient accepts.
func (s *Simulator) doBookingFlow(ctx context.Context, rng *rand.Rand) {
	providerID := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	slot, ok := s.pickSlot(ctx, rng, providerID)
	if !ok {
		return
	}

	var appt appointmentBody
	status, latency, err := s.post(ctx, "/appointments", map[string]any{
		"patient_id":  patientID,
		"provider_id": providerID,
		"start":       slot.Start,
		"concern":     "simulated visit",
	}, &appt)
	s.metrics.Request.Record(latency, classify(status, err))
	if classify(status, err) != outcomeSuccess {
		return
	}

	staffID := uuid.New()
	status, latency, err = s.post(ctx, "/appointments/"+appt.ID.String()+"/transitions", map[string]any{
		"target":     "proposed",
		"actor_id":   staffID,
		"actor_role": "staff",
		"start":      slot.Start,
		"end":        slot.End,
	}, &appt)
	s.metrics.Propose.Record(latency, classify(status, err))
	if classify(status, err) != outcomeSuccess {
		return
	}

	status, latency, err = s.post(ctx, "/appointments/"+appt.ID.String()+"/transitions", map[string]any{
		"target":     "booked",
		"actor_id":   patientID,
		"actor_role": "patient",
	}, &appt)
	s.metrics.Accept.Record(latency, classify(status, err))
	if classify(status, err) == outcomeSuccess {
		s.pool.AddBooked(appt.ID)
	}
}

// pickSlot asks for the provider's free intervals and picks a slot-aligned
// candidate inside one of them.
func (s *Simulator) pickSlot(ctx context.Context, rng *rand.Rand, providerID uuid.UUID) (intervalBody, bool) {
	var avail struct {
		Free []intervalBody `json:"free"`
	}
	path := fmt.Sprintf("/providers/%s/availability?date=%s", providerID, s.config.Date.Format(time.DateOnly))
	status, latency, err := s.get(ctx, path, &avail)
	s.metrics.Availability.Record(latency, classify(status, err))
	if classify(status, err) != outcomeSuccess {
		return intervalBody{}, false
	}

	var candidates []intervalBody
	for _, free := range avail.Free {
		for start := free.Start; !start.Add(s.config.SlotLength).After(free.End); start = start.Add(s.config.SlotLength) {
			candidates = append(candidates, intervalBody{Start: start, End: start.Add(s.config.SlotLength)})
		}
	}
	if len(candidates) == 0 {
		return intervalBody{}, false
	}
	return candidates[rng.Intn(len(candidates))], true
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomBooked(rng)
	if !ok {
		return
	}
	status, latency, err := s.get(ctx, "/appointments/"+id.String(), nil)
	s.metrics.ReadByID.Record(latency, classify(status, err))
}

func (s *Simulator) post(ctx context.Context, path string, body any, out any) (int, time.Duration, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Simulator) get(ctx context.Context, path string, out any) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return 0, 0, err
	}
	return s.do(req, out)
}

func (s *Simulator) do(req *http.Request, out any) (int, time.Duration, error) {
	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Contested day: %s across %d providers\n", s.config.Date.Format(time.DateOnly), len(s.pool.Providers))
	fmt.Println()

	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Request", &s.metrics.Request)
	printOperationReport("Propose", &s.metrics.Propose)
	printOperationReport("Accept", &s.metrics.Accept)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	rejected := atomic.LoadInt64(&om.Rejected)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if rejected > 0 {
		fmt.Printf("  Slot rejections: %d (%.1f%%)\n", rejected, pct(rejected))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
