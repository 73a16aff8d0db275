package appointment

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/events"
	"github.com/hackgods/clinic-scheduling/internal/provider"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// memRepo is an in-memory Repository. WithProviderDay holds a mutex per
// provider day and applies staged writes only when fn succeeds.
type memRepo struct {
	mu       sync.Mutex
	appts    map[uuid.UUID]Appointment
	history  []HistoryEntry
	events   []events.ChangeEvent
	nextID   int64
	dayLocks map[string]*sync.Mutex

	// snapshotHook runs on every unlocked CompetingBookings read.
	snapshotHook func()
	// beforeTx runs after the day lock is taken and before fn.
	beforeTx   func()
	failCommit error
}

func newMemRepo() *memRepo {
	return &memRepo{
		appts:    map[uuid.UUID]Appointment{},
		dayLocks: map[string]*sync.Mutex{},
	}
}

func (r *memRepo) put(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appts[a.ID] = a
}

func (r *memRepo) historyFor(id uuid.UUID) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HistoryEntry
	for _, e := range r.history {
		if e.AppointmentID == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *memRepo) recordedEvents() []events.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *memRepo) dayLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.dayLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.dayLocks[key] = l
	}
	return l
}

func (r *memRepo) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memRepo) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.ProviderID != nil && a.ProviderID != *f.ProviderID {
			continue
		}
		if f.ActiveOnly && !a.IsActive {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y Appointment) int { return y.Requested.Start.Compare(x.Requested.Start) })
	return out, nil
}

func (r *memRepo) ListHistory(_ context.Context, id uuid.UUID, order SortOrder) ([]HistoryEntry, error) {
	out := r.historyFor(id)
	slices.SortStableFunc(out, func(x, y HistoryEntry) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return int(x.ID - y.ID)
	})
	if order == SortDescending {
		slices.Reverse(out)
	}
	return out, nil
}

func (r *memRepo) bookings(providerID uuid.UUID, day time.Time) []Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := schedule.Day(day)
	span := schedule.Interval{Start: from, End: from.AddDate(0, 0, 1)}
	var out []Booking
	for _, a := range r.appts {
		if a.ProviderID != providerID || !a.Status.ReservesCalendar() || a.Booked == nil {
			continue
		}
		if a.Booked.Overlaps(span) {
			out = append(out, Booking{AppointmentID: a.ID, Interval: *a.Booked})
		}
	}
	return out
}

func (r *memRepo) CompetingBookings(_ context.Context, providerID uuid.UUID, day time.Time) ([]Booking, error) {
	if r.snapshotHook != nil {
		r.snapshotHook()
	}
	return r.bookings(providerID, day), nil
}

func (r *memRepo) CreateAppointment(_ context.Context, appt Appointment, entry HistoryEntry, ev events.ChangeEvent) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appts[appt.ID] = appt
	r.nextID++
	entry.ID = r.nextID
	r.history = append(r.history, entry)
	r.events = append(r.events, ev)
	return &appt, nil
}

func (r *memRepo) SetActive(_ context.Context, id uuid.UUID, active bool) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.IsActive = active
	r.appts[id] = a
	return &a, nil
}

func (r *memRepo) WithProviderDay(ctx context.Context, providerID uuid.UUID, day time.Time, fn func(ctx context.Context, tx Tx) error) error {
	l := r.dayLock(advisoryKey(providerID, day))
	l.Lock()
	defer l.Unlock()

	if r.beforeTx != nil {
		r.beforeTx()
	}

	tx := &memTx{repo: r, staged: map[uuid.UUID]Appointment{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.failCommit != nil {
		return storageErr("commit booking tx", r.failCommit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range tx.staged {
		r.appts[id] = a
	}
	for _, e := range tx.history {
		r.nextID++
		e.ID = r.nextID
		r.history = append(r.history, e)
	}
	r.events = append(r.events, tx.events...)
	return nil
}

type memTx struct {
	repo    *memRepo
	staged  map[uuid.UUID]Appointment
	history []HistoryEntry
	events  []events.ChangeEvent
}

func (t *memTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if a, ok := t.staged[id]; ok {
		return &a, nil
	}
	return t.repo.GetAppointment(ctx, id)
}

func (t *memTx) CompetingBookings(_ context.Context, providerID uuid.UUID, day time.Time) ([]Booking, error) {
	return t.repo.bookings(providerID, day), nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, appt Appointment, from AppointmentStatus) (*Appointment, error) {
	current, err := t.GetAppointment(ctx, appt.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, ErrConflict
	}
	t.staged[appt.ID] = appt
	return &appt, nil
}

func (t *memTx) AppendHistory(_ context.Context, entry HistoryEntry) (HistoryEntry, error) {
	t.history = append(t.history, entry)
	return entry, nil
}

func (t *memTx) RecordEvent(_ context.Context, ev events.ChangeEvent) error {
	t.events = append(t.events, ev)
	return nil
}

type fakeDirectory struct {
	windows map[uuid.UUID][]schedule.Window
}

func (d *fakeDirectory) GetProvider(_ context.Context, id uuid.UUID) (*provider.Provider, error) {
	if _, ok := d.windows[id]; !ok {
		return nil, provider.ErrProviderNotFound
	}
	return &provider.Provider{ID: id, Name: "Dr. Hale"}, nil
}

func (d *fakeDirectory) GetAvailability(_ context.Context, id uuid.UUID) ([]schedule.Window, error) {
	return d.windows[id], nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, ev)
	return nil
}

func (p *recordingPublisher) events() []events.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.got)
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}
