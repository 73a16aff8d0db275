package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

var ErrProviderNotFound = errors.New("provider not found")

// Provider is read-only reference data owned by provider management.
type Provider struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Specialty *string   `json:"specialty,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory supplies provider identity and weekly availability.
type Directory interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetAvailability(ctx context.Context, providerID uuid.UUID) ([]schedule.Window, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgDirectory struct {
	db querier
}

// NewPgDirectory accepts a *pgxpool.Pool or anything with the same query methods.
func NewPgDirectory(db querier) *PgDirectory {
	return &PgDirectory{db: db}
}

func (d *PgDirectory) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := d.db.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Specialty, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}
	return &p, nil
}

// GetAvailability returns the provider's windows. A provider with no rows has
// no availability; existence is checked separately with GetProvider.
func (d *PgDirectory) GetAvailability(ctx context.Context, providerID uuid.UUID) ([]schedule.Window, error) {
	rows, err := d.db.Query(ctx, `
		SELECT weekday, start_time, end_time
		FROM provider_availability
		WHERE provider_id = $1
		ORDER BY weekday, start_time
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	defer rows.Close()

	var out []schedule.Window
	for rows.Next() {
		var (
			weekday    int16
			start, end pgtype.Time
		)
		if err := rows.Scan(&weekday, &start, &end); err != nil {
			return nil, fmt.Errorf("scan availability: %w", err)
		}
		w := schedule.Window{
			ProviderID: providerID,
			Weekday:    time.Weekday(weekday),
			Start:      clockFromPG(start),
			End:        clockFromPG(end),
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("provider %s availability: %w", providerID, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	return out, nil
}

func clockFromPG(t pgtype.Time) schedule.Clock {
	return schedule.Clock(t.Microseconds / int64(time.Minute/time.Microsecond))
}
