package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"service-matching/geohash"
	"service-matching/models"
	"service-matching/store"
)

const requestColumns = `id, customer_id, provider_id, category, description, latitude, longitude, geohash,
	status, price, scheduled_at, paid_at, accepted_at, started_at, completed_at, cancelled_at,
	cancelled_by, version, created_at, updated_at`

// Store is the postgres implementation of store.RequestStore and
// store.ProfileStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.ServiceRequest, error) {
	var (
		r           models.ServiceRequest
		providerID  sql.NullString
		cancelledBy sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.CustomerID, &providerID, &r.Category, &r.Description,
		&r.Latitude, &r.Longitude, &r.Geohash, &r.Status, &r.Price,
		&r.ScheduledAt, &r.PaidAt, &r.AcceptedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&cancelledBy, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	r.ProviderID = providerID.String
	r.CancelledBy = models.Role(cancelledBy.String)
	return r, nil
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]models.ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ServiceRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Create(ctx context.Context, n models.NewRequest) (models.ServiceRequest, error) {
	if err := n.Validate(); err != nil {
		return models.ServiceRequest{}, err
	}
	now := s.now().UTC()
	id := uuid.New().String()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO service_requests (id, customer_id, category, description, latitude, longitude,
			geohash, status, price, scheduled_at, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, 1, $10, $10)
		 RETURNING `+requestColumns,
		id, n.CustomerID, strings.TrimSpace(n.Category), strings.TrimSpace(n.Description),
		n.Latitude, n.Longitude, geohash.Encode(n.Latitude, n.Longitude, geohash.StoragePrecision),
		models.StatusOpen, n.ScheduledAt, now,
	)
	r, err := scanRequest(row)
	if err != nil {
		return models.ServiceRequest{}, fmt.Errorf("insert request: %w", err)
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, id string) (models.ServiceRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, models.NotFound("request %s not found", id)
	}
	if err != nil {
		return models.ServiceRequest{}, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return store.DefaultListLimit
	}
	return limit
}

func (s *Store) ListByCustomer(ctx context.Context, customerID string, limit int) ([]models.ServiceRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM service_requests
		 WHERE customer_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		customerID, limitOrDefault(limit))
}

func (s *Store) ListByProvider(ctx context.Context, providerID string, limit int) ([]models.ServiceRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM service_requests
		 WHERE provider_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		providerID, limitOrDefault(limit))
}

// ListOpenNear narrows the scan with geohash cover cells, then applies the
// same haversine distance the rest of the service uses, so ordering matches
// the in-memory implementation exactly.
func (s *Store) ListOpenNear(ctx context.Context, q store.NearQuery) ([]models.ServiceRequest, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	query, args := openNearQuery(q)
	rows, err := s.queryRequests(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	out := rows[:0]
	for _, r := range rows {
		d := geohash.Distance(q.Point, geohash.Point{Lat: r.Latitude, Lon: r.Longitude})
		if d > q.RadiusKm {
			continue
		}
		r.DistanceKm = d
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	if limit := limitOrDefault(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// openNearQuery builds the candidate scan for ListOpenNear. Rows are narrowed
// by geohash cover cells when the radius allows it; the exact distance cut
// happens after the scan.
func openNearQuery(q store.NearQuery) (string, []any) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE status = 'open'`
	args := []any{}
	if cells := geohash.CoverCells(q.Point, q.RadiusKm); cells != nil {
		args = append(args, geohash.CellPrecision(cells), pq.Array(cells))
		query += fmt.Sprintf(" AND substr(geohash, 1, $%d) = ANY($%d)", len(args)-1, len(args))
	}
	if len(q.Categories) > 0 {
		args = append(args, pq.Array(q.Categories))
		query += fmt.Sprintf(" AND category = ANY($%d)", len(args))
	}
	return query, args
}

// transitionUpdate builds the single conditional UPDATE that implements
// compare-and-transition. Positional parameters $1..$4 are always id, from,
// to and timestamp.
func transitionUpdate(t models.Transition) (string, []any) {
	args := []any{t.RequestID, t.From, t.To, t.At.UTC()}
	set := []string{"status = $3", "updated_at = $4", "version = version + 1"}
	switch t.To {
	case models.StatusAccepted:
		args = append(args, t.ProviderID)
		set = append(set, "provider_id = $5", "accepted_at = $4")
	case models.StatusInProgress:
		set = append(set, "started_at = $4")
	case models.StatusCompleted:
		set = append(set, "completed_at = $4")
	case models.StatusCancelled:
		args = append(args, string(t.CancelledBy))
		set = append(set, "provider_id = NULL", "cancelled_at = $4", "cancelled_by = NULLIF($5, '')")
	}
	query := `UPDATE service_requests SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 AND status = $2 RETURNING ` + requestColumns
	return query, args
}

func (s *Store) CompareAndTransition(ctx context.Context, t models.Transition) (models.ServiceRequest, error) {
	if err := store.CheckTransition(t); err != nil {
		return models.ServiceRequest{}, err
	}
	query, args := transitionUpdate(t)
	r, err := scanRequest(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, fmt.Errorf("transition request: %w", err)
	}

	current, err := s.Get(ctx, t.RequestID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	return current, models.Conflict("request %s is %s, expected %s", current.ID, current.Status, t.From)
}

func (s *Store) SetPrice(ctx context.Context, id string, price int64) (models.ServiceRequest, error) {
	if price < 0 {
		return models.ServiceRequest{}, models.Validation("price must not be negative")
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE service_requests SET price = $2, updated_at = $3, version = version + 1
		 WHERE id = $1 AND status = 'open' RETURNING `+requestColumns,
		id, price, s.now().UTC())
	r, err := scanRequest(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, fmt.Errorf("set price: %w", err)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	return current, models.Conflict("price of request %s is fixed once it leaves open", id)
}

func (s *Store) MarkPaid(ctx context.Context, id string, at time.Time) (models.ServiceRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE service_requests SET paid_at = $2, updated_at = $2, version = version + 1
		 WHERE id = $1 AND paid_at IS NULL AND status IN ('open', 'accepted')
		 RETURNING `+requestColumns,
		id, at.UTC())
	r, err := scanRequest(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, fmt.Errorf("mark paid: %w", err)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	return unpaidOutcome(current)
}

// unpaidOutcome explains why the conditional payment UPDATE matched no row:
// either the request was already paid, which is not an error, or its status
// no longer takes payments.
func unpaidOutcome(current models.ServiceRequest) (models.ServiceRequest, error) {
	if current.PaidAt != nil {
		return current, nil
	}
	return current, models.Conflict("request %s is %s and cannot take a payment", current.ID, current.Status)
}

var _ store.RequestStore = (*Store)(nil)
