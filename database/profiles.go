package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"service-matching/geohash"
	"service-matching/models"
	"service-matching/store"
)

const providerColumns = `id, name, latitude, longitude, geohash, service_radius_km, categories, available, push_token, created_at, updated_at`

func scanProvider(row rowScanner) (models.Provider, error) {
	var p models.Provider
	err := row.Scan(&p.ID, &p.Name, &p.Latitude, &p.Longitude, &p.Geohash,
		&p.ServiceRadiusKm, pq.Array(&p.Categories), &p.Available, &p.PushToken, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) UpsertProvider(ctx context.Context, p models.Provider) (models.Provider, error) {
	if err := p.Validate(); err != nil {
		return models.Provider{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO providers (`+providerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
			geohash = EXCLUDED.geohash, service_radius_km = EXCLUDED.service_radius_km,
			categories = EXCLUDED.categories, available = EXCLUDED.available,
			push_token = EXCLUDED.push_token, updated_at = EXCLUDED.updated_at
		 RETURNING `+providerColumns,
		p.ID, p.Name, p.Latitude, p.Longitude,
		geohash.Encode(p.Latitude, p.Longitude, geohash.StoragePrecision),
		p.ServiceRadiusKm, pq.Array(p.Categories), p.Available, p.PushToken, s.now().UTC(),
	)
	out, err := scanProvider(row)
	if err != nil {
		return models.Provider{}, fmt.Errorf("upsert provider: %w", err)
	}
	return out, nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (models.Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Provider{}, models.NotFound("provider %s not found", id)
	}
	if err != nil {
		return models.Provider{}, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]models.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertCustomer(ctx context.Context, c models.Customer) (models.Customer, error) {
	if c.ID == "" {
		return models.Customer{}, models.Validation("customer id is required")
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO customers (id, name, phone, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone,
			updated_at = EXCLUDED.updated_at
		 RETURNING id, name, phone, created_at, updated_at`,
		c.ID, c.Name, c.Phone, s.now().UTC())
	var out models.Customer
	if err := row.Scan(&out.ID, &out.Name, &out.Phone, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return models.Customer{}, fmt.Errorf("upsert customer: %w", err)
	}
	return out, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (models.Customer, error) {
	var c models.Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, created_at, updated_at FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Customer{}, models.NotFound("customer %s not found", id)
	}
	if err != nil {
		return models.Customer{}, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

var _ store.ProfileStore = (*Store)(nil)
