package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"service-matching/models"
	"service-matching/store"
)

const offerColumns = `id, request_id, provider_id, status, distance_km, expires_at, responded_at, created_at, updated_at`

const openOfferStatuses = `('pending', 'sent')`

func scanOffer(row rowScanner) (models.Offer, error) {
	var o models.Offer
	err := row.Scan(&o.ID, &o.RequestID, &o.ProviderID, &o.Status, &o.DistanceKm,
		&o.ExpiresAt, &o.RespondedAt, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (s *Store) queryOffers(ctx context.Context, query string, args ...any) ([]models.Offer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateOffers inserts the batch in one transaction.
func (s *Store) CreateOffers(ctx context.Context, offers []models.Offer) ([]models.Offer, error) {
	if err := store.CheckOffers(offers); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin offers: %w", err)
	}
	defer tx.Rollback()

	out := make([]models.Offer, 0, len(offers))
	for _, o := range offers {
		created, err := scanOffer(tx.QueryRowContext(ctx,
			`INSERT INTO offers (`+offerColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+offerColumns,
			o.ID, o.RequestID, o.ProviderID, o.Status, o.DistanceKm,
			o.ExpiresAt.UTC(), o.RespondedAt, o.CreatedAt.UTC(), o.UpdatedAt.UTC()))
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return nil, models.Conflict("offer of request %s to provider %s already exists", o.RequestID, o.ProviderID)
			}
			return nil, fmt.Errorf("insert offer: %w", err)
		}
		out = append(out, created)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit offers: %w", err)
	}
	return out, nil
}

func (s *Store) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	o, err := scanOffer(s.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, models.NotFound("offer %s not found", id)
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (s *Store) ListOffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error) {
	return s.queryOffers(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE request_id = $1 ORDER BY distance_km, provider_id`,
		requestID)
}

func (s *Store) ListLiveOffers(ctx context.Context, providerID string, now time.Time) ([]models.Offer, error) {
	return s.queryOffers(ctx,
		`SELECT `+offerColumns+` FROM offers
		 WHERE provider_id = $1 AND status IN `+openOfferStatuses+` AND expires_at > $2
		 ORDER BY created_at DESC, id DESC`,
		providerID, now.UTC())
}

// offerUpdate builds the conditional UPDATE behind UpdateOffer. The response
// time is only stamped when the provider answered.
func offerUpdate(u models.OfferUpdate) (string, []any) {
	from := make([]string, 0, len(u.From))
	for _, f := range u.From {
		from = append(from, string(f))
	}
	var responded any
	if u.To == models.OfferAccepted || u.To == models.OfferRejected {
		responded = u.At.UTC()
	}
	query := `UPDATE offers SET status = $2, updated_at = $3, responded_at = COALESCE($4, responded_at)
		 WHERE id = $1 AND status = ANY($5) RETURNING ` + offerColumns
	return query, []any{u.OfferID, string(u.To), u.At.UTC(), responded, pq.Array(from)}
}

func (s *Store) UpdateOffer(ctx context.Context, u models.OfferUpdate) (models.Offer, error) {
	query, args := offerUpdate(u)
	o, err := scanOffer(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, fmt.Errorf("update offer: %w", err)
	}
	current, err := s.GetOffer(ctx, u.OfferID)
	if err != nil {
		return models.Offer{}, err
	}
	return current, models.Conflict("offer %s is %s", current.ID, current.Status)
}

// resolveOffers builds the UPDATE that closes a request's open offers in one
// statement. $2 is the winning provider, or empty when nobody won.
func resolveOffers(requestID, winner string, at time.Time) (string, []any) {
	query := `UPDATE offers SET
			status = CASE WHEN $2 <> '' AND provider_id = $2 THEN 'accepted' ELSE 'expired' END,
			responded_at = CASE WHEN $2 <> '' AND provider_id = $2 THEN $3 ELSE responded_at END,
			updated_at = $3
		 WHERE request_id = $1 AND status IN ` + openOfferStatuses + `
		 RETURNING ` + offerColumns
	return query, []any{requestID, winner, at.UTC()}
}

func (s *Store) ResolveOffers(ctx context.Context, requestID, winner string, at time.Time) ([]models.Offer, error) {
	query, args := resolveOffers(requestID, winner, at)
	out, err := s.queryOffers(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve offers: %w", err)
	}
	return out, nil
}

func (s *Store) ExpireOffers(ctx context.Context, now time.Time) ([]models.Offer, error) {
	out, err := s.queryOffers(ctx,
		`UPDATE offers SET status = 'expired', updated_at = $1
		 WHERE status IN `+openOfferStatuses+` AND expires_at <= $1
		 RETURNING `+offerColumns,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire offers: %w", err)
	}
	return out, nil
}

var _ store.OfferStore = (*Store)(nil)
