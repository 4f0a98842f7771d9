package weather

import (
	"database/sql"
	"time"

	"github.com/stormlinehq/stormline/errors"
)

// ObservationStore persists weather observations
type ObservationStore struct {
	db *sql.DB
}

// NewObservationStore creates an observation store
func NewObservationStore(db *sql.DB) *ObservationStore {
	return &ObservationStore{db: db}
}

// Upsert records an observation, keyed by (region, observed_at). Providers
// resend overlapping windows, so the same data point arriving twice is the
// normal case, not an error.
func (s *ObservationStore) Upsert(o *Observation) error {
	if o.Region == "" {
		return errors.New("observation requires a region")
	}
	if o.ObservedAt.IsZero() {
		return errors.New("observation requires an observed_at time")
	}

	_, err := s.db.Exec(`
		INSERT INTO weather_observations (
			region, observed_at, hail_size_mm, wind_speed_kph,
			precipitation_mm, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region, observed_at) DO UPDATE SET
			hail_size_mm = excluded.hail_size_mm,
			wind_speed_kph = excluded.wind_speed_kph,
			precipitation_mm = excluded.precipitation_mm,
			source = excluded.source`,
		o.Region, o.ObservedAt.UTC(), o.HailSizeMM, o.WindSpeedKPH,
		o.PrecipitationMM, o.Source, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert observation for region %s", o.Region)
	}

	return nil
}

// ListByRegion returns observations for a region since the given time,
// oldest first.
func (s *ObservationStore) ListByRegion(region string, since time.Time) ([]*Observation, error) {
	rows, err := s.db.Query(`
		SELECT region, observed_at, hail_size_mm, wind_speed_kph,
		       precipitation_mm, source
		FROM weather_observations
		WHERE region = ? AND observed_at >= ?
		ORDER BY observed_at ASC`,
		region, since.UTC(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list observations for region %s", region)
	}
	defer rows.Close()

	var observations []*Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(
			&o.Region, &o.ObservedAt, &o.HailSizeMM, &o.WindSpeedKPH,
			&o.PrecipitationMM, &o.Source,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan observation")
		}
		observations = append(observations, &o)
	}

	return observations, rows.Err()
}

// LatestObservedAt returns the most recent observation time for a region,
// or the zero time if none exist. The ingest handler uses this to size its
// fetch window.
func (s *ObservationStore) LatestObservedAt(region string) (time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRow(`
		SELECT MAX(observed_at) FROM weather_observations WHERE region = ?`,
		region,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to get latest observation for region %s", region)
	}

	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}
