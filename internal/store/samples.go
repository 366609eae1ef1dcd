package store

import (
	"context"
	"time"

	"github.com/vesaa/talonwatch/internal/models"
)

// InsertSample persists one metric sample.
func (s *Store) InsertSample(ctx context.Context, m *models.MetricSample) error {
	m.At = m.At.UTC()
	return s.db.WithContext(ctx).Create(m).Error
}

// LatestSamples returns up to limit samples for a machine, newest first.
func (s *Store) LatestSamples(ctx context.Context, machineID uint, limit int) ([]models.MetricSample, error) {
	var out []models.MetricSample
	err := s.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SampleTimesBetween returns sample timestamps in [from, to], ascending.
func (s *Store) SampleTimesBetween(ctx context.Context, machineID uint, from, to time.Time) ([]time.Time, error) {
	var rows []models.MetricSample
	err := s.db.WithContext(ctx).
		Select("at").
		Where("machine_id = ? AND at >= ? AND at <= ?", machineID, from.UTC(), to.UTC()).
		Order("at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(rows))
	for i, r := range rows {
		out[i] = r.At
	}
	return out, nil
}

// LastSampleBefore returns the newest sample timestamp strictly before t.
func (s *Store) LastSampleBefore(ctx context.Context, machineID uint, t time.Time) (time.Time, bool, error) {
	var rows []models.MetricSample
	err := s.db.WithContext(ctx).
		Select("at").
		Where("machine_id = ? AND at < ?", machineID, t.UTC()).
		Order("at desc").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return time.Time{}, false, err
	}
	return rows[0].At, true, nil
}

// PruneSamples deletes samples older than before and returns the count removed.
func (s *Store) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("at < ?", before.UTC()).Delete(&models.MetricSample{})
	return res.RowsAffected, res.Error
}
