package store

import (
	"context"
	"time"

	"github.com/vesaa/talonwatch/internal/models"
)

// CreateMachine inserts a new machine row.
func (s *Store) CreateMachine(ctx context.Context, m *models.Machine) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// Machine loads one machine by id.
func (s *Store) Machine(ctx context.Context, id uint) (*models.Machine, error) {
	var m models.Machine
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// Machines lists every machine ordered by id.
func (s *Store) Machines(ctx context.Context) ([]models.Machine, error) {
	var out []models.Machine
	err := s.db.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

// UpdateHostMeta writes the non-empty host metadata fields.
func (s *Store) UpdateHostMeta(ctx context.Context, id uint, meta models.HostMeta) error {
	updates := meta.Updates()
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Machine{}).Where("id = ?", id).Updates(updates).Error
}

// MarkOnline sets online=true and lastSeenAt=at.
func (s *Store) MarkOnline(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Machine{}).Where("id = ?", id).Updates(map[string]any{
		"online":       true,
		"last_seen_at": at.UTC(),
	}).Error
}

// MarkOffline sets online=false, leaving lastSeenAt untouched.
func (s *Store) MarkOffline(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Machine{}).Where("id = ?", id).Update("online", false).Error
}
