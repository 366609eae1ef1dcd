package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vesaa/talonwatch/internal/models"
)

// TrafficState loads the accounting cursor for a machine; nil when absent.
func (s *Store) TrafficState(ctx context.Context, machineID uint) (*models.TrafficCycleState, error) {
	var rows []models.TrafficCycleState
	if err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// SaveTraffic upserts the accounting cursor and the matching history row in
// one transaction.
func (s *Store) SaveTraffic(ctx context.Context, st *models.TrafficCycleState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(st).Error; err != nil {
			return err
		}
		cycle := models.TrafficCycle{
			MachineID:    st.MachineID,
			PeriodKey:    st.PeriodKey,
			StartAt:      st.StartAt,
			EndAt:        st.EndAt,
			UsageRxBytes: st.UsageRxBytes,
			UsageTxBytes: st.UsageTxBytes,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "machine_id"}, {Name: "period_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"start_at", "end_at", "usage_rx_bytes", "usage_tx_bytes", "updated_at"}),
		}).Create(&cycle).Error
	})
}

// TrafficCycles lists a machine's history rows, newest period first.
func (s *Store) TrafficCycles(ctx context.Context, machineID uint) ([]models.TrafficCycle, error) {
	var out []models.TrafficCycle
	err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).Order("start_at desc").Find(&out).Error
	return out, err
}

// NotificationStates returns every notification row keyed by machine id.
func (s *Store) NotificationStates(ctx context.Context) (map[uint]models.NotificationState, error) {
	var rows []models.NotificationState
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]models.NotificationState, len(rows))
	for _, r := range rows {
		out[r.MachineID] = r
	}
	return out, nil
}

// SaveNotificationStates upserts a batch of notification rows atomically.
func (s *Store) SaveNotificationStates(ctx context.Context, states []models.NotificationState) error {
	if len(states) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range states {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&states[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
