package models

import "time"

// TrafficCycleState is the per-machine accounting cursor for the current
// billing period. Usage resets to zero whenever PeriodKey changes.
type TrafficCycleState struct {
	MachineID    uint      `gorm:"primaryKey;autoIncrement:false" json:"machineId"`
	AnchorDay    int       `json:"anchorDay"`
	PeriodKey    string    `gorm:"size:10" json:"periodKey"`
	StartAt      time.Time `json:"startAt"`
	EndAt        time.Time `json:"endAt"`
	LastAt       time.Time `json:"lastAt"`
	LastRxBytes  uint64    `json:"lastRxBytes"`
	LastTxBytes  uint64    `json:"lastTxBytes"`
	UsageRxBytes uint64    `json:"usageRxBytes"`
	UsageTxBytes uint64    `json:"usageTxBytes"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TrafficCycle is the historical usage snapshot of one machine × period.
type TrafficCycle struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	MachineID    uint      `gorm:"not null;uniqueIndex:idx_cycle_machine_period,priority:1" json:"machineId"`
	PeriodKey    string    `gorm:"size:10;not null;uniqueIndex:idx_cycle_machine_period,priority:2" json:"periodKey"`
	StartAt      time.Time `json:"startAt"`
	EndAt        time.Time `json:"endAt"`
	UsageRxBytes uint64    `json:"usageRxBytes"`
	UsageTxBytes uint64    `json:"usageTxBytes"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
