package models

import "time"

// MetricSample stores one agent report. Rows are insert-only; At comes from
// the agent and is not guaranteed to be monotonic.
type MetricSample struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MachineID uint      `gorm:"not null;index:idx_sample_machine_at,priority:1" json:"machineId"`
	At        time.Time `gorm:"not null;index:idx_sample_machine_at,priority:2;index" json:"at"`

	// ── Compute ──────────────────────────────────────────────────────────────
	CPUUsage  float64 `json:"cpuUsage"` // fraction 0-1
	MemUsed   uint64  `json:"memUsed"`
	MemTotal  uint64  `json:"memTotal"`
	DiskUsed  uint64  `json:"diskUsed"`
	DiskTotal uint64  `json:"diskTotal"`

	// ── Network (cumulative since agent start) ───────────────────────────────
	RxBytes *uint64 `json:"rxBytes,omitempty"`
	TxBytes *uint64 `json:"txBytes,omitempty"`

	// ── Connections ──────────────────────────────────────────────────────────
	TCPConns *int `json:"tcp,omitempty"`
	UDPConns *int `json:"udp,omitempty"`

	// ── Load average ─────────────────────────────────────────────────────────
	Load1  *float64 `json:"l1,omitempty"`
	Load5  *float64 `json:"l5,omitempty"`
	Load15 *float64 `json:"l15,omitempty"`
}
