// Package models defines GORM data models for talonwatch.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Machine represents a monitored host. Identity, key hash and anchor day are
// operator-managed; Online/LastSeenAt are written by the ingestion path.
type Machine struct {
	gorm.Model

	Name string `gorm:"index" json:"name"`
	// AgentKeyHash is a bcrypt hash of the agent's pre-shared key.
	AgentKeyHash string `gorm:"not null" json:"-"`

	// Host metadata reported by the agent in hello.
	Hostname      string `json:"hostname"`
	OSName        string `json:"osName"`
	OSVersion     string `json:"osVersion"`
	Arch          string `json:"arch"`
	KernelVersion string `json:"kernelVersion"`
	CPUModel      string `json:"cpuModel"`
	CPUCores      int    `json:"cpuCores"`

	// BillingAnchorDay: 1..31, 0 = use the resolved default.
	BillingAnchorDay int        `gorm:"default:0" json:"billingAnchorDay"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`

	// Lifecycle
	Online     bool       `gorm:"default:false" json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// DisplayName is the label used in alerts.
func (m *Machine) DisplayName() string {
	switch {
	case m.Name != "":
		return m.Name
	case m.Hostname != "":
		return m.Hostname
	}
	return "machine"
}

// HostMeta is the host metadata carried by an agent hello.
// Empty strings never overwrite stored values.
type HostMeta struct {
	Hostname      string
	OSName        string
	OSVersion     string
	Arch          string
	KernelVersion string
	CPUModel      string
	CPUCores      *int
}

// Updates returns the non-empty fields as a gorm column map.
func (h HostMeta) Updates() map[string]any {
	out := map[string]any{}
	set := func(col, v string) {
		if v != "" {
			out[col] = v
		}
	}
	set("hostname", h.Hostname)
	set("os_name", h.OSName)
	set("os_version", h.OSVersion)
	set("arch", h.Arch)
	set("kernel_version", h.KernelVersion)
	set("cpu_model", h.CPUModel)
	if h.CPUCores != nil {
		out["cpu_cores"] = *h.CPUCores
	}
	return out
}
