package hub

import (
	"encoding/json"
	"time"

	"github.com/vesaa/talonwatch/internal/models"
	"github.com/vesaa/talonwatch/internal/traffic"
)

// Message types on the wire.
const (
	TypeHello         = "hello"
	TypeHelloOK       = "hello_ok"
	TypeMetrics       = "metrics"
	TypeError         = "error"
	TypeSubscribe     = "subscribe"
	TypeSubscribed    = "subscribed"
	TypeMachineStatus = "machine_status"
)

// Error frame codes.
const (
	CodeBadMessage  = "bad_message"
	CodeNotHelloed  = "not_helloed"
	CodeAlreadyAuth = "already_authenticated"
	CodeInternal    = "internal_error"
)

// Socket close codes sent to agents.
const (
	CloseBadKey         = 4001
	CloseUnknownMachine = 4004
	CloseTryAgainLater  = 1013
)

type envelope struct {
	Type string `json:"type"`
}

// AgentHello is the first frame an agent sends.
type AgentHello struct {
	Type          string `json:"type"`
	MachineID     int64  `json:"machineId"`
	Key           string `json:"key"`
	Hostname      string `json:"hostname,omitempty"`
	OSName        string `json:"osName,omitempty"`
	OSVersion     string `json:"osVersion,omitempty"`
	Arch          string `json:"arch,omitempty"`
	KernelVersion string `json:"kernelVersion,omitempty"`
	CPUModel      string `json:"cpuModel,omitempty"`
	CPUCores      *int   `json:"cpuCores,omitempty"`
}

func (h *AgentHello) valid() bool {
	return h.MachineID > 0 && h.Key != "" && (h.CPUCores == nil || *h.CPUCores >= 0)
}

func (h *AgentHello) meta() models.HostMeta {
	return models.HostMeta{
		Hostname:      h.Hostname,
		OSName:        h.OSName,
		OSVersion:     h.OSVersion,
		Arch:          h.Arch,
		KernelVersion: h.KernelVersion,
		CPUModel:      h.CPUModel,
		CPUCores:      h.CPUCores,
	}
}

type CPUStat struct {
	Usage float64 `json:"usage"`
}

type UsageStat struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
}

type NetStat struct {
	RxBytes uint64 `json:"rxBytes"`
	TxBytes uint64 `json:"txBytes"`
}

type ConnStat struct {
	TCP int `json:"tcp"`
	UDP int `json:"udp"`
}

type LoadStat struct {
	L1  float64 `json:"l1"`
	L5  float64 `json:"l5"`
	L15 float64 `json:"l15"`
}

// Metrics is one agent telemetry report. At is unix milliseconds.
type Metrics struct {
	Type string     `json:"type"`
	At   *int64     `json:"at,omitempty"`
	CPU  *CPUStat   `json:"cpu"`
	Mem  *UsageStat `json:"mem"`
	Disk *UsageStat `json:"disk"`
	Net  *NetStat   `json:"net,omitempty"`
	Conn *ConnStat  `json:"conn,omitempty"`
	Load *LoadStat  `json:"load,omitempty"`
}

func (m *Metrics) valid() bool {
	switch {
	case m.CPU == nil || m.Mem == nil || m.Disk == nil:
		return false
	case m.CPU.Usage < 0 || m.CPU.Usage > 1:
		return false
	case m.Mem.Total == 0 || m.Disk.Total == 0:
		return false
	case m.Conn != nil && (m.Conn.TCP < 0 || m.Conn.UDP < 0):
		return false
	case m.Load != nil && (m.Load.L1 < 0 || m.Load.L5 < 0 || m.Load.L15 < 0):
		return false
	}
	return true
}

func (m *Metrics) sample(machineID uint, at time.Time) *models.MetricSample {
	s := &models.MetricSample{
		MachineID: machineID,
		At:        at.UTC(),
		CPUUsage:  m.CPU.Usage,
		MemUsed:   m.Mem.Used,
		MemTotal:  m.Mem.Total,
		DiskUsed:  m.Disk.Used,
		DiskTotal: m.Disk.Total,
	}
	if m.Net != nil {
		rx, tx := m.Net.RxBytes, m.Net.TxBytes
		s.RxBytes, s.TxBytes = &rx, &tx
	}
	if m.Conn != nil {
		tcp, udp := m.Conn.TCP, m.Conn.UDP
		s.TCPConns, s.UDPConns = &tcp, &udp
	}
	if m.Load != nil {
		l1, l5, l15 := m.Load.L1, m.Load.L5, m.Load.L15
		s.Load1, s.Load5, s.Load15 = &l1, &l5, &l15
	}
	return s
}

// HelloOK acknowledges an agent hello.
type HelloOK struct {
	Type        string `json:"type"`
	MachineID   uint   `json:"machineId"`
	IntervalSec int    `json:"intervalSec"`
}

// ErrorFrame reports a rejected frame. The socket stays open.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ViewerHello greets a viewer socket.
type ViewerHello struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// Subscribe replaces a viewer's filter. A null or missing machineIds means
// every machine; an empty array means none.
type Subscribe struct {
	Type       string          `json:"type"`
	MachineIDs json.RawMessage `json:"machineIds"`
}

// Subscribed acknowledges a subscribe. MachineIDs is nil for "all".
type Subscribed struct {
	Type       string `json:"type"`
	MachineIDs []uint `json:"machineIds"`
}

// MachineStatus announces an online/offline change.
type MachineStatus struct {
	Type       string `json:"type"`
	MachineID  uint   `json:"machineId"`
	Online     bool   `json:"online"`
	LastSeenAt *int64 `json:"lastSeenAt"`
}

// MetricView is the sample as pushed to viewers.
type MetricView struct {
	At   int64     `json:"at"`
	CPU  CPUStat   `json:"cpu"`
	Mem  UsageStat `json:"mem"`
	Disk UsageStat `json:"disk"`
	Net  *NetStat  `json:"net,omitempty"`
	Conn *ConnStat `json:"conn,omitempty"`
	Load *LoadStat `json:"load,omitempty"`
}

// MonthTraffic is the billing period usage attached to a metrics event.
// Times are unix milliseconds.
type MonthTraffic struct {
	Month   string `json:"month"`
	StartAt int64  `json:"startAt"`
	EndAt   int64  `json:"endAt"`
	RxBytes uint64 `json:"rxBytes"`
	TxBytes uint64 `json:"txBytes"`
}

// MetricsEvent is the viewer-facing telemetry event.
type MetricsEvent struct {
	Type         string        `json:"type"`
	MachineID    uint          `json:"machineId"`
	Metric       MetricView    `json:"metric"`
	MonthTraffic *MonthTraffic `json:"monthTraffic,omitempty"`
}

func metricsEvent(id uint, at time.Time, m *Metrics, snap *traffic.Snapshot) MetricsEvent {
	ev := MetricsEvent{
		Type:      TypeMetrics,
		MachineID: id,
		Metric: MetricView{
			At:   at.UnixMilli(),
			CPU:  *m.CPU,
			Mem:  *m.Mem,
			Disk: *m.Disk,
			Net:  m.Net,
			Conn: m.Conn,
			Load: m.Load,
		},
	}
	if snap != nil {
		ev.MonthTraffic = &MonthTraffic{
			Month:   snap.PeriodKey,
			StartAt: snap.StartAt.UnixMilli(),
			EndAt:   snap.EndAt.UnixMilli(),
			RxBytes: snap.UsageRxBytes,
			TxBytes: snap.UsageTxBytes,
		}
	}
	return ev
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
