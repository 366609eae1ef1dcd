package models

// NotificationState tracks alert dedup per machine. Timestamps are unix
// milliseconds, 0 = never.
type NotificationState struct {
	MachineID         uint   `gorm:"primaryKey;autoIncrement:false" json:"machineId"`
	LastOnline        bool   `json:"lastOnline"`
	OfflineNotifiedAt int64  `json:"offlineNotifiedAt"`
	OnlineNotifiedAt  int64  `json:"onlineNotifiedAt"`
	ExpiryWarnDate    string `gorm:"size:10" json:"expiryWarnDate"` // YYYY-MM-DD (UTC) or ""
	ExpiredNotifiedAt int64  `json:"expiredNotifiedAt"`
}

// Setting is an operator-stored override consulted by config.Resolver.
type Setting struct {
	Key   string `gorm:"primaryKey;size:64" json:"key"`
	Value string `json:"value"`
}
