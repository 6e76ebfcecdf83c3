package domain

import (
	"time"
)

// AssetInfo records a denom the client has seen on chain
type AssetInfo struct {
	Denom       string    `gorm:"primaryKey" json:"denom"`
	Native      bool      `json:"native"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting keys persisted in AppConfig.
const (
	SettingRPCURL        = "rpc_url"
	SettingRESTURL       = "rest_url"
	SettingWalletAddress = "wallet_address"
)
