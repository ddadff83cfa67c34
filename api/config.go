package api

import (
	"crypto/ed25519"
	"time"
)

type ServerConfig struct {
	// ID 服務實例的識別字串，作為consumer group內的consumer名稱
	ID string

	Auth   AuthConfig
	DB     DBConfig
	Redis  RedisConfig
	Engine EngineConfig
}

type AuthConfig struct {
	// PublicKey 用於驗證身份服務簽發的access token
	PublicKey ed25519.PublicKey
	Issuer    string
	Audience  string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	StreamKeys    RedisStreamKeys
	ConsumerGroup string
	LockExpiry    time.Duration
}

type RedisStreamKeys struct {
	Notification string
}

type EngineConfig struct {
	// LockWait 取得商品鎖的等待上限
	LockWait time.Duration
	// SweepInterval 結算掃描的執行間隔
	SweepInterval time.Duration
	// ExtendThresholdMinutes / ExtendByMinutes 部署預設的自動延長設定
	ExtendThresholdMinutes int64
	ExtendByMinutes        int64
}
