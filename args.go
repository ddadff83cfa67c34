package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gavel/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("server-id", "gavel-0", "")

	// auth config
	pflag.String("auth-public-key", "", "base64-encoded ed25519 public key")
	pflag.String("auth-issuer", "", "")
	pflag.String("auth-audience", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "gavel:", "")
	pflag.String("redis-stream-key-for-notification", "gavel-shared-notification-stream", "")
	pflag.String("redis-consumer-group", "gavel-notification-dispatch", "")
	pflag.Duration("redis-lock-expiry", 8*time.Second, "")

	// engine config
	pflag.Duration("engine-lock-wait", 5*time.Second, "")
	pflag.Duration("engine-sweep-interval", 30*time.Second, "")
	pflag.Int64("engine-extend-threshold-minutes", 5, "")
	pflag.Int64("engine-extend-by-minutes", 5, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GAVEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	publicKey, err := base64.StdEncoding.DecodeString(viper.GetString("auth-public-key"))
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		publicKey = nil
	}
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("server-id"),
			Auth: api.AuthConfig{
				PublicKey: ed25519.PublicKey(publicKey),
				Issuer:    viper.GetString("auth-issuer"),
				Audience:  viper.GetString("auth-audience"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				StreamKeys: api.RedisStreamKeys{
					Notification: viper.GetString("redis-stream-key-for-notification"),
				},
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				LockExpiry:    viper.GetDuration("redis-lock-expiry"),
			},
			Engine: api.EngineConfig{
				LockWait:               viper.GetDuration("engine-lock-wait"),
				SweepInterval:          viper.GetDuration("engine-sweep-interval"),
				ExtendThresholdMinutes: viper.GetInt64("engine-extend-threshold-minutes"),
				ExtendByMinutes:        viper.GetInt64("engine-extend-by-minutes"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" && args.ServerConfig.Auth.PublicKey != nil && args.ServerConfig.DB.Host != "" && args.ServerConfig.Redis.Addr != ""
}
