package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8082", cfg.Server.Port)
	assert.Equal(t, 100, cfg.Evidence.MinTrades)
	assert.Equal(t, 1.15, cfg.Evidence.MinProfitFactor)
	assert.Equal(t, 3, cfg.Governance.MaxApplyAttempts)
	assert.Empty(t, cfg.Governance.JobSecret)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, []string{"localhost:19092"}, cfg.Kafka.Brokers)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("GOVERNANCE_STRATEGIES", " momentum_v2, ,mean_revert ")
	t.Setenv("GATE_MIN_TRADES", "150")
	t.Setenv("BAND_ROBUST_MIN_PASS_RATE", "0.65")
	t.Setenv("PROTECTION_RECONCILE_INTERVAL", "15s")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	assert.Equal(t, []string{"momentum_v2", "mean_revert"}, cfg.Governance.Strategies)
	assert.Equal(t, 150, cfg.Evidence.MinTrades)
	assert.Equal(t, 0.65, cfg.Evidence.BandRobustMinPassRate)
	assert.Equal(t, 15*time.Second, cfg.Protection.ReconcileInterval)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable", d.ConnectionString())

	r := RedisConfig{Host: "cache", Port: "6380"}
	assert.Equal(t, "cache:6380", r.Address())
}
