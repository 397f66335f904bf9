package config

import (
	"encoding/json"
	"os"

	"github.com/dvasilenko/authguard/internal/flagx"
	"github.com/dvasilenko/authguard/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "15m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN string `json:"database_dsn"`
	RedisAddr   string `json:"redis_addr"`
	SecretKey   string `json:"secret_key"`

	AccessTokenValidityDuration  timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration timex.Duration `json:"refresh_token_validity_duration"`
	PreAuthTokenValidityDuration timex.Duration `json:"preauth_token_validity_duration"`
	RotationGraceDuration        timex.Duration `json:"rotation_grace_duration"`

	MaxConcurrentSessions int `json:"max_concurrent_sessions"`

	LoginRateLimit  int64          `json:"login_rate_limit"`
	LoginRateWindow timex.Duration `json:"login_rate_window"`
	LoginFailLimit  int64          `json:"login_fail_limit"`
	LoginFailWindow timex.Duration `json:"login_fail_window"`
	LockoutBase     timex.Duration `json:"lockout_base"`
	LockoutMax      timex.Duration `json:"lockout_max"`

	BruteForceThreshold       int64          `json:"brute_force_threshold"`
	BruteForceWindow          timex.Duration `json:"brute_force_window"`
	StuffingDistinctThreshold int            `json:"stuffing_distinct_threshold"`
	StuffingMaxSuccessRate    float64        `json:"stuffing_max_success_rate"`
	GeoMaxSpeedKMH            float64        `json:"geo_max_speed_kmh"`

	BreakerMaxFailures      int            `json:"breaker_max_failures"`
	BreakerCooldown         timex.Duration `json:"breaker_cooldown"`
	BreakerSuccessesToClose int            `json:"breaker_successes_to_close"`
	BreakerCallTimeout      timex.Duration `json:"breaker_call_timeout"`

	EventBufferSize  int            `json:"event_buffer_size"`
	ArchiveInterval  timex.Duration `json:"archive_interval"`
	ArchiveBatchSize int            `json:"archive_batch_size"`

	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; when
// neither is set, no JSON file is loaded. If the file cannot be read or
// contains invalid JSON, the function panics: a half-applied configuration
// is worse than a refused start.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.DatabaseDSN = c.DatabaseDSN
	config.RedisAddr = c.RedisAddr
	config.SecretKey = c.SecretKey
	config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	config.RefreshTokenValidityDuration = c.RefreshTokenValidityDuration.Duration
	config.PreAuthTokenValidityDuration = c.PreAuthTokenValidityDuration.Duration
	config.RotationGraceDuration = c.RotationGraceDuration.Duration
	config.MaxConcurrentSessions = c.MaxConcurrentSessions
	config.LoginRateLimit = c.LoginRateLimit
	config.LoginRateWindow = c.LoginRateWindow.Duration
	config.LoginFailLimit = c.LoginFailLimit
	config.LoginFailWindow = c.LoginFailWindow.Duration
	config.LockoutBase = c.LockoutBase.Duration
	config.LockoutMax = c.LockoutMax.Duration
	config.BruteForceThreshold = c.BruteForceThreshold
	config.BruteForceWindow = c.BruteForceWindow.Duration
	config.StuffingDistinctThreshold = c.StuffingDistinctThreshold
	config.StuffingMaxSuccessRate = c.StuffingMaxSuccessRate
	config.GeoMaxSpeedKMH = c.GeoMaxSpeedKMH
	config.BreakerMaxFailures = c.BreakerMaxFailures
	config.BreakerCooldown = c.BreakerCooldown.Duration
	config.BreakerSuccessesToClose = c.BreakerSuccessesToClose
	config.BreakerCallTimeout = c.BreakerCallTimeout.Duration
	config.EventBufferSize = c.EventBufferSize
	config.ArchiveInterval = c.ArchiveInterval.Duration
	config.ArchiveBatchSize = c.ArchiveBatchSize
	config.S3RootUser = c.S3RootUser
	config.S3RootPassword = c.S3RootPassword
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
}
