package config

import "time"

// ServerConfig holds runtime configuration for the racer API server.
type ServerConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	WorkspaceRoot      string
	PortRangeStart     int
	PortRangeEnd       int
	StopGracePeriod    time.Duration
	HealthProbePath    string
	HealthProbeTimeout time.Duration
	DefaultAppPort     int
	LogTailDefault     int
	LogBufferLines     int
	SwarmAdvertiseAddr string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("RACER_ADDR", ":8001"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://racer:racer@db:5432/racer?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./migrations"),
		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		WorkspaceRoot:      GetString("RACER_WORKSPACE_ROOT", "/tmp/racer-workspaces"),
		PortRangeStart:     GetInt("RACER_PORT_RANGE_START", 8000),
		PortRangeEnd:       GetInt("RACER_PORT_RANGE_END", 9000),
		StopGracePeriod:    time.Duration(GetInt("RACER_STOP_GRACE_SECONDS", 10)) * time.Second,
		HealthProbePath:    GetString("RACER_HEALTH_PROBE_PATH", "/health"),
		HealthProbeTimeout: time.Duration(GetInt("RACER_HEALTH_PROBE_TIMEOUT_SECONDS", 2)) * time.Second,
		DefaultAppPort:     GetInt("RACER_DEFAULT_APP_PORT", 8000),
		LogTailDefault:     GetInt("RACER_LOG_TAIL_DEFAULT", 100),
		LogBufferLines:     GetInt("RACER_LOG_BUFFER_LINES", 500),
		SwarmAdvertiseAddr: GetString("RACER_SWARM_ADVERTISE_ADDR", "127.0.0.1"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
