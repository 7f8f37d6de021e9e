package config

import "time"

// InstancerConfig holds runtime configuration for the instancer service.
type InstancerConfig struct {
	Environment      string
	LogLevel         string
	Addr             string
	DatabaseURL      string
	MigrationsDir    string
	JWTSecret        string
	SessionTTL       time.Duration
	TemplateCatalog  string
	DockerHost       string
	PublicHost       string
	MaxInstances     int
	WarnThreshold    int
	InstanceTTL      time.Duration
	ReapInterval     time.Duration
	ProvisionTimeout time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AdminUsername    string
	AdminPassword    string
	AdminEmail       string
}

// LoadInstancerConfig constructs an InstancerConfig from environment variables.
func LoadInstancerConfig() InstancerConfig {
	return InstancerConfig{
		Environment:      GetString("APP_ENV", "development"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		Addr:             GetString("INSTANCER_ADDR", ":5000"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://instancer:instancer@db:5432/instancer?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:        GetString("JWT_SECRET", "supersecuresecret"),
		SessionTTL:       time.Duration(GetInt("SESSION_TTL_MIN", 120)) * time.Minute,
		TemplateCatalog:  GetString("TEMPLATE_CATALOG", "./templates.json"),
		DockerHost:       GetString("DOCKER_HOST_OVERRIDE", ""),
		PublicHost:       GetString("PUBLIC_HOST", "localhost"),
		MaxInstances:     GetInt("MAX_INSTANCES", 50),
		WarnThreshold:    GetInt("CAPACITY_WARN_THRESHOLD", 45),
		InstanceTTL:      GetDuration("INSTANCE_TTL_SECONDS", 15*time.Minute),
		ReapInterval:     GetDuration("REAP_INTERVAL_SECONDS", 30*time.Second),
		ProvisionTimeout: GetDuration("PROVISION_TIMEOUT_SECONDS", 30*time.Second),
		RedisAddr:        GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RedisPassword:    GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RedisDB:          GetInt("RATE_LIMIT_REDIS_DB", 0),
		AdminUsername:    GetString("BOOTSTRAP_ADMIN_USERNAME", ""),
		AdminPassword:    GetString("BOOTSTRAP_ADMIN_PASSWORD", ""),
		AdminEmail:       GetString("BOOTSTRAP_ADMIN_EMAIL", ""),
	}
}
