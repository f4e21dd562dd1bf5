package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DB_"`
	Minio     MinioConfig     `yaml:"minio" envPrefix:"MINIO_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Inference InferenceConfig `yaml:"inference" envPrefix:"INFERENCE_"`
	History   HistoryConfig   `yaml:"history" envPrefix:"HISTORY_"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"corsOrigins" env:"CORS_ORIGINS" envSeparator:","`
	RateLimitRPS    float64       `yaml:"rateLimitRps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rateLimitBurst" env:"RATE_LIMIT_BURST"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes" env:"MAX_UPLOAD_BYTES"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver" env:"DRIVER"`
	DSN         string `yaml:"dsn" env:"DSN"`
	Host        string `yaml:"host" env:"HOST"`
	Port        int    `yaml:"port" env:"PORT"`
	User        string `yaml:"user" env:"USER"`
	Password    string `yaml:"password" env:"PASSWORD"`
	Name        string `yaml:"name" env:"NAME"`
	SSLMode     string `yaml:"sslMode" env:"SSL_MODE"`
	AutoMigrate bool   `yaml:"autoMigrate" env:"AUTO_MIGRATE"`

	GlaucomaTable string `yaml:"glaucomaTable" env:"GLAUCOMA_TABLE"`
	DRTable       string `yaml:"drTable" env:"DR_TABLE"`
}

type MinioConfig struct {
	Endpoint      string        `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey     string        `yaml:"accessKey" env:"ACCESS_KEY"`
	SecretKey     string        `yaml:"secretKey" env:"SECRET_KEY"`
	BucketName    string        `yaml:"bucketName" env:"BUCKET"`
	Region        string        `yaml:"region" env:"REGION"`
	UseSSL        bool          `yaml:"useSSL" env:"USE_SSL"`
	PublicBaseURL string        `yaml:"publicBaseURL" env:"PUBLIC_BASE_URL"`
	PresignTTL    time.Duration `yaml:"presignTTL" env:"PRESIGN_TTL"`
}

// Enabled reports whether uploads to object storage are configured.
func (m MinioConfig) Enabled() bool { return m.Endpoint != "" }

type RedisConfig struct {
	// URL empty means the in-memory sign-in limiter.
	URL string `yaml:"url" env:"URL"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwtSecret" env:"JWT_SECRET"`
	TokenTTL           time.Duration `yaml:"tokenTTL" env:"TOKEN_TTL"`
	BcryptCost         int           `yaml:"bcryptCost" env:"BCRYPT_COST"`
	MaxSignInAttempts  int           `yaml:"maxSignInAttempts" env:"MAX_SIGNIN_ATTEMPTS"`
	AttemptWindow      time.Duration `yaml:"attemptWindow" env:"ATTEMPT_WINDOW"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout" env:"SESSION_IDLE_TIMEOUT"`
	RoleTimeout        time.Duration `yaml:"roleTimeout" env:"ROLE_TIMEOUT"`
}

type InferenceConfig struct {
	BaseURL     string        `yaml:"baseURL" env:"BASE_URL"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	ProbeHealth bool          `yaml:"probeHealth" env:"PROBE_HEALTH"`
	Hint        string        `yaml:"hint" env:"HINT"`
}

type HistoryConfig struct {
	FetchTimeout time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
}

// Load baca .env, config.yaml, lalu override dari environment.
//
// A missing file at the default path is fine; a missing explicit path is not.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setInt(&c.Server.Port, 8080)
	setDur(&c.Server.ReadTimeout, 15*time.Second)
	// analysis calls can take a while
	setDur(&c.Server.WriteTimeout, 90*time.Second)
	setDur(&c.Server.ShutdownTimeout, 10*time.Second)
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 10
	}
	setInt(&c.Server.RateLimitBurst, 20)
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 10 << 20
	}

	setStr(&c.Log.Level, "info")

	setStr(&c.Database.Driver, "mysql")
	setStr(&c.Database.GlaucomaTable, "glaucoma_results")
	setStr(&c.Database.DRTable, "dr_results")
	switch strings.ToLower(c.Database.Driver) {
	case "mysql":
		setStr(&c.Database.Host, "127.0.0.1")
		setInt(&c.Database.Port, 3306)
	case "postgres", "postgresql":
		setStr(&c.Database.Host, "127.0.0.1")
		setInt(&c.Database.Port, 5432)
		setStr(&c.Database.SSLMode, "disable")
	case "sqlite", "sqlite3":
		setStr(&c.Database.Name, "diagnovision.db")
	}

	setStr(&c.Minio.BucketName, "diagnovision")
	setStr(&c.Minio.Region, "us-east-1")

	setDur(&c.Auth.TokenTTL, 24*time.Hour)
	setInt(&c.Auth.MaxSignInAttempts, 5)
	setDur(&c.Auth.AttemptWindow, 15*time.Minute)
	setDur(&c.Auth.SessionIdleTimeout, 2*time.Hour)
	setDur(&c.Auth.RoleTimeout, 5*time.Second)

	setStr(&c.Inference.BaseURL, "http://127.0.0.1:8000")
	setDur(&c.Inference.Timeout, 60*time.Second)

	setDur(&c.History.FetchTimeout, 10*time.Second)
}

// Validate checks what cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwtSecret must be at least 16 characters"))
	}
	if c.Auth.BcryptCost != 0 && (c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31) {
		errs = append(errs, fmt.Errorf("auth.bcryptCost %d out of range", c.Auth.BcryptCost))
	}
	if _, err := url.ParseRequestURI(c.Inference.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("inference.baseURL: %w", err))
	}
	switch strings.ToLower(c.Database.Driver) {
	case "mysql", "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q not supported", c.Database.Driver))
	}
	return errors.Join(errs...)
}

// DSN returns database.dsn when set, otherwise builds one for the driver.
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql":
		return c.PostgresDSN()
	case "sqlite", "sqlite3":
		return c.Database.Name
	default:
		return c.MySQLDSN()
	}
}

// Helper untuk build DSN MySQL. multiStatements is needed by the migrations.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC&multiStatements=true",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.Name,
		RawQuery: url.Values{"sslmode": {c.Database.SSLMode}}.Encode(),
	}
	return u.String()
}

func setStr(p *string, v string) {
	if strings.TrimSpace(*p) == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setDur(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}
