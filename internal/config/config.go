package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Database
	DBDriver    string `yaml:"db_driver"`
	DBHost      string `yaml:"db_host"`
	DBPort      string `yaml:"db_port"`
	DBUser      string `yaml:"db_user"`
	DBPassword  string `yaml:"db_password"`
	DBName      string `yaml:"db_name"`
	DBSSLMode   string `yaml:"db_sslmode"`
	DatabaseURL string `yaml:"database_url"` // full DSN, wins over the individual fields

	// Upstream listings API
	CMCServer   string        `yaml:"cmc_server"`
	Convert     []string      `yaml:"convert"`
	PageSize    int           `yaml:"page_size"`
	Cooldown    time.Duration `yaml:"cooldown"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Proxies
	UseProxy     bool   `yaml:"use_proxy"`
	ProxyListURL string `yaml:"proxy_list_url"`
	proxySet     bool

	BackfillStepDays int `yaml:"backfill_step_days"`

	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Load reads the configuration from CONFIG_FILE (when set) and then lets
// environment variables override it. Keys absent from both fall back to the
// hard-coded defaults.
func Load() (*Config, error) {
	file := &Config{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		file = f
	}

	cfg := &Config{
		DBDriver:    normalizeDriver(getEnv("DB_DRIVER", or(file.DBDriver, DriverMySQL))),
		DBHost:      getEnv("DB_HOST", or(file.DBHost, "localhost")),
		DBUser:      getEnv("DB_USER", or(file.DBUser, "admin")),
		DBPassword:  getEnv("DB_PASSWORD", or(file.DBPassword, "admin")),
		DBName:      getEnv("DB_NAME", or(file.DBName, "cmc_data")),
		DBSSLMode:   getEnv("DB_SSLMODE", or(file.DBSSLMode, "disable")),
		DatabaseURL: getEnv("DATABASE_URL", file.DatabaseURL),

		CMCServer: getEnv("CMC_SERVER", or(file.CMCServer, "https://web-api.coinmarketcap.com")),

		ProxyListURL: getEnv("PROXY_LIST_URL", or(file.ProxyListURL, "https://www.sslproxies.org")),

		Port:        getEnv("PORT", or(file.Port, "8080")),
		Environment: getEnv("ENVIRONMENT", or(file.Environment, "development")),
		LogLevel:    getEnv("LOG_LEVEL", or(file.LogLevel, "info")),
	}

	defaultPort := "3306"
	if cfg.DBDriver == DriverPostgres {
		defaultPort = "5432"
	}
	cfg.DBPort = getEnv("DB_PORT", or(file.DBPort, defaultPort))

	convert := "USD,BTC"
	if len(file.Convert) > 0 {
		convert = strings.Join(file.Convert, ",")
	}
	cfg.Convert = splitList(getEnv("CMC_CONVERT", convert))

	var err error
	if cfg.PageSize, err = getEnvInt("CMC_PAGE_SIZE", orInt(file.PageSize, 5000)); err != nil {
		return nil, err
	}
	if cfg.Cooldown, err = getEnvDuration("CMC_COOLDOWN", orDuration(file.Cooldown, 2*time.Second)); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getEnvDuration("HTTP_TIMEOUT", orDuration(file.HTTPTimeout, 30*time.Second)); err != nil {
		return nil, err
	}
	if cfg.BackfillStepDays, err = getEnvInt("BACKFILL_STEP_DAYS", orInt(file.BackfillStepDays, 7)); err != nil {
		return nil, err
	}

	useProxy := "true"
	if file.proxySet && !file.UseProxy {
		useProxy = "false"
	}
	cfg.UseProxy = getEnv("USE_PROXY", useProxy) == "true"

	return cfg, cfg.Validate()
}

// LoadFile parses a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// use_proxy defaults to true, so a missing key must not read as false.
	var flags struct {
		UseProxy *bool `yaml:"use_proxy"`
	}
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.proxySet = flags.UseProxy != nil
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBDriver != DriverMySQL && c.DBDriver != DriverPostgres {
		return fmt.Errorf("unsupported DB_DRIVER %q (want mysql or postgres)", c.DBDriver)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page size must be at least 1")
	}
	if c.BackfillStepDays < 1 {
		return fmt.Errorf("backfill step must be at least 1 day")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	return nil
}

// DSN builds the driver-specific connection string. DatabaseURL is returned
// untouched when present.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.dsnFor(c.DBName)
}

// ServerDSN points at the database server without selecting the application
// database, which may not exist yet.
func (c *Config) ServerDSN() string {
	if c.DBDriver == DriverPostgres {
		return c.dsnFor("postgres")
	}
	return c.dsnFor("")
}

func (c *Config) dsnFor(name string) string {
	if c.DBDriver == DriverPostgres {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			c.DBHost, c.DBPort, c.DBUser, c.DBPassword, name, c.DBSSLMode)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, name)
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return DriverPostgres
	case "mysql", "mariadb":
		return DriverMySQL
	}
	return driver
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func orDuration(value, fallback time.Duration) time.Duration {
	if value != 0 {
		return value
	}
	return fallback
}
