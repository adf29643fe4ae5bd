package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
    App        AppConfig        `mapstructure:"app"`
    Database   DatabaseConfig   `mapstructure:"database"`
    Redis      RedisConfig      `mapstructure:"redis"`
    Orange     OrangeConfig     `mapstructure:"orange"`
    Asterisk   AsteriskConfig   `mapstructure:"asterisk"`
    Session    SessionConfig    `mapstructure:"session"`
    Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig holds application-level configuration
type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
    Charset         string        `mapstructure:"charset"`
}

// RedisConfig holds Redis cache configuration
type RedisConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// OrangeConfig holds the client-facing listen socket configuration
type OrangeConfig struct {
    Port                 int           `mapstructure:"port"`
    SingleQuoteHandshake bool          `mapstructure:"single_quote_handshake"`
    HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
    ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

// AsteriskConfig holds AMI connection configuration
type AsteriskConfig struct {
    Host              string        `mapstructure:"host"`
    Port              int           `mapstructure:"port"`
    Username          string        `mapstructure:"username"`
    Secret            string        `mapstructure:"secret"`
    ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
    ActionTimeout     time.Duration `mapstructure:"action_timeout"`
    EventBufferSize   int           `mapstructure:"event_buffer_size"`
}

// SessionConfig holds session/worker scheduler configuration
type SessionConfig struct {
    WorkerCount      int `mapstructure:"worker_count"`
    WorkerQueueDepth int `mapstructure:"worker_queue_depth"`
}

// MonitoringConfig holds monitoring and observability configuration
type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
    Enabled bool   `mapstructure:"enabled"`
    Port    int    `mapstructure:"port"`
    Path    string `mapstructure:"path"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
    Enabled       bool   `mapstructure:"enabled"`
    Port          int    `mapstructure:"port"`
    LivenessPath  string `mapstructure:"liveness_path"`
    ReadinessPath string `mapstructure:"readiness_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
    Level  string                 `mapstructure:"level"`
    Format string                 `mapstructure:"format"`
    Output string                 `mapstructure:"output"`
    File   FileLogConfig          `mapstructure:"file"`
    Fields map[string]interface{} `mapstructure:"fields"`
}

// FileLogConfig holds file-based logging configuration
type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// Load loads configuration from file and environment
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/orange-cti")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("ORANGE")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

func setDefaults() {
    viper.SetDefault("app.name", "orange-cti")
    viper.SetDefault("app.version", "1.0.0")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "orange")
    viper.SetDefault("database.password", "orange")
    viper.SetDefault("database.database", "orange_cti")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")
    viper.SetDefault("database.charset", "utf8mb4")

    viper.SetDefault("redis.host", "localhost")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)
    viper.SetDefault("redis.dial_timeout", "5s")
    viper.SetDefault("redis.read_timeout", "3s")
    viper.SetDefault("redis.write_timeout", "3s")

    viper.SetDefault("orange.port", 18279)
    viper.SetDefault("orange.single_quote_handshake", false)
    viper.SetDefault("orange.heartbeat_interval", "20s")
    viper.SetDefault("orange.shutdown_timeout", "10s")

    viper.SetDefault("asterisk.host", "localhost")
    viper.SetDefault("asterisk.port", 5038)
    viper.SetDefault("asterisk.reconnect_interval", "15s")
    viper.SetDefault("asterisk.action_timeout", "10s")
    viper.SetDefault("asterisk.event_buffer_size", 1000)

    viper.SetDefault("session.worker_count", 0)
    viper.SetDefault("session.worker_queue_depth", 256)

    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.health.liveness_path", "/health/live")
    viper.SetDefault("monitoring.health.readiness_path", "/health/ready")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
    viper.SetDefault("monitoring.logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
    if c.Database.Host == "" {
        return fmt.Errorf("database host is required")
    }
    if c.Database.Port <= 0 || c.Database.Port > 65535 {
        return fmt.Errorf("invalid database port: %d", c.Database.Port)
    }
    if c.Database.Database == "" {
        return fmt.Errorf("database name is required")
    }

    if c.Orange.Port <= 0 || c.Orange.Port > 65535 {
        return fmt.Errorf("invalid orange port: %d", c.Orange.Port)
    }

    if c.Asterisk.Port <= 0 || c.Asterisk.Port > 65535 {
        return fmt.Errorf("invalid asterisk port: %d", c.Asterisk.Port)
    }

    if c.Monitoring.Metrics.Enabled {
        if c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535 {
            return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
        }
    }
    if c.Monitoring.Health.Enabled {
        if c.Monitoring.Health.Port <= 0 || c.Monitoring.Health.Port > 65535 {
            return fmt.Errorf("invalid health port: %d", c.Monitoring.Health.Port)
        }
    }

    if c.Session.WorkerCount < 0 {
        return fmt.Errorf("session worker count cannot be negative")
    }

    return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
    charset := c.Charset
    if charset == "" {
        charset = "utf8mb4"
    }

    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=Local",
        c.Username,
        c.Password,
        c.Host,
        c.Port,
        c.Database,
        charset,
    )
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetListenAddr returns the client-facing listen address
func (c *OrangeConfig) GetListenAddr() string {
    return fmt.Sprintf(":%d", c.Port)
}

// GetAMIAddr returns the AMI server address
func (c *AsteriskConfig) GetAMIAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}
