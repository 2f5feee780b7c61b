package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

type ServerConfig struct {
	HTTPAddr          string
	GRPCAddr          string
	Env               string
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr         string
	PoolSize     int
	StreamKey    string
	StreamMaxLen int64
}

type DeliveryConfig struct {
	Workers   int
	QueueSize int
}

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

type LogConfig struct {
	Level string
}

type Config struct {
	ServiceName string
	StoreDriver string
	Server      ServerConfig
	MySQL       MySQLConfig
	Redis       RedisConfig
	Delivery    DeliveryConfig
	Relay       RelayConfig
	Backoff     BackoffConfig
	Log         LogConfig
}

// Load reads the configuration from the environment, after loading a .env
// file when one exists.
func Load(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: serviceName,
		StoreDriver: getEnv("STORE_DRIVER", StoreMySQL),
		Server: ServerConfig{
			HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:          getEnv("GRPC_ADDR", ":50051"),
			Env:               getEnv("APP_ENV", "development"),
			HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			ShutdownTimeout:   getEnvAsDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		MySQL: MySQLConfig{
			DSN:             getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/inventory?parseTime=true"),
			MaxOpenConns:    getEnvAsInt("MYSQL_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvAsInt("MYSQL_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getEnvAsDuration("MYSQL_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 100),
			StreamKey:    getEnv("CHANGE_STREAM", "inventory:changes"),
			StreamMaxLen: int64(getEnvAsInt("CHANGE_STREAM_MAXLEN", 100000)),
		},
		Delivery: DeliveryConfig{
			Workers:   getEnvAsInt("DELIVERY_WORKERS", 10),
			QueueSize: getEnvAsInt("DELIVERY_QUEUE_SIZE", 10000),
		},
		Relay: RelayConfig{
			Interval:  getEnvAsDuration("RELAY_INTERVAL", 100*time.Millisecond),
			BatchSize: getEnvAsInt("RELAY_BATCH_SIZE", 500),
		},
		Backoff: BackoffConfig{
			Initial: getEnvAsDuration("BACKOFF_INITIAL", 500*time.Millisecond),
			Max:     getEnvAsDuration("BACKOFF_MAX", 30*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StoreDriver != StoreMySQL && c.StoreDriver != StoreMemory {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMySQL, StoreMemory, c.StoreDriver)
	}
	if c.Delivery.Workers <= 0 || c.Delivery.QueueSize <= 0 {
		return fmt.Errorf("DELIVERY_WORKERS and DELIVERY_QUEUE_SIZE must be positive")
	}
	if c.Relay.BatchSize <= 0 || c.Relay.Interval <= 0 {
		return fmt.Errorf("RELAY_BATCH_SIZE and RELAY_INTERVAL must be positive")
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("BACKOFF_MAX must be at least BACKOFF_INITIAL")
	}
	return nil
}

// LogFields describes the configuration without secrets.
func (c *Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("store_driver", c.StoreDriver),
		zap.String("http_addr", c.Server.HTTPAddr),
		zap.String("grpc_addr", c.Server.GRPCAddr),
		zap.String("redis_addr", c.Redis.Addr),
		zap.String("change_stream", c.Redis.StreamKey),
		zap.Int("delivery_workers", c.Delivery.Workers),
		zap.Int("delivery_queue_size", c.Delivery.QueueSize),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
