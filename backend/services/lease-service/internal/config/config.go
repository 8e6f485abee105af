package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	libconfig "socketlease/backend/libs/config"
	"socketlease/backend/services/lease-service/internal/models"
)

// Config defines lease service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"LEASE_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		// DSN is optional; without it leases are kept in memory.
		DSN     string `yaml:"dsn" env:"LEASE_POSTGRES_DSN"`
		Migrate bool   `yaml:"migrate" env:"LEASE_POSTGRES_MIGRATE"`
		// SeedAccounts are "holder:balance" entries loaded into the in-memory store.
		SeedAccounts []string `yaml:"seedAccounts" env:"LEASE_SEED_ACCOUNTS"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr" env:"LEASE_REDIS_ADDR"`
		Password string        `yaml:"password" env:"LEASE_REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"LEASE_REDIS_DB"`
		TTL      time.Duration `yaml:"ttl" env:"LEASE_REDIS_TTL"`
	} `yaml:"redis"`
	MQTT struct {
		Broker      string `yaml:"broker" env:"LEASE_MQTT_BROKER"`
		ClientID    string `yaml:"clientId" env:"LEASE_MQTT_CLIENT_ID"`
		TopicPrefix string `yaml:"topicPrefix" env:"LEASE_MQTT_TOPIC_PREFIX"`
	} `yaml:"mqtt"`
	GPIO struct {
		Chip      string `yaml:"chip" env:"LEASE_GPIO_CHIP"`
		ActiveLow bool   `yaml:"activeLow" env:"LEASE_GPIO_ACTIVE_LOW"`
	} `yaml:"gpio"`
	Lease struct {
		SecondsPerPoint     int  `yaml:"secondsPerPoint" env:"LEASE_SECONDS_PER_POINT"`
		StrictActuation     bool `yaml:"strictActuation" env:"LEASE_STRICT_ACTUATION"`
		DefaultHistoryLimit int  `yaml:"defaultHistoryLimit" env:"LEASE_DEFAULT_HISTORY_LIMIT"`
		DefaultListLimit    int  `yaml:"defaultListLimit" env:"LEASE_DEFAULT_LIST_LIMIT"`
		MaxPageSize         int  `yaml:"maxPageSize" env:"LEASE_MAX_PAGE_SIZE"`
		// Sockets can only come from the config file.
		Sockets []models.Socket `yaml:"sockets" env:"-"`
		// SocketSpecs are "number:pin:class" entries, e.g. "1:17:standard".
		SocketSpecs []string `yaml:"socketSpecs" env:"LEASE_SOCKETS"`
	} `yaml:"lease"`
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := defaults()

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = "8084"
	cfg.Redis.TTL = 24 * time.Hour
	cfg.MQTT.ClientID = "lease-service"
	cfg.Lease.SecondsPerPoint = 120
	cfg.Lease.DefaultHistoryLimit = 50
	cfg.Lease.DefaultListLimit = 100
	cfg.Lease.MaxPageSize = 500
	return cfg
}

func (c *Config) normalize() error {
	if c.Lease.SecondsPerPoint <= 0 {
		return errors.New("config: seconds per point must be positive")
	}
	if c.Lease.DefaultHistoryLimit <= 0 || c.Lease.DefaultListLimit <= 0 || c.Lease.MaxPageSize <= 0 {
		return errors.New("config: page sizes must be positive")
	}

	for _, spec := range c.Lease.SocketSpecs {
		socket, err := ParseSocketSpec(spec)
		if err != nil {
			return err
		}
		c.Lease.Sockets = append(c.Lease.Sockets, socket)
	}
	c.Lease.SocketSpecs = nil
	if len(c.Lease.Sockets) == 0 {
		return errors.New("config: at least one socket must be configured")
	}

	if _, err := c.Seeds(); err != nil {
		return err
	}

	numbers := make(map[int]bool, len(c.Lease.Sockets))
	pins := make(map[int]int, len(c.Lease.Sockets))
	for _, s := range c.Lease.Sockets {
		if s.Number <= 0 {
			return fmt.Errorf("config: socket number %d must be positive", s.Number)
		}
		if s.Pin < 0 {
			return fmt.Errorf("config: socket %d: pin %d must not be negative", s.Number, s.Pin)
		}
		if !s.Class.Valid() {
			return fmt.Errorf("config: socket %d: unknown class %q", s.Number, s.Class)
		}
		if numbers[s.Number] {
			return fmt.Errorf("config: socket %d declared twice", s.Number)
		}
		if other, ok := pins[s.Pin]; ok {
			return fmt.Errorf("config: pin %d shared by sockets %d and %d", s.Pin, other, s.Number)
		}
		numbers[s.Number] = true
		pins[s.Pin] = s.Number
	}
	return nil
}

// ParseSocketSpec parses "number:pin:class"; the class defaults to standard.
func ParseSocketSpec(spec string) (models.Socket, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return models.Socket{}, fmt.Errorf("config: socket spec %q: want number:pin[:class]", spec)
	}
	number, err := strconv.Atoi(parts[0])
	if err != nil {
		return models.Socket{}, fmt.Errorf("config: socket spec %q: number: %w", spec, err)
	}
	pin, err := strconv.Atoi(parts[1])
	if err != nil {
		return models.Socket{}, fmt.Errorf("config: socket spec %q: pin: %w", spec, err)
	}
	class := models.SocketClassStandard
	if len(parts) == 3 {
		class = models.SocketClass(strings.ToLower(parts[2]))
	}
	return models.Socket{Number: number, Pin: pin, Class: class}, nil
}

// Seed is an initial account for the in-memory store.
type Seed struct {
	HolderID string
	Balance  int
}

// Seeds parses Database.SeedAccounts.
func (c *Config) Seeds() ([]Seed, error) {
	seeds := make([]Seed, 0, len(c.Database.SeedAccounts))
	for _, entry := range c.Database.SeedAccounts {
		idx := strings.LastIndex(entry, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("config: seed account %q: want holder:balance", entry)
		}
		balance, err := strconv.Atoi(entry[idx+1:])
		if err != nil || balance < 0 {
			return nil, fmt.Errorf("config: seed account %q: invalid balance", entry)
		}
		seeds = append(seeds, Seed{HolderID: strings.TrimSpace(entry[:idx]), Balance: balance})
	}
	return seeds, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8084"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// SocketPins maps socket numbers to output pins.
func (c *Config) SocketPins() map[int]int {
	pins := make(map[int]int, len(c.Lease.Sockets))
	for _, s := range c.Lease.Sockets {
		pins[s.Number] = s.Pin
	}
	return pins
}
