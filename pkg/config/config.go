// Package config holds the settings of the pairchat client and server.
// Settings start from defaults, are optionally overlaid by a YAML file, and
// are finally overridden by command line flags.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/pairchat/pkg/logging"
)

var ErrInvalid = errors.New("invalid configuration")

type ClientSettings struct {
	ServerURL     string `yaml:"server-url"`
	UserID        string `yaml:"user-id"`
	FirstName     string `yaml:"first-name,omitempty"`
	LastName      string `yaml:"last-name,omitempty"`
	SessionToken  string `yaml:"session-token,omitempty"`
	Counterpart   string `yaml:"counterpart,omitempty"`
	SendQueueSize int    `yaml:"send-queue-size,omitempty"`

	TypingTimeout        time.Duration `yaml:"typing-timeout,omitempty"`
	ReconnectMinInterval time.Duration `yaml:"reconnect-min-interval,omitempty"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect-max-interval,omitempty"`
	HistoryRetryMax      int           `yaml:"history-retry-max,omitempty"`
	HistoryTimeout       time.Duration `yaml:"history-timeout,omitempty"`

	Log logging.Settings `yaml:"log,omitempty"`
}

func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		ServerURL:            "http://localhost:8080",
		SendQueueSize:        32,
		TypingTimeout:        5 * time.Second,
		ReconnectMinInterval: 250 * time.Millisecond,
		ReconnectMaxInterval: 10 * time.Second,
		HistoryRetryMax:      2,
		HistoryTimeout:       10 * time.Second,
		Log:                  logging.DefaultSettings(),
	}
}

// WebSocketURL is the /ws endpoint of ServerURL.
func (c ClientSettings) WebSocketURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil {
		return "", errors.Wrap(ErrInvalid, err.Error())
	}
	return u.JoinPath("ws").String(), nil
}

func (c ClientSettings) Validate() error {
	var problems []string
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	switch {
	case err != nil || u.Host == "":
		problems = append(problems, "server-url must be an absolute url")
	case u.Scheme != "http" && u.Scheme != "https":
		problems = append(problems, "server-url scheme must be http or https")
	}
	if strings.TrimSpace(c.UserID) == "" {
		problems = append(problems, "user-id is required")
	}
	if c.SendQueueSize < 0 {
		problems = append(problems, "send-queue-size must not be negative")
	}
	if c.TypingTimeout < 0 {
		problems = append(problems, "typing-timeout must not be negative")
	}
	if c.ReconnectMinInterval < 0 || c.ReconnectMaxInterval < c.ReconnectMinInterval {
		problems = append(problems, "reconnect intervals must satisfy 0 <= min <= max")
	}
	if c.HistoryTimeout < 0 {
		problems = append(problems, "history-timeout must not be negative")
	}
	if c.HistoryRetryMax < 0 {
		problems = append(problems, "history-retry-max must not be negative")
	}
	return joinProblems(problems)
}

// Store backends of the server.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type RedisSettings struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	StreamPrefix string `yaml:"stream-prefix,omitempty"`
}

type ServerSettings struct {
	Addr         string `yaml:"addr"`
	Store        string `yaml:"store"`
	DBFile       string `yaml:"db-file,omitempty"`
	DSN          string `yaml:"dsn,omitempty"`
	MemoryCap    int    `yaml:"memory-cap,omitempty"`
	HistoryLimit int    `yaml:"history-limit,omitempty"`
	NodeID       string `yaml:"node-id,omitempty"`

	// InsecureDevIdentity trusts the X-User-Id header or token cookie as the
	// user id. There is no other identity provider yet.
	InsecureDevIdentity bool `yaml:"insecure-dev-identity,omitempty"`

	Redis RedisSettings `yaml:"redis,omitempty"`

	MemberWriteTimeout time.Duration `yaml:"member-write-timeout,omitempty"`
	IdleRoomTimeout    time.Duration `yaml:"idle-room-timeout,omitempty"`

	Log logging.Settings `yaml:"log,omitempty"`
}

func DefaultServerSettings() ServerSettings {
	return ServerSettings{
		Addr:               ":8080",
		Store:              StoreMemory,
		MemoryCap:          1000,
		HistoryLimit:       500,
		Redis:              RedisSettings{Addr: "localhost:6379", StreamPrefix: "pairchat"},
		MemberWriteTimeout: 10 * time.Second,
		IdleRoomTimeout:    time.Minute,
		Log:                logging.DefaultSettings(),
	}
}

func (s ServerSettings) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Addr) == "" {
		problems = append(problems, "addr is required")
	}
	switch s.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(s.DBFile) == "" && strings.TrimSpace(s.DSN) == "" {
			problems = append(problems, "sqlite store needs db-file or dsn")
		}
	case StoreRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			problems = append(problems, "redis store needs redis.addr")
		}
	default:
		problems = append(problems, "store must be one of memory, sqlite, redis")
	}
	if s.Redis.Enabled && strings.TrimSpace(s.Redis.Addr) == "" {
		problems = append(problems, "redis.addr is required when redis is enabled")
	}
	if s.MemoryCap < 0 || s.HistoryLimit < 0 {
		problems = append(problems, "memory-cap and history-limit must not be negative")
	}
	if s.MemberWriteTimeout < 0 || s.IdleRoomTimeout < 0 {
		problems = append(problems, "timeouts must not be negative")
	}
	return joinProblems(problems)
}

// LoadYAML overlays the YAML file at path onto out. Unknown keys are errors.
func LoadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return DecodeYAML(b, out)
}

func DecodeYAML(b []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
}
