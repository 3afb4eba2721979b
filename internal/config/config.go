package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.wprelay/config.toml.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Business BusinessConfig `toml:"business"`
	Store    StoreConfig    `toml:"store"`
	CloudAPI CloudAPIConfig `toml:"cloud_api"`
	Relay    RelayConfig    `toml:"relay"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	BodyLimit   int      `toml:"body_limit"`
}

// BusinessConfig identifies the business line. Messages whose sender equals
// PhoneNumber are recorded as outbound.
type BusinessConfig struct {
	PhoneNumber string `toml:"phone_number"`
}

type StoreConfig struct {
	Driver        string `toml:"driver"` // sqlite or mongo
	DataDir       string `toml:"data_dir"`
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
}

type CloudAPIConfig struct {
	BaseURL       string `toml:"base_url"`
	AccessToken   string `toml:"access_token"`
	PhoneNumberID string `toml:"phone_number_id"`
	QueueSize     int    `toml:"queue_size"`
}

type RelayConfig struct {
	ClientBuffer int `toml:"client_buffer"`
	PingInterval int `toml:"ping_interval"` // seconds
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			BodyLimit: 2 * 1024 * 1024,
		},
		Store: StoreConfig{
			Driver:        DriverSQLite,
			DataDir:       defaultDataDir(),
			MongoDatabase: "wprelay",
		},
		CloudAPI: CloudAPIConfig{
			BaseURL:   "https://graph.facebook.com/v21.0",
			QueueSize: 256,
		},
		Relay: RelayConfig{
			ClientBuffer: 64,
			PingInterval: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wprelay"
	}
	return filepath.Join(home, ".wprelay")
}

// DefaultPath returns the config file location: $WPRELAY_CONFIG, else
// ~/.wprelay/config.toml.
func DefaultPath() string {
	if p := os.Getenv("WPRELAY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "config.toml")
}

// Load reads config from the given path on top of the defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads the config at path (DefaultPath when empty), falling back to
// the defaults when the file does not exist, then applies environment
// overrides. Env vars always win.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("WPRELAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("WPRELAY_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("BUSINESS_PHONE_NUMBER"); v != "" {
		c.Business.PhoneNumber = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Store.MongoURI = v
		c.Store.Driver = DriverMongo
	}
	if v := os.Getenv("WPRELAY_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("WPRELAY_DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv("WHATSAPP_ACCESS_TOKEN"); v != "" {
		c.CloudAPI.AccessToken = v
	}
	if v := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); v != "" {
		c.CloudAPI.PhoneNumberID = v
	}
	if v := os.Getenv("WPRELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("WPRELAY_CLIENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Relay.ClientBuffer = n
		}
	}
}

// DBPath returns the SQLite database location inside the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.Store.DataDir, "wprelay.db")
}

// CloudAPIEnabled reports whether outbound messages should be forwarded to
// the provider.
func (c *Config) CloudAPIEnabled() bool {
	return c.CloudAPI.AccessToken != "" && c.CloudAPI.PhoneNumberID != ""
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Init writes the default configuration to path, or DefaultPath when path
// is empty, and returns the path written. An existing file is left alone.
func Init(path string) (string, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return path, err
	}
	return path, Save(path, Default())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
