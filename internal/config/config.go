package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/user/converge/internal/compaction"
)

type Config struct {
	DataDir   string       `json:"data_dir" yaml:"data_dir" validate:"required"`
	LogLevel  string       `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string       `json:"log_format" yaml:"log_format" validate:"oneof=text json"`
	Server    ServerConfig `json:"server" yaml:"server"`
	Client    ClientConfig `json:"client" yaml:"client"`
}

type ServerConfig struct {
	GRPCListen         string `json:"grpc_listen" yaml:"grpc_listen" validate:"required,hostname_port"`
	HTTPListen         string `json:"http_listen" yaml:"http_listen" validate:"omitempty,hostname_port"`
	Storage            string `json:"storage" yaml:"storage" validate:"oneof=jsonl sqlite"`
	CompactionSchedule string `json:"compaction_schedule" yaml:"compaction_schedule" validate:"omitempty,schedule"`
	AuthToken          string `json:"auth_token" yaml:"auth_token"`
}

type ClientConfig struct {
	GRPCTarget       string   `json:"grpc_target" yaml:"grpc_target"`
	HTTPBaseURL      string   `json:"http_base_url" yaml:"http_base_url" validate:"omitempty,url"`
	DeviceID         string   `json:"device_id" yaml:"device_id"`
	UserID           string   `json:"user_id" yaml:"user_id"`
	OrgID            string   `json:"org_id" yaml:"org_id"`
	ActorKind        string   `json:"actor_kind" yaml:"actor_kind" validate:"oneof=user agent system"`
	Roles            []string `json:"roles" yaml:"roles"`
	AuthToken        string   `json:"auth_token" yaml:"auth_token"`
	ConnectTimeout   Duration `json:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
	KeepaliveTime    Duration `json:"keepalive_time" yaml:"keepalive_time" validate:"gte=0"`
	KeepaliveTimeout Duration `json:"keepalive_timeout" yaml:"keepalive_timeout" validate:"gte=0"`
	BackoffInitial   Duration `json:"backoff_initial" yaml:"backoff_initial" validate:"gt=0"`
	BackoffMax       Duration `json:"backoff_max" yaml:"backoff_max" validate:"gtefield=BackoffInitial"`
	PollInterval     Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	PollLimit        int      `json:"poll_limit" yaml:"poll_limit" validate:"min=1,max=1000"`
	MaxWatches       int      `json:"max_watches" yaml:"max_watches" validate:"min=1"`
}

// Duration is a time.Duration written as a string such as "1.5s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// plain numbers are nanoseconds
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"5s\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultPath returns ~/.converge/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".converge", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".converge"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.Server.GRPCListen = "127.0.0.1:7400"
	cfg.Server.HTTPListen = "127.0.0.1:7401"
	cfg.Server.Storage = "jsonl"
	cfg.Server.CompactionSchedule = "@every 10m"
	cfg.Client.GRPCTarget = "127.0.0.1:7400"
	cfg.Client.HTTPBaseURL = "http://127.0.0.1:7401"
	cfg.Client.ActorKind = "user"
	cfg.Client.ConnectTimeout = Duration(10 * time.Second)
	cfg.Client.KeepaliveTime = Duration(30 * time.Second)
	cfg.Client.KeepaliveTimeout = Duration(10 * time.Second)
	cfg.Client.BackoffInitial = Duration(time.Second)
	cfg.Client.BackoffMax = Duration(30 * time.Second)
	cfg.Client.PollInterval = Duration(2 * time.Second)
	cfg.Client.PollLimit = 100
	cfg.Client.MaxWatches = 64
	return cfg
}

// Load reads the config at path over the defaults, writing the defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	// Override from env (highest precedence)
	if v := os.Getenv("CONVERGE_GRPC_TARGET"); v != "" {
		cfg.Client.GRPCTarget = v
	}
	if v := os.Getenv("CONVERGE_HTTP_BASE_URL"); v != "" {
		cfg.Client.HTTPBaseURL = v
	}
	if v := os.Getenv("CONVERGE_AUTH_TOKEN"); v != "" {
		cfg.Client.AuthToken = v
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("CONVERGE_DEVICE_ID"); v != "" {
		cfg.Client.DeviceID = v
	}
	if v := os.Getenv("CONVERGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := defaults()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		return compaction.ValidateSchedule(fl.Field().String()) == nil
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fieldKey(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// fieldKey turns "Config.client.poll_limit" into "client.poll_limit".
func fieldKey(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func encode(path string, cfg *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map keyed by JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every config value by dot-separated key, optionally
// with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value for key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue updates one key in the config file at path. The value is parsed
// as JSON when possible, so "16" sets a number and "true" a bool; anything
// else is stored as a string. The result must pass validation.
// Environment overrides are not written back.
func SetValue(path, key, value string) error {
	cfg, err := loadFile(path)
	if err != nil {
		return err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return err
	}
	if _, ok := flat[key]; !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	data, err := json.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	updated := defaults()
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	return Save(path, updated)
}
