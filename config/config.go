package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/mbp/errors"
)

// Broker kinds
const (
	BrokerNATS   = "nats"
	BrokerMQTT   = "mqtt"
	BrokerMemory = "memory"
)

// Store kinds shared by the entity storage and the discovery logs.
const (
	StoreMemory = "memory"
	StoreNATSKV = "nats_kv"
	StoreRedis  = "redis"
)

// Deployer modes
const (
	DeployerDemo = "demo"
	DeployerSSH  = "ssh"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "MBP"

// Config is the complete configuration of the MBP service.
type Config struct {
	Log       LogConfig       `yaml:"log" json:"log"`
	Broker    BrokerConfig    `yaml:"broker" json:"broker"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Logs      LogsConfig      `yaml:"logs" json:"logs"`
	Deployer  DeployerConfig  `yaml:"deployer" json:"deployer"`
	CEP       CEPConfig       `yaml:"cep" json:"cep"`
	Rules     RulesConfig     `yaml:"rules" json:"rules"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json text"`
}

// BrokerConfig selects the message broker the service talks to.
type BrokerConfig struct {
	Kind          string   `yaml:"kind" json:"kind" validate:"required,oneof=nats mqtt memory"`
	URLs          []string `yaml:"urls" json:"urls" validate:"required_unless=Kind memory,dive,required"`
	ClientID      string   `yaml:"client_id" json:"client_id"`
	Username      string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string   `yaml:"password,omitempty" json:"password,omitempty"`
	Token         string   `yaml:"token,omitempty" json:"token,omitempty"`
	MaxReconnects int      `yaml:"max_reconnects" json:"max_reconnects" validate:"min=-1"`
	ReconnectWait Duration `yaml:"reconnect_wait" json:"reconnect_wait" validate:"gte=0"`
	QoS           uint8    `yaml:"qos" json:"qos" validate:"max=2"`
}

// StorageConfig selects where templates, topics, operators, deployments,
// candidates and rules are kept.
type StorageConfig struct {
	Kind   string `yaml:"kind" json:"kind" validate:"required,oneof=memory nats_kv"`
	Bucket string `yaml:"bucket" json:"bucket" validate:"required_if=Kind nats_kv"`
}

// DiscoveryConfig configures requests to discovery repositories.
type DiscoveryConfig struct {
	// Category of the return topics used for replies
	ReturnCategory string `yaml:"return_category" json:"return_category" validate:"required,excludesall=/+#"`
	// Template files loaded into the location registry
	LocationFiles []string `yaml:"location_files,omitempty" json:"location_files,omitempty" validate:"dive,required"`
}

// LogsConfig selects the discovery log store.
type LogsConfig struct {
	Store          string `yaml:"store" json:"store" validate:"required,oneof=memory nats_kv redis"`
	Bucket         string `yaml:"bucket" json:"bucket" validate:"required_if=Store nats_kv"`
	Prefix         string `yaml:"prefix" json:"prefix"`
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr" validate:"required_if=Store redis,omitempty,hostname_port"`
	RedisPassword  string `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB        int    `yaml:"redis_db" json:"redis_db" validate:"min=0"`
	RedisNamespace string `yaml:"redis_namespace" json:"redis_namespace"`
}

// DeployerConfig selects how components reach devices.
type DeployerConfig struct {
	Mode string `yaml:"mode" json:"mode" validate:"required,oneof=demo ssh"`
	// Broker host handed to deployed components
	BrokerHost     string   `yaml:"broker_host" json:"broker_host"`
	SSHUser        string   `yaml:"ssh_user" json:"ssh_user" validate:"required_if=Mode ssh"`
	SSHKeyPath     string   `yaml:"ssh_key_path" json:"ssh_key_path"`
	KnownHostsFile string   `yaml:"known_hosts_file,omitempty" json:"known_hosts_file,omitempty"`
	Timeout        Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	DemoDelay      Duration `yaml:"demo_delay" json:"demo_delay" validate:"gte=0"`
	// Zero disables the demo sensor values
	DemoValueInterval Duration `yaml:"demo_value_interval" json:"demo_value_interval" validate:"gte=0"`
}

// CEPConfig configures the trigger service.
type CEPConfig struct {
	Filters []string `yaml:"filters" json:"filters" validate:"min=1,dive,required"`
}

// RulesConfig configures the rule engine and its executors.
type RulesConfig struct {
	Workers   int           `yaml:"workers" json:"workers" validate:"min=1"`
	QueueSize int           `yaml:"queue_size" json:"queue_size" validate:"min=1"`
	Webhook   WebhookConfig `yaml:"webhook" json:"webhook"`
}

// WebhookConfig configures calls to webhook actions.
type WebhookConfig struct {
	URLFormat        string   `yaml:"url_format" json:"url_format" validate:"required"`
	RateLimit        float64  `yaml:"rate_limit" json:"rate_limit" validate:"gt=0"`
	Burst            int      `yaml:"burst" json:"burst" validate:"min=1"`
	Timeout          Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	FailureThreshold uint32   `yaml:"failure_threshold" json:"failure_threshold" validate:"min=1"`
	OpenTimeout      Duration `yaml:"open_timeout" json:"open_timeout" validate:"gt=0"`
}

// HTTPConfig configures the operations endpoint.
type HTTPConfig struct {
	Addr            string   `yaml:"addr" json:"addr" validate:"required,hostname_port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Broker: BrokerConfig{
			Kind:          BrokerNATS,
			URLs:          []string{"nats://localhost:4222"},
			ClientID:      "mbp",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			QoS:           1,
		},
		Storage: StorageConfig{Kind: StoreMemory, Bucket: "mbp_entities"},
		Discovery: DiscoveryConfig{
			ReturnCategory: "discovery",
		},
		Logs: LogsConfig{
			Store:          StoreMemory,
			Bucket:         "mbp_discovery_logs",
			Prefix:         "discovery",
			RedisNamespace: "mbp",
		},
		Deployer: DeployerConfig{
			Mode:       DeployerDemo,
			BrokerHost: "localhost",
			SSHUser:    "pi",
			Timeout:    Duration(10 * time.Second),
		},
		CEP: CEPConfig{
			Filters: []string{"sensor/+", "actuator/+", "dynamic_deployment/+"},
		},
		Rules: RulesConfig{
			Workers:   4,
			QueueSize: 256,
			Webhook: WebhookConfig{
				URLFormat:        "https://maker.ifttt.com/trigger/%s/with/key/%s",
				RateLimit:        5,
				Burst:            5,
				Timeout:          Duration(10 * time.Second),
				FailureThreshold: 5,
				OpenTimeout:      Duration(30 * time.Second),
			},
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// Duration is a time.Duration written as "10s" in config files. Plain
// integers are read as nanoseconds and a "d" suffix counts days.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML writes d as a duration string.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML reads a duration string or integer.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

// MarshalJSON writes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON reads a duration string or integer.
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(n), nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return Duration(time.Duration(n) * 24 * time.Hour), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix replaces DefaultEnvPrefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers over Default, applies the environment overrides
// and validates the result.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads one layer into a map. Files ending in .json are decoded as
// JSON, everything else as YAML.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		return normalizeNumbers(raw).(map[string]any), nil
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// normalizeNumbers turns json.Number values into int64 or float64 so that
// they encode as YAML numbers.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = normalizeNumbers(item)
		}
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies the <prefix>_* environment variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		name   string
		target *string
	}{
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
		{"BROKER_KIND", &cfg.Broker.Kind},
		{"BROKER_CLIENT_ID", &cfg.Broker.ClientID},
		{"BROKER_USERNAME", &cfg.Broker.Username},
		{"BROKER_PASSWORD", &cfg.Broker.Password},
		{"BROKER_TOKEN", &cfg.Broker.Token},
		{"STORAGE_KIND", &cfg.Storage.Kind},
		{"LOGS_STORE", &cfg.Logs.Store},
		{"LOGS_REDIS_ADDR", &cfg.Logs.RedisAddr},
		{"LOGS_REDIS_PASSWORD", &cfg.Logs.RedisPassword},
		{"DEPLOYER_MODE", &cfg.Deployer.Mode},
		{"DEPLOYER_BROKER_HOST", &cfg.Deployer.BrokerHost},
		{"DEPLOYER_SSH_USER", &cfg.Deployer.SSHUser},
		{"DEPLOYER_SSH_KEY_PATH", &cfg.Deployer.SSHKeyPath},
		{"HTTP_ADDR", &cfg.HTTP.Addr},
	}
	for _, s := range strs {
		val, ok, err := l.env(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.target = val
		}
	}

	val, ok, err := l.env("BROKER_URLS")
	if err != nil {
		return err
	}
	if ok {
		cfg.Broker.URLs = splitList(val)
	}
	return nil
}

func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false, err
	}
	return val, true, nil
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

// SaveToFile writes c as YAML or JSON depending on the extension of path.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return errors.WrapFatal(err, "Config", "SaveToFile", "encode config")
	}
	return safeWriteFile(path, data)
}

// Redacted returns a copy of c without credentials.
func (c *Config) Redacted() *Config {
	out := *c
	out.Broker.URLs = append([]string(nil), c.Broker.URLs...)
	for _, secret := range []*string{&out.Broker.Password, &out.Broker.Token, &out.Logs.RedisPassword} {
		if *secret != "" {
			*secret = "***"
		}
	}
	return &out
}

// String returns the redacted config as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
