package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func fieldNames(t *testing.T, err error) []string {
	t.Helper()
	var verr *errors.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	var names []string
	for _, f := range verr.Fields {
		names = append(names, f.Field)
	}
	return names
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := newTestLoader(nil).Load()
	require.NoError(t, err)

	assert.Equal(t, BrokerNATS, cfg.Broker.Kind)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.Broker.URLs)
	assert.Equal(t, 2*time.Second, cfg.Broker.ReconnectWait.Std())
	assert.Equal(t, StoreMemory, cfg.Logs.Store)
	assert.Equal(t, DeployerDemo, cfg.Deployer.Mode)
	assert.Equal(t, 30*time.Second, cfg.Rules.Webhook.OpenTimeout.Std())
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "mbp.yaml", `
broker:
  kind: mqtt
  urls: ["tcp://broker:1883"]
  qos: 2
logs:
  store: redis
  redis_addr: redis:6379
deployer:
  timeout: 45s
rules:
  webhook:
    rate_limit: 0.5
`)

	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, BrokerMQTT, cfg.Broker.Kind)
	assert.Equal(t, []string{"tcp://broker:1883"}, cfg.Broker.URLs)
	assert.Equal(t, uint8(2), cfg.Broker.QoS)
	assert.Equal(t, "mbp", cfg.Broker.ClientID, "untouched keys keep their default")
	assert.Equal(t, StoreRedis, cfg.Logs.Store)
	assert.Equal(t, "redis:6379", cfg.Logs.RedisAddr)
	assert.Equal(t, 45*time.Second, cfg.Deployer.Timeout.Std())
	assert.InDelta(t, 0.5, cfg.Rules.Webhook.RateLimit, 1e-9)
	assert.Equal(t, 5, cfg.Rules.Webhook.Burst)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "mbp.json", `{
		"broker": {"urls": ["nats://a:4222", "nats://b:4222"], "max_reconnects": 10, "reconnect_wait": "5s"},
		"storage": {"kind": "nats_kv", "bucket": "entities"},
		"http": {"addr": "127.0.0.1:9090", "shutdown_timeout": 3000000000}
	}`)

	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Broker.URLs, 2)
	assert.Equal(t, 10, cfg.Broker.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.Broker.ReconnectWait.Std())
	assert.Equal(t, StoreNATSKV, cfg.Storage.Kind)
	assert.Equal(t, "entities", cfg.Storage.Bucket)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.HTTP.ShutdownTimeout.Std())
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
rules:
  workers: 8
  queue_size: 64
deployer:
  mode: ssh
  ssh_user: admin
`)
	override := writeFile(t, "prod.yml", `
rules:
  workers: 16
deployer:
  ssh_key_path: /etc/mbp/id_ed25519
`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Rules.Workers)
	assert.Equal(t, 64, cfg.Rules.QueueSize)
	assert.Equal(t, DeployerSSH, cfg.Deployer.Mode)
	assert.Equal(t, "admin", cfg.Deployer.SSHUser)
	assert.Equal(t, "/etc/mbp/id_ed25519", cfg.Deployer.SSHKeyPath)
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"MBP_BROKER_URLS":   "nats://x:4222, nats://y:4222",
		"MBP_LOGS_STORE":    "nats_kv",
		"MBP_DEPLOYER_MODE": "ssh",
		"MBP_HTTP_ADDR":     ":9999",
		"MBP_LOG_LEVEL":     "",
	}
	cfg, err := newTestLoader(env).Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://x:4222", "nats://y:4222"}, cfg.Broker.URLs)
	assert.Equal(t, StoreNATSKV, cfg.Logs.Store)
	assert.Equal(t, DeployerSSH, cfg.Deployer.Mode)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level, "empty variables are ignored")

	l := newTestLoader(map[string]string{"CUSTOM_HTTP_ADDR": ":7000"})
	l.SetEnvPrefix("CUSTOM")
	cfg, err = l.Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		env     map[string]string
	}{
		{name: "unknown key", file: "a.yaml", content: "broker:\n  brokers: [x]\n"},
		{name: "bad duration", file: "a.yaml", content: "deployer:\n  timeout: soon\n"},
		{name: "malformed json", file: "a.json", content: `{"broker": {"urls": ["x"]}`},
		{name: "wrong extension", file: "a.toml", content: "x = 1"},
		{name: "null byte in env", env: map[string]string{"MBP_HTTP_ADDR": "a\x00b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(tt.env)
			if tt.file != "" {
				l.AddLayer(writeFile(t, tt.file, tt.content))
			}
			_, err := l.Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		fields []string
	}{
		{
			name:   "unknown broker",
			modify: func(c *Config) { c.Broker.Kind = "amqp" },
			fields: []string{"broker.kind"},
		},
		{
			name:   "broker without urls",
			modify: func(c *Config) { c.Broker.URLs = nil },
			fields: []string{"broker.urls"},
		},
		{
			name:   "memory broker needs no urls",
			modify: func(c *Config) { c.Broker.Kind = BrokerMemory; c.Broker.URLs = nil },
		},
		{
			name:   "kv store on mqtt",
			modify: func(c *Config) { c.Broker.Kind = BrokerMQTT; c.Storage.Kind = StoreNATSKV; c.Logs.Store = StoreNATSKV },
			fields: []string{"storage.kind", "logs.store"},
		},
		{
			name:   "redis without address",
			modify: func(c *Config) { c.Logs.Store = StoreRedis },
			fields: []string{"logs.redis_addr"},
		},
		{
			name:   "ssh without user",
			modify: func(c *Config) { c.Deployer.Mode = DeployerSSH; c.Deployer.SSHUser = "" },
			fields: []string{"deployer.ssh_user"},
		},
		{
			name: "rule limits",
			modify: func(c *Config) {
				c.Rules.Workers = 0
				c.Rules.Webhook.RateLimit = 0
				c.Rules.Webhook.URLFormat = "https://example.com/%s"
			},
			fields: []string{"rules.workers", "rules.webhook.rate_limit", "rules.webhook.url_format"},
		},
		{
			name:   "http address",
			modify: func(c *Config) { c.HTTP.Addr = "localhost" },
			fields: []string{"http.addr"},
		},
		{
			name:   "return category with wildcard",
			modify: func(c *Config) { c.Discovery.ReturnCategory = "a/#" },
			fields: []string{"discovery.return_category"},
		},
		{
			name:   "username without password",
			modify: func(c *Config) { c.Broker.Username = "mbp" },
			fields: []string{"broker.password"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			assert.ElementsMatch(t, tt.fields, fieldNames(t, err))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_SaveToFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"saved.yaml", "saved.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Rules.Workers = 12
			cfg.Deployer.Timeout = Duration(90 * time.Second)
			path := filepath.Join(dir, name)
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := newTestLoader(nil).LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestConfig_StringRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Broker.Username = "mbp"
	cfg.Broker.Password = "hunter2"
	cfg.Logs.RedisPassword = "s3cret"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
	assert.Equal(t, "hunter2", cfg.Broker.Password)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"250ms", 250 * time.Millisecond, true},
		{"2d", 48 * time.Hour, true},
		{"1000", 1000, true},
		{"xd", 0, false},
		{"later", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Std())
		})
	}
}

func TestValidateConfigPath(t *testing.T) {
	assert.NoError(t, validateConfigPath("configs/mbp.yaml"))
	assert.NoError(t, validateConfigPath("/etc/mbp/mbp.JSON"))
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../outside.yaml"))
	assert.Error(t, validateConfigPath("/etc/mbp/../passwd.yaml"))
	assert.Error(t, validateConfigPath("mbp.ini"))
	assert.Error(t, validateConfigPath(strings.Repeat("a", maxPathLen+1)+".yaml"))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": ["}", {"b": "\"]"}]}`)))
	assert.Error(t, validateJSONDepth([]byte(strings.Repeat("[", maxJSONDepth+1)+strings.Repeat("]", maxJSONDepth+1))))
	assert.Error(t, validateJSONDepth([]byte(`{"a": 1}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": {"b": 1}`)))
}
