package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/config"
	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/health"
	"github.com/c360/mbp/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.Kind = config.BrokerMemory
	cfg.Broker.URLs = nil
	return cfg
}

func TestParseFlags(t *testing.T) {
	var out bytes.Buffer
	cli, err := parseFlags([]string{"-c", "a.yaml", "--config", "b.yaml", "--log-level=debug", "--demo"}, &out)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cli.ConfigPaths)
	assert.Equal(t, "debug", cli.LogLevel)
	assert.True(t, cli.Demo)
	assert.True(t, cli.changed("log-level"))
	assert.False(t, cli.changed("log-format"))

	_, err = parseFlags([]string{"--no-such-flag"}, &out)
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "mbp.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("{}"), 0o600))

	tests := []struct {
		name    string
		cli     CLIConfig
		wantErr bool
	}{
		{"defaults", CLIConfig{LogLevel: "info", LogFormat: "json"}, false},
		{"existing file", CLIConfig{ConfigPaths: []string{existing}, LogLevel: "warn", LogFormat: "text"}, false},
		{"missing file", CLIConfig{ConfigPaths: []string{existing + ".missing"}, LogLevel: "info", LogFormat: "json"}, true},
		{"bad level", CLIConfig{LogLevel: "trace", LogFormat: "json"}, true},
		{"bad format", CLIConfig{LogLevel: "info", LogFormat: "xml"}, true},
		{"version skips checks", CLIConfig{ShowVersion: true, LogLevel: "trace"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := tt.cli
			err := validateFlags(&cli)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mbp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\ndeployer:\n  mode: ssh\n"), 0o600))

	cli, err := parseFlags([]string{"-c", path, "--log-format=text", "--demo"}, io.Discard)
	require.NoError(t, err)

	cfg, err := loadConfig(cli)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level, "unset flags keep the file value")
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, config.DeployerDemo, cfg.Deployer.Mode)
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &out))
	assert.Contains(t, out.String(), "mbp version "+Version)
}

func TestOpsRouter(t *testing.T) {
	monitor := health.NewMonitor()
	monitor.UpdateHealthy("engine", "started")
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("mbp_up 1\n"))
	})
	router := newOpsRouter(monitor, metrics, discardLogger())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Contains(t, get("/metrics").Body.String(), "mbp_up 1")

	rec := get("/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var status health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)

	monitor.Register("broker", func(context.Context) error { return errors.New("disconnected") })
	rec = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, health.StatusUnhealthy, status.Status)
	assert.Len(t, status.SubStatuses, 2)
}

func TestComponents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	c := components{
		static:      storage.NewRepository(store, "component", func(c *deploy.Component) string { return c.ID }),
		deployments: storage.NewRepository(store, "dynamic_deployment", func(d *deploy.DynamicDeployment) string { return d.ID }),
		operators:   storage.NewRepository(store, "operator", func(o *deploy.Operator) string { return o.ID }),
	}
	require.NoError(t, c.static.Save(ctx, &deploy.Component{ID: "s1", Name: "temp", Type: deploy.TypeSensor}))
	require.NoError(t, c.operators.Save(ctx, &deploy.Operator{ID: "op-1", Name: "reader"}))
	require.NoError(t, c.deployments.Save(ctx, &deploy.DynamicDeployment{
		ID: "dd-1", Name: "dynamic", OperatorID: "op-1", DeviceTemplateID: "tpl-1",
		LastDevice: &deploy.Device{MACAddress: "aa:bb:cc:dd:ee:ff"},
	}))

	got, err := c.Get(ctx, "dd-1")
	require.NoError(t, err)
	assert.Equal(t, deploy.TypeDynamicDeployment, got.Type)
	require.NotNil(t, got.Operator)
	assert.Equal(t, "reader", got.Operator.Name)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got.Device.MACAddress)

	tests := []struct {
		typ, id string
		want    bool
	}{
		{deploy.TypeSensor, "s1", true},
		{deploy.TypeActuator, "s1", false},
		{deploy.TypeDynamicDeployment, "dd-1", true},
		{deploy.TypeSensor, "missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+tt.id, func(t *testing.T) {
			ok, err := c.Exists(ctx, tt.typ, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestApp_StartStopInMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := newApp(ctx, memoryConfig(), discardLogger())
	require.NoError(t, err)
	defer a.close(context.Background())

	require.NoError(t, a.start(ctx))
	status := a.monitor.Run(ctx, appName)
	assert.True(t, status.IsHealthy(), "%+v", status)
	assert.True(t, a.dispatcher.DemoMode())
	assert.True(t, a.engine.Idle())

	require.NoError(t, a.stop(time.Second))
	engineStatus, ok := a.monitor.Get("engine")
	require.True(t, ok)
	assert.True(t, engineStatus.IsUnhealthy())
}

func TestNewApp_KVNeedsNATS(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Kind = config.StoreNATSKV
	_, err := newApp(context.Background(), cfg, discardLogger())
	assert.True(t, errors.IsInvalid(err))
}
