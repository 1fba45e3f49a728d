package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/c360/mbp/cep"
	"github.com/c360/mbp/config"
	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/discoverylog"
	"github.com/c360/mbp/engine"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/gateway"
	"github.com/c360/mbp/health"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/metric"
	"github.com/c360/mbp/natsclient"
	"github.com/c360/mbp/pkg/retry"
	"github.com/c360/mbp/processing"
	"github.com/c360/mbp/pubsub"
	"github.com/c360/mbp/rules"
	"github.com/c360/mbp/storage"
)

// app holds every long-running part of the service.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	nats   *natsclient.Client
	broker pubsub.Client
	redis  redis.UniversalClient

	repos      engine.Repositories
	components components
	locations  *location.Registry
	demo       *deploy.Demo
	dispatcher *deploy.Dispatcher
	logs       *discoverylog.Service
	engine     *engine.Engine
	cep        *cep.Service
	rules      *rules.Engine

	cancelDemo context.CancelFunc
}

// newApp connects to the broker and the stores and wires the services.
// Nothing runs until start.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}
	metrics := a.registry.CoreMetrics()

	if err := a.connectBroker(ctx); err != nil {
		return nil, err
	}

	store, err := a.entityStore(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.repos = engine.NewRepositories(store)
	a.components = components{
		static:      storage.NewRepository(store, "component", func(c *deploy.Component) string { return c.ID }),
		deployments: a.repos.Deployments,
		operators:   a.repos.Operators,
	}

	a.locations = location.NewRegistry()
	for _, path := range cfg.Discovery.LocationFiles {
		if err := a.loadLocations(path); err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	gw := gateway.New(a.broker, a.locations,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithCategory(cfg.Discovery.ReturnCategory))
	processor := processing.NewProcessor(a.locations,
		processing.WithLogger(logger),
		processing.WithMetrics(metrics))

	a.dispatcher, err = a.deployers()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	dynamic := deploy.NewDynamicService(a.dispatcher, a.repos.Operators, logger)

	logStore, err := a.logStore(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.logs = discoverylog.NewService(discoverylog.LogDiscovery, logStore, a.repos.Deployments,
		discoverylog.WithLogger(logger),
		discoverylog.WithMetrics(metrics))

	a.engine = engine.New(a.repos, gw, dynamic, processor, a.logs,
		engine.WithLogger(logger),
		engine.WithMetricsRegistry(a.registry))

	a.cep = cep.NewService(a.broker,
		cep.WithFilters(cfg.CEP.Filters...),
		cep.WithComponents(a.components),
		cep.WithLogger(logger),
		cep.WithMetrics(metrics))

	ruleRepo := storage.NewRepository(store, "rule", func(r *rules.Rule) string { return r.ID })
	actionRepo := storage.NewRepository(store, "rule_action", func(act *rules.Action) string { return act.ID })
	triggerRepo := storage.NewRepository(store, "trigger", func(t *cep.Trigger) string { return t.ID })

	executor := rules.NewExecutor(ruleRepo, actionRepo, logger, metrics)
	executor.Register(rules.ActionActuator, rules.NewActuatorExecutor(a.broker, a.components, logger))
	executor.Register(rules.ActionComponentDeployment, rules.NewDeploymentExecutor(a.dispatcher, a.components, logger))
	wh := cfg.Rules.Webhook
	executor.Register(rules.ActionWebhook, rules.NewWebhookExecutor(rules.WebhookConfig{
		URLFormat:        wh.URLFormat,
		RateLimit:        wh.RateLimit,
		Burst:            wh.Burst,
		Timeout:          wh.Timeout.Std(),
		FailureThreshold: wh.FailureThreshold,
		OpenTimeout:      wh.OpenTimeout.Std(),
	}, logger, metrics))

	a.rules = rules.NewEngine(rules.Config{Workers: cfg.Rules.Workers, QueueSize: cfg.Rules.QueueSize},
		a.cep, ruleRepo, triggerRepo, executor, logger, a.registry)

	return a, nil
}

func (a *app) connectBroker(ctx context.Context) error {
	bc := a.cfg.Broker
	switch bc.Kind {
	case config.BrokerNATS:
		opts := []natsclient.ClientOption{
			natsclient.WithName(bc.ClientID),
			natsclient.WithMaxReconnects(bc.MaxReconnects),
			natsclient.WithReconnectWait(bc.ReconnectWait.Std()),
			natsclient.WithLogger(natsclient.SlogLogger{L: a.logger.With("component", "nats-client")}),
			natsclient.WithMetrics(a.registry.CoreMetrics()),
		}
		if bc.Username != "" {
			opts = append(opts, natsclient.WithCredentials(bc.Username, bc.Password))
		}
		if bc.Token != "" {
			opts = append(opts, natsclient.WithToken(bc.Token))
		}
		client, err := natsclient.NewClient(strings.Join(bc.URLs, ","), opts...)
		if err != nil {
			return errors.WrapInvalid(err, "app", "connectBroker", "create NATS client")
		}
		if err := retry.Do(ctx, retry.DefaultConfig(), func() error { return client.Connect(ctx) }); err != nil {
			return errors.Wrap(err, "app", "connectBroker", "connect to NATS")
		}
		a.nats = client
		a.broker = pubsub.NewNATS(client)
		a.monitor.Register("broker", func(context.Context) error {
			if !client.IsHealthy() {
				return fmt.Errorf("%w: nats connection %s", errors.ErrBrokerUnavailable, client.Status())
			}
			return nil
		})

	case config.BrokerMQTT:
		client := pubsub.NewMQTT(pubsub.MQTTConfig{
			BrokerURL: bc.URLs[0],
			ClientID:  bc.ClientID,
			Username:  bc.Username,
			Password:  bc.Password,
			QoS:       bc.QoS,
		}, a.logger)
		if err := retry.Do(ctx, retry.DefaultConfig(), func() error { return client.Connect(ctx) }); err != nil {
			return errors.Wrap(err, "app", "connectBroker", "connect to MQTT")
		}
		a.broker = client
		a.monitor.Register("broker", func(context.Context) error {
			if !client.IsConnected() {
				return errors.ErrBrokerUnavailable
			}
			return nil
		})

	default:
		a.broker = pubsub.NewMemory()
		a.monitor.UpdateHealthy("broker", "in-process")
	}
	a.logger.Info("Broker connected", "kind", bc.Kind)
	return nil
}

func (a *app) bucket(ctx context.Context, name string) (*natsclient.KVStore, error) {
	if a.nats == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidState, "app", "bucket", "nats_kv needs the nats broker")
	}
	kv, err := a.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name, History: 1})
	if err != nil {
		return nil, errors.Wrap(err, "app", "bucket", "open bucket "+name)
	}
	return a.nats.NewKVStore(kv), nil
}

func (a *app) entityStore(ctx context.Context) (storage.Store, error) {
	if a.cfg.Storage.Kind == config.StoreNATSKV {
		kv, err := a.bucket(ctx, a.cfg.Storage.Bucket)
		if err != nil {
			return nil, err
		}
		return storage.NewKV(kv), nil
	}
	a.logger.Warn("Entities are kept in memory and lost on restart")
	return storage.NewMemory(), nil
}

func (a *app) logStore(ctx context.Context) (discoverylog.Store, error) {
	lc := a.cfg.Logs
	switch lc.Store {
	case config.StoreNATSKV:
		kv, err := a.bucket(ctx, lc.Bucket)
		if err != nil {
			return nil, err
		}
		return discoverylog.NewKVStore(kv, lc.Prefix), nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: lc.RedisAddr, Password: lc.RedisPassword, DB: lc.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, errors.WrapTransient(err, "app", "logStore", "ping redis")
		}
		a.redis = rdb
		a.monitor.Register("logs", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		return discoverylog.NewRedisStore(rdb, lc.RedisNamespace), nil

	default:
		return discoverylog.NewMemoryStore(), nil
	}
}

func (a *app) deployers() (*deploy.Dispatcher, error) {
	dc := a.cfg.Deployer
	demoOpts := []deploy.DemoOption{
		deploy.WithDemoLogger(a.logger),
		deploy.WithDelay(dc.DemoDelay.Std()),
	}
	if dc.DemoValueInterval > 0 {
		demoOpts = append(demoOpts, deploy.WithValues(a.broker, dc.DemoValueInterval.Std()))
	}
	a.demo = deploy.NewDemo(demoOpts...)

	sshCfg := deploy.SSHConfig{
		User:           dc.SSHUser,
		KnownHostsFile: dc.KnownHostsFile,
		Timeout:        dc.Timeout.Std(),
	}
	if err := sshCfg.LoadPrivateKey(dc.SSHKeyPath); err != nil {
		return nil, err
	}
	ssh := deploy.NewSSH(deploy.NewSSHDialer(sshCfg), dc.BrokerHost, a.logger)

	return deploy.NewDispatcher(a.demo, ssh, dc.Mode == config.DeployerDemo), nil
}

func (a *app) loadLocations(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WrapInvalid(err, "app", "loadLocations", "open "+path)
	}
	defer f.Close()
	n, err := a.locations.Load(f)
	if err != nil {
		return errors.Wrap(err, "app", "loadLocations", "load "+path)
	}
	a.logger.Info("Location templates loaded", "file", path, "count", n)
	return nil
}

// start runs the trigger service, the discovery engine, the rule engine and
// the demo value publisher.
func (a *app) start(ctx context.Context) error {
	if err := a.cep.Start(ctx); err != nil {
		return errors.Wrap(err, "app", "start", "start trigger service")
	}
	a.monitor.UpdateHealthy("cep", "subscribed")

	if err := a.engine.Start(ctx); err != nil {
		return errors.Wrap(err, "app", "start", "start discovery engine")
	}
	a.monitor.UpdateHealthy("engine", "started")

	if err := a.rules.Start(ctx); err != nil {
		return errors.Wrap(err, "app", "start", "start rule engine")
	}
	a.monitor.UpdateHealthy("rules", "started")

	demoCtx, cancel := context.WithCancel(ctx)
	a.cancelDemo = cancel
	go func() {
		if err := a.demo.Run(demoCtx); err != nil {
			a.logger.Error("Demo value publisher stopped", "error", err)
		}
	}()
	return nil
}

// stop halts the services in reverse start order.
func (a *app) stop(timeout time.Duration) error {
	var errs []error
	if a.cancelDemo != nil {
		a.cancelDemo()
	}
	if err := a.rules.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := a.engine.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	a.cep.Stop()
	a.monitor.UpdateUnhealthy("engine", "stopped")
	return errors.Join(errs...)
}

// close releases the broker and store connections.
func (a *app) close(ctx context.Context) {
	if a.broker != nil {
		if err := a.broker.Close(ctx); err != nil {
			a.logger.Warn("Closing broker failed", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Closing Redis client failed", "error", err)
		}
	}
}
