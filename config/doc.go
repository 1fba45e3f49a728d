// Package config loads the configuration of the MBP service.
//
// A Config is built from Default, then every file layer added to a Loader is
// deep-merged over it in order. Files ending in .json are read as JSON,
// .yaml and .yml as YAML. Keys missing from a layer keep the value of the
// layers below; unknown keys are rejected.
//
// After merging, environment variables prefixed with MBP_ override single
// values, for example MBP_BROKER_URLS (comma separated), MBP_LOGS_STORE or
// MBP_DEPLOYER_MODE. Finally Validate checks the struct tags with
// go-playground/validator and the combinations of sections, reporting every
// problem in one *errors.ValidationError.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.yaml")
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Durations are written as strings such as "500ms", "10s" or "7d".
//
// # Sections
//
//   - log: level and handler format of the process logger
//   - broker: nats, mqtt or an in-process memory broker
//   - storage: where entities live (memory or nats_kv)
//   - discovery: return topic category and location template files
//   - logs: discovery log store (memory, nats_kv or redis)
//   - deployer: demo or ssh, with the SSH defaults
//   - cep: value topics the trigger service subscribes to
//   - rules: rule workers and the webhook executor limits
//   - http: operations endpoint serving /healthz, /readyz and /metrics
package config
