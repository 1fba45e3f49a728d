// Package natsclient manages the NATS connection used by MBP for discovery
// messaging and JetStream KV storage.
//
// Client wraps one *nats.Conn with connection status tracking and a small
// circuit breaker: after a run of consecutive failures the circuit opens and
// Connect and bucket operations fail fast with ErrCircuitOpen until the
// backoff elapses. Subscribe returns a *Subscription that can be released on
// its own, which the scatter-gather engine uses to drop the shared reply
// subscription when the last request on it finishes.
//
// KVStore adds compare-and-set helpers over a jetstream.KeyValue bucket.
// UpdateWithRetry reads the current value and revision, applies an update
// function and writes with Create or Update, retrying on revision conflicts.
// The discovery log KV store appends entries this way so concurrent writers
// never lose an entry.
//
//	client, err := natsclient.NewClient(cfg.Broker.URL,
//	    natsclient.WithName("mbp"),
//	    natsclient.WithLogger(natsclient.SlogLogger{L: logger}),
//	    natsclient.WithMetrics(registry.CoreMetrics()))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//
// NewTestClient starts a NATS server in a testcontainer for integration tests
// (build tag integration).
package natsclient
