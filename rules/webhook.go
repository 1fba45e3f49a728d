package rules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/c360/mbp/cep"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/metric"
)

// Parameters of webhook actions
const (
	ParamWebhookKey   = "ifttt_key"
	ParamWebhookEvent = "ifttt_name"
)

// DefaultWebhookURL is the IFTTT maker URL, filled with event name and key.
const DefaultWebhookURL = "https://maker.ifttt.com/trigger/%s/with/key/%s"

// webhookSuccessPrefix starts the body of an accepted IFTTT call.
const webhookSuccessPrefix = "Congratulations!"

var (
	webhookKeyPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)
	webhookEventPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// WebhookConfig configures the webhook executor.
type WebhookConfig struct {
	URLFormat string
	// Calls per second over all webhook actions
	RateLimit float64
	Burst     int
	Timeout   time.Duration
	// Consecutive failures that open the circuit
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultWebhookConfig returns the production settings.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		URLFormat:        DefaultWebhookURL,
		RateLimit:        5,
		Burst:            5,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// WebhookExecutor calls IFTTT webhooks. Calls are rate limited and a
// circuit breaker stops calling after repeated failures.
type WebhookExecutor struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewWebhookExecutor creates the executor for webhook actions.
func NewWebhookExecutor(cfg WebhookConfig, logger *slog.Logger, metrics *metric.Metrics) *WebhookExecutor {
	def := DefaultWebhookConfig()
	if cfg.URLFormat == "" {
		cfg.URLFormat = def.URLFormat
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "webhook-action")

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webhook",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitBreakerState(name, int(to))
		},
	})

	return &WebhookExecutor{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker: breaker,
		logger:  logger,
	}
}

func (e *WebhookExecutor) ValidateParameters(_ context.Context, params map[string]string, v *errors.ValidationError) {
	if key, ok := params[ParamWebhookKey]; !ok {
		v.Add("parameters", "A personal IFTTT key needs to be provided.")
	} else if !webhookKeyPattern.MatchString(key) {
		v.Add("parameters", "The provided key seems to be invalid.")
	}
	if name, ok := params[ParamWebhookEvent]; !ok {
		v.Add("parameters", "A IFTTT event name needs to be provided.")
	} else if !webhookEventPattern.MatchString(name) {
		v.Add("parameters", "The provided event name seems to be invalid.")
	}
}

func (e *WebhookExecutor) Execute(ctx context.Context, action *Action, _ *Rule, _ cep.Output) bool {
	key := action.Parameters[ParamWebhookKey]
	event := action.Parameters[ParamWebhookEvent]
	if !webhookKeyPattern.MatchString(key) || !webhookEventPattern.MatchString(event) {
		return false
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return false
	}

	target := fmt.Sprintf(e.cfg.URLFormat, url.PathEscape(event), url.PathEscape(key))
	body, err := e.breaker.Execute(func() (interface{}, error) {
		return e.call(ctx, target)
	})
	if err != nil {
		e.logger.Info("Webhook call failed", "action_id", action.ID, "event", event, "error", err)
		return false
	}
	return strings.HasPrefix(body.(string), webhookSuccessPrefix)
}

func (e *WebhookExecutor) call(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", errors.WrapInvalid(err, "WebhookExecutor", "call", "build request")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", errors.WrapTransient(err, "WebhookExecutor", "call", "send request")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.WrapTransient(err, "WebhookExecutor", "call", "read response")
	}
	if resp.StatusCode >= 300 {
		return "", errors.WrapTransient(fmt.Errorf("status %d", resp.StatusCode), "WebhookExecutor", "call", "check status")
	}
	return string(data), nil
}
