package effectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"ruleflow/internal/automation"
	"ruleflow/internal/models"
)

const maxResponseBody = 64 << 10

// WebhookOptions tunes outbound calls; limits and breakers are per host.
type WebhookOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// BreakerFailures consecutive failures open a host's breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// WebhookEffector 调用外部 HTTP 端点
type WebhookEffector struct {
	client *http.Client
	opts   WebhookOptions
	logger *logrus.Logger

	breakers sync.Map // host -> *gobreaker.CircuitBreaker
	limiters sync.Map // host -> *rate.Limiter
}

func NewWebhookEffector(opts WebhookOptions, logger *logrus.Logger) *WebhookEffector {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RequestsPerSecond * 2)
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}
	return &WebhookEffector{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		opts:   opts,
		logger: logger,
	}
}

func (e *WebhookEffector) Kinds() []models.ActionKind {
	return []models.ActionKind{models.ActionWebhook}
}

// hostError carries a response the breaker should count as a failure.
type hostError struct {
	status int
}

func (h *hostError) Error() string {
	return fmt.Sprintf("upstream responded %d", h.status)
}

type webhookResponse struct {
	status int
	body   string
}

func (e *WebhookEffector) Execute(ctx context.Context, action models.Action, req automation.Request) automation.Result {
	p := action.Webhook
	if p == nil {
		return automation.Failed(automation.Permanent(nil, "webhook without parameters"))
	}
	target, err := url.Parse(p.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return automation.Failed(automation.Permanent(err, fmt.Sprintf("invalid webhook url %q", p.URL)))
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodPost
	}

	payload, err := json.Marshal(webhookBody(p, req))
	if err != nil {
		return automation.Failed(automation.Permanent(err, "encode webhook body"))
	}

	if err := e.limiter(target.Host).Wait(ctx); err != nil {
		return automation.Failed(automation.Retryable(err, "webhook rate limit"))
	}

	out, err := e.breaker(target.Host).Execute(func() (interface{}, error) {
		resp, err := e.do(ctx, method, target.String(), p.Headers, payload, req)
		if err != nil {
			return nil, err
		}
		if resp.status >= 500 || resp.status == http.StatusTooManyRequests {
			return resp, &hostError{status: resp.status}
		}
		return resp, nil
	})

	entry := e.logger.WithFields(logrus.Fields{
		"execution_id": req.ExecutionID,
		"host":         target.Host,
		"method":       method,
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		entry.Warn("effector: webhook host circuit open")
		return automation.Failed(automation.Retryable(err, fmt.Sprintf("webhook host %s unavailable", target.Host)))
	}
	var he *hostError
	if errors.As(err, &he) {
		entry.WithField("status", he.status).Warn("effector: webhook upstream error")
		return automation.Result{Data: responseData(out), Err: automation.Retryable(err, "webhook call")}
	}
	if err != nil {
		entry.WithError(err).Warn("effector: webhook transport error")
		return automation.Failed(automation.Retryable(err, "webhook call"))
	}

	resp := out.(*webhookResponse)
	if resp.status >= 300 {
		return automation.Result{
			Data: responseData(out),
			Err:  automation.Permanent(nil, fmt.Sprintf("webhook rejected with status %d", resp.status)),
		}
	}
	entry.WithField("status", resp.status).Debug("effector: webhook delivered")
	return automation.Succeeded(responseData(out))
}

func (e *WebhookEffector) do(ctx context.Context, method, target string, headers map[string]string, payload []byte, req automation.Request) (*webhookResponse, error) {
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", "ruleflow-webhook/1.0")
	httpReq.Header.Set("X-Ruleflow-Execution", fmt.Sprint(req.ExecutionID))
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return &webhookResponse{status: resp.StatusCode, body: string(raw)}, nil
}

// webhookBody sends the configured body, or a default envelope of the
// execution context when none is set.
func webhookBody(p *models.WebhookParams, req automation.Request) map[string]interface{} {
	if len(p.Body) > 0 {
		return p.Body
	}
	return map[string]interface{}{
		"tenant_id":    req.TenantID,
		"rule_id":      req.RuleID,
		"execution_id": req.ExecutionID,
		"subject_id":   req.SubjectID,
		"event":        req.EventData,
	}
}

func responseData(out interface{}) map[string]interface{} {
	resp, ok := out.(*webhookResponse)
	if !ok || resp == nil {
		return nil
	}
	return map[string]interface{}{"status_code": resp.status, "body": resp.body}
}

func (e *WebhookEffector) breaker(host string) *gobreaker.CircuitBreaker {
	if cb, ok := e.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	failures := e.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Timeout:     e.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("effector: circuit breaker state change")
		},
	})
	actual, _ := e.breakers.LoadOrStore(host, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (e *WebhookEffector) limiter(host string) *rate.Limiter {
	if l, ok := e.limiters.Load(host); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(e.opts.RequestsPerSecond), e.opts.Burst)
	actual, _ := e.limiters.LoadOrStore(host, l)
	return actual.(*rate.Limiter)
}
