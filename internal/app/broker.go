// Package app orchestrates the request pipeline: permission check, prompt
// screening, session recall, quota pre-flight, provider routing, and usage
// accounting.
package app

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/accounting"
	"github.com/eugener/warden/internal/memory"
	"github.com/eugener/warden/internal/router"
	"github.com/eugener/warden/internal/security"
	"github.com/eugener/warden/internal/telemetry"
)

// DefaultModel is used when neither the body nor the caller names a model.
const DefaultModel = "gpt-3.5-turbo"

// BudgetError reports a failed quota pre-flight. It unwraps to
// gateway.ErrBudgetExceeded.
type BudgetError struct {
	Check accounting.QuotaCheck
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s: %s", gateway.ErrBudgetExceeded, strings.Join(e.Check.Reasons, ", "))
}

func (e *BudgetError) Unwrap() error { return gateway.ErrBudgetExceeded }

// ThreatError reports a prompt rejected by the security policy. It unwraps
// to gateway.ErrThreatBlocked, or to gateway.ErrThreatRateLimited when the
// policy throttled the request instead.
type ThreatError struct {
	Detections []security.Detection
	Throttled  bool
}

func (e *ThreatError) Error() string {
	want := security.ActionBlock
	if e.Throttled {
		want = security.ActionRateLimit
	}
	kinds := make([]string, 0, len(e.Detections))
	for _, d := range e.Detections {
		if d.Action == want {
			kinds = append(kinds, string(d.Kind))
		}
	}
	return fmt.Sprintf("%s: %s", e.Unwrap(), strings.Join(kinds, ", "))
}

func (e *ThreatError) Unwrap() error {
	if e.Throttled {
		return gateway.ErrThreatRateLimited
	}
	return gateway.ErrThreatBlocked
}

// BrokerOptions configures a Broker.
type BrokerOptions struct {
	Scanner      *security.Scanner
	Accounting   *accounting.Engine
	Router       *router.Router
	Memory       *memory.Store      // optional; enables session_id recall
	Metrics      *telemetry.Metrics // optional
	Tracer       trace.Tracer       // defaults to the global provider
	Strategy     router.Strategy    // default when the request names none
	DefaultModel string
}

// Broker runs chat requests through the security, quota, routing, and
// accounting stages in that order.
type Broker struct {
	scanner      *security.Scanner
	accounting   *accounting.Engine
	router       *router.Router
	memory       *memory.Store
	metrics      *telemetry.Metrics
	tracer       trace.Tracer
	strategy     router.Strategy
	defaultModel string
}

// NewBroker returns a Broker wired to the given subsystems.
func NewBroker(opts BrokerOptions) *Broker {
	b := &Broker{
		scanner:      opts.Scanner,
		accounting:   opts.Accounting,
		router:       opts.Router,
		memory:       opts.Memory,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		strategy:     opts.Strategy,
		defaultModel: cmp.Or(opts.DefaultModel, DefaultModel),
	}
	if b.tracer == nil {
		b.tracer = telemetry.Tracer("warden/broker")
	}
	return b
}

// Completion is the result of a brokered chat request.
type Completion struct {
	Response   *gateway.ChatResponse
	Usage      accounting.UsageSummary
	Strategy   string
	Detections []security.Detection
	Sanitized  bool
	Recalled   int // session turns folded into the prompt
}

// ChatCompletion screens, budgets, routes, and accounts one chat request for
// id. preferredModel applies when req.Model is empty; ip identifies the
// client for threat rate limiting.
func (b *Broker) ChatCompletion(ctx context.Context, id *gateway.Identity, req *gateway.ChatRequest, preferredModel, ip string) (*Completion, error) {
	ctx, span := b.tracer.Start(ctx, "broker.chat_completion")
	defer span.End()

	c, err := b.chatCompletion(ctx, id, req, preferredModel, ip)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("provider", c.Usage.Provider),
		attribute.String("model", c.Usage.Model),
		attribute.String("strategy", c.Strategy),
		attribute.Int("tokens.normalized", c.Usage.NormalizedTokens),
		attribute.Bool("sanitized", c.Sanitized),
		attribute.Int("memory.recalled", c.Recalled),
	)
	return c, nil
}

func (b *Broker) chatCompletion(ctx context.Context, id *gateway.Identity, req *gateway.ChatRequest, preferredModel, ip string) (*Completion, error) {
	if id == nil {
		return nil, gateway.ErrAuthentication
	}
	if !id.Can(gateway.PermProxyUse) {
		return nil, fmt.Errorf("%w: missing %s", gateway.ErrAuthorization, gateway.PermProxyUse)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest)
	}

	strategy := b.strategy
	if req.RoutingStrategy != "" {
		s, err := router.ParseStrategy(req.RoutingStrategy)
		if err != nil {
			return nil, err
		}
		strategy = s
	}

	out := *req
	out.Model = cmp.Or(req.Model, preferredModel, b.defaultModel)

	// Screening.
	sub := security.Subject{UserID: id.UserID, KeyID: id.KeyID, IP: ip}
	if !b.scanner.CheckThreatRateLimit(sub) {
		return nil, gateway.ErrThreatRateLimited
	}
	detections, messages := b.scanner.ScanMessages(ctx, out.Messages, sub)
	switch {
	case security.ShouldBlock(detections):
		return nil, &ThreatError{Detections: detections}
	case security.ShouldRateLimit(detections):
		return nil, &ThreatError{Detections: detections, Throttled: true}
	}
	sanitized := false
	for i := range messages {
		if string(messages[i].Content) != string(out.Messages[i].Content) {
			sanitized = true
			break
		}
	}
	out.Messages = messages
	cred := id.CredentialID()

	// Session recall. The stored turn is the screened prompt, never the
	// recalled context.
	recalled := 0
	if b.memory != nil && req.SessionID != "" {
		out.Messages, recalled = b.memory.Augment(cred, req.SessionID, messages)
	}

	// Quota pre-flight.
	estimate := b.accounting.Counter().EstimateRequest(&out)
	check := b.accounting.CheckQuota(ctx, cred, estimate)
	if !check.Allowed {
		if b.metrics != nil {
			for _, reason := range check.Reasons {
				b.metrics.QuotaRejects.WithLabelValues(reason).Inc()
			}
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "quota exceeded",
			slog.String("credential_id", cred),
			slog.String("reasons", strings.Join(check.Reasons, ",")),
			slog.Int("estimated_tokens", estimate),
		)
		return nil, &BudgetError{Check: check}
	}

	// Routing.
	res, err := b.router.Route(ctx, &out, strategy)
	if err != nil {
		return nil, err
	}

	// Accounting.
	var inputText strings.Builder
	for _, m := range out.Messages {
		inputText.WriteString(m.Text())
		inputText.WriteByte(' ')
	}
	summary := b.accounting.ProcessUsage(ctx, accounting.UsageInput{
		CredentialID: cred,
		UserID:       id.UserID,
		Provider:     res.Usage.Provider,
		Model:        out.Model,
		InputText:    inputText.String(),
		OutputText:   res.Text,
		InputTokens:  res.Usage.PromptTokens,
		OutputTokens: res.Usage.CompletionTokens,
	})
	if b.memory != nil && req.SessionID != "" {
		b.memory.Record(cred, req.SessionID, messages, res.Text, memory.Meta{
			Model:        out.Model,
			Provider:     summary.Provider,
			InputTokens:  summary.InputTokens,
			OutputTokens: summary.OutputTokens,
		})
	}
	if b.metrics != nil {
		b.metrics.TokensProcessed.WithLabelValues(summary.Provider, summary.Model, "input").Add(float64(summary.InputTokens))
		b.metrics.TokensProcessed.WithLabelValues(summary.Provider, summary.Model, "output").Add(float64(summary.OutputTokens))
		b.metrics.TokensProcessed.WithLabelValues(summary.Provider, summary.Model, "normalized").Add(float64(summary.NormalizedTokens))
		b.metrics.CostUSD.WithLabelValues(summary.Provider).Add(summary.CostUSD)
	}

	resp := res.Response
	if resp.Usage == nil {
		resp.Usage = &gateway.Usage{
			PromptTokens:     summary.InputTokens,
			CompletionTokens: summary.OutputTokens,
			TotalTokens:      summary.TotalTokens,
		}
	}
	return &Completion{
		Response:   resp,
		Usage:      summary,
		Strategy:   res.Usage.Strategy,
		Detections: detections,
		Sanitized:  sanitized,
		Recalled:   recalled,
	}, nil
}

// Models returns the aggregated model list across providers.
func (b *Broker) Models(ctx context.Context) []string {
	return b.router.Models(ctx)
}
