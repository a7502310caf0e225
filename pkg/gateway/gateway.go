// Package gateway sends a conversation to the provider that serves a model
// and returns the reply text.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/megbot-dev/megbot/internal/observability"
	"github.com/megbot-dev/megbot/pkg/conversation"
	"github.com/megbot-dev/megbot/pkg/llm/provider"
	metrics "github.com/megbot-dev/megbot/pkg/observability"
)

// DefaultMaxTokens bounds the reply length when the caller passes 0.
const DefaultMaxTokens = 500

// Credential is a caller-supplied API key and the provider it belongs to.
type Credential struct {
	APIKey   string
	Provider string
}

// GatewayError reports a failed completion call.
type GatewayError struct {
	Model    string
	Provider string
	Message  string
	Err      error
}

func (e *GatewayError) Error() string {
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Options configures a Gateway.
type Options struct {
	// ServerKeys maps provider name to the key used when the caller has none.
	ServerKeys map[string]string
	// BaseURLs maps provider name to an endpoint override.
	BaseURLs map[string]string
	// Timeout bounds each upstream call; 0 means no bound beyond ctx.
	Timeout time.Duration
	// MaxTokens is used when Complete is called with maxTokens <= 0.
	MaxTokens int
	// Temperature is passed through to the provider.
	Temperature float64
	// HTTPClient is handed to providers.
	HTTPClient *http.Client
	// NewProvider builds a provider; defaults to provider.New.
	NewProvider func(name string, cfg provider.Config) (provider.Provider, error)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Gateway is safe for concurrent use.
type Gateway struct {
	catalog *provider.Catalog
	opts    Options
	logger  *slog.Logger
}

// New creates a gateway over a model catalog.
func New(catalog *provider.Catalog, opts Options) *Gateway {
	if catalog == nil {
		catalog = provider.DefaultCatalog()
	}
	if opts.NewProvider == nil {
		opts.NewProvider = provider.New
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{catalog: catalog, opts: opts, logger: logger.With("component", "gateway")}
}

// Catalog returns the model catalog.
func (g *Gateway) Catalog() *provider.Catalog {
	return g.catalog
}

// HasServerKey reports whether a default key is configured for a provider.
func (g *Gateway) HasServerKey(providerName string) bool {
	return g.opts.ServerKeys[providerName] != ""
}

// Complete sends messages to the provider serving model. cred is used when
// it belongs to that provider; otherwise the server key for the provider is
// used. Every failure is returned as *GatewayError.
func (g *Gateway) Complete(ctx context.Context, model string, messages []conversation.Message, cred *Credential, maxTokens int) (reply string, err error) {
	m, err := g.catalog.Lookup(model)
	if err != nil {
		return "", &GatewayError{Model: model, Message: fmt.Sprintf("unknown model %q", model), Err: err}
	}

	ctx, span := observability.StartSpan(ctx, "gateway.complete",
		attribute.String("model", m.ID),
		attribute.String("provider", m.Provider),
		attribute.Int("messages", len(messages)),
	)
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = errorCode(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordGatewayCall(m.ID, m.Provider, outcome, time.Since(start))
		span.End()
	}()

	apiKey, source := g.resolveKey(m.Provider, cred)
	if apiKey == "" {
		return "", &GatewayError{
			Model:    m.ID,
			Provider: m.Provider,
			Message:  fmt.Sprintf("no API key configured for %s", m.Provider),
			Err:      provider.ErrMissingAPIKey,
		}
	}
	span.SetAttributes(attribute.String("key_source", source))

	p, err := g.opts.NewProvider(m.Provider, provider.Config{
		APIKey:     apiKey,
		BaseURL:    g.opts.BaseURLs[m.Provider],
		HTTPClient: g.opts.HTTPClient,
	})
	if err != nil {
		return "", &GatewayError{Model: m.ID, Provider: m.Provider, Message: err.Error(), Err: err}
	}

	if maxTokens <= 0 {
		maxTokens = g.opts.MaxTokens
	}
	req := provider.CompletionRequest{
		Messages:    toProviderMessages(messages),
		Model:       m.Upstream,
		MaxTokens:   maxTokens,
		Temperature: g.opts.Temperature,
	}

	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	resp, err := g.call(ctx, p, req)
	if err != nil {
		g.logger.Warn("completion failed", "model", m.ID, "provider", m.Provider, "error", err)
		return "", &GatewayError{Model: m.ID, Provider: m.Provider, Message: errorMessage(err), Err: err}
	}

	metrics.RecordTokens(m.ID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	g.logger.Debug("completion succeeded",
		"model", m.ID,
		"key_source", source,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start),
	)
	return resp.Content, nil
}

// call invokes the provider once, converting a panic into an error.
func (g *Gateway) call(ctx context.Context, p provider.Provider, req provider.CompletionRequest) (resp *provider.CompletionResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("provider panicked", "provider", p.Name(), "panic", r)
			resp, err = nil, fmt.Errorf("provider %s failed unexpectedly: %v", p.Name(), r)
		}
	}()

	resp, err = p.CreateCompletion(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("provider %s returned no response", p.Name())
	}
	return resp, err
}

func (g *Gateway) resolveKey(providerName string, cred *Credential) (key, source string) {
	if cred != nil && cred.APIKey != "" && cred.Provider == providerName {
		return cred.APIKey, "user"
	}
	if k := g.opts.ServerKeys[providerName]; k != "" {
		return k, "server"
	}
	return "", ""
}

func toProviderMessages(msgs []conversation.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func errorMessage(err error) string {
	var provErr *provider.ProviderError
	if errors.As(err, &provErr) && provErr.Message != "" {
		return provErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the completion service did not respond in time"
	}
	return err.Error()
}

func errorCode(err error) string {
	var provErr *provider.ProviderError
	if errors.As(err, &provErr) && provErr.Code != "" {
		return provErr.Code
	}
	switch {
	case errors.Is(err, provider.ErrUnknownModel):
		return provider.ErrorCodeModelNotFound
	case errors.Is(err, provider.ErrMissingAPIKey):
		return provider.ErrorCodeAuthentication
	case errors.Is(err, context.DeadlineExceeded):
		return provider.ErrorCodeTimeout
	}
	return provider.ErrorCodeUnknown
}
