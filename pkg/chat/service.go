// Package chat runs one chat request against a session's state: it validates
// input, resolves the caller's credential, records the user message, asks the
// completion gateway for a reply, and records that reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/megbot-dev/megbot/pkg/conversation"
	"github.com/megbot-dev/megbot/pkg/gateway"
	"github.com/megbot-dev/megbot/pkg/llm/provider"
	"github.com/megbot-dev/megbot/pkg/observability"
)

// Completer produces an assistant reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, model string, messages []conversation.Message, cred *gateway.Credential, maxTokens int) (string, error)
}

// Sealer encrypts and decrypts credentials.
type Sealer interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(ciphertext []byte) (string, error)
}

// Config controls request handling.
type Config struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"default_model"`
	// DefaultProvider is assumed when a saved key names no provider.
	DefaultProvider string `yaml:"default_provider"`
	// RequireCredential rejects requests without a user API key for the
	// model's provider.
	RequireCredential bool `yaml:"require_credential"`
	// MaxTokens bounds the reply length.
	MaxTokens int `yaml:"max_tokens"`
	// MaxHistory caps non-system messages kept per conversation; 0 is unbounded.
	MaxHistory int `yaml:"max_history"`
	// SystemPrompt seeds new conversations.
	SystemPrompt string `yaml:"system_prompt"`
}

// DefaultConfig returns the stock request handling settings.
func DefaultConfig() Config {
	return Config{
		DefaultModel:      "gpt-3.5-turbo",
		DefaultProvider:   "openai",
		RequireCredential: true,
		MaxTokens:         gateway.DefaultMaxTokens,
		MaxHistory:        conversation.DefaultOptions().MaxHistory,
		SystemPrompt:      conversation.DefaultSystemPrompt,
	}
}

// ConversationOptions returns the options sessions should build states with.
func (c Config) ConversationOptions() conversation.Options {
	return conversation.Options{SystemPrompt: c.SystemPrompt, MaxHistory: c.MaxHistory}
}

// SendRequest is one user turn.
type SendRequest struct {
	Message string
	Model   string
	ChatID  string
}

// IndexView is what the chat page needs to render.
type IndexView struct {
	Models               []provider.Model
	DefaultModel         string
	CredentialConfigured bool
	CredentialProvider   string
}

// Service is stateless; all per-client data lives in the State passed in.
type Service struct {
	cfg       Config
	catalog   *provider.Catalog
	completer Completer
	vault     Sealer
	logger    *slog.Logger
}

// NewService creates a chat service.
func NewService(cfg Config, catalog *provider.Catalog, completer Completer, vault Sealer, logger *slog.Logger) *Service {
	if catalog == nil {
		catalog = provider.DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "openai"
	}
	return &Service{
		cfg:       cfg,
		catalog:   catalog,
		completer: completer,
		vault:     vault,
		logger:    logger.With("component", "chat"),
	}
}

// Catalog returns the models the service accepts.
func (s *Service) Catalog() *provider.Catalog {
	return s.catalog
}

// SendMessage records the user message, asks the gateway for a reply and
// records the reply. A blank message is a no-op returning "". Validation
// failures and gateway failures leave st untouched; the latter return a
// *gateway.GatewayError.
func (s *Service) SendMessage(ctx context.Context, st *conversation.State, req SendRequest) (string, error) {
	message := req.Message
	if strings.TrimSpace(message) == "" {
		return "", nil
	}
	if strings.TrimSpace(req.ChatID) == "" {
		return "", invalid("chat_id", MsgChatIDRequired)
	}

	modelID := req.Model
	if modelID == "" {
		modelID = s.cfg.DefaultModel
	}
	model, err := s.catalog.Lookup(modelID)
	if err != nil {
		return "", invalid("model", fmt.Sprintf("unknown model %q", modelID))
	}

	cred := s.credentialFor(st, model.Provider)
	if cred == nil && s.cfg.RequireCredential {
		return "", invalid("api_key", MsgCredentialRequired)
	}

	// The turn is recorded only once the gateway has answered.
	pending := st.WithMessage(req.ChatID, conversation.RoleUser, message)

	reply, err := s.completer.Complete(ctx, model.ID, pending, cred, s.cfg.MaxTokens)
	if err != nil {
		var gwErr *gateway.GatewayError
		if !errors.As(err, &gwErr) {
			gwErr = &gateway.GatewayError{Model: model.ID, Provider: model.Provider, Message: err.Error(), Err: err}
		}
		s.logger.Error("error generating response", "chat_id", req.ChatID, "model", model.ID, "error", err)
		return "", gwErr
	}

	st.Append(req.ChatID, conversation.RoleUser, message)
	st.Append(req.ChatID, conversation.RoleAssistant, reply)
	return reply, nil
}

// credentialFor decrypts the session credential when it belongs to
// providerName. Decrypt failures are logged and treated as absent.
func (s *Service) credentialFor(st *conversation.State, providerName string) *gateway.Credential {
	ciphertext, credProvider := st.Credential()
	if len(ciphertext) == 0 {
		return nil
	}
	if credProvider == "" {
		credProvider = s.cfg.DefaultProvider
	}
	if credProvider != providerName {
		return nil
	}

	if s.vault == nil {
		return nil
	}
	apiKey, err := s.vault.Decrypt(ciphertext)
	if err != nil {
		observability.RecordCryptoFailure("decrypt")
		s.logger.Warn("stored API key could not be decrypted", "error", err)
		return nil
	}
	return &gateway.Credential{APIKey: apiKey, Provider: credProvider}
}

// Index describes the chat page for this session.
func (s *Service) Index(st *conversation.State) IndexView {
	view := IndexView{
		Models:       s.catalog.Models(),
		DefaultModel: s.cfg.DefaultModel,
	}
	if st.HasCredential() {
		view.CredentialConfigured = true
		_, view.CredentialProvider = st.Credential()
		if view.CredentialProvider == "" {
			view.CredentialProvider = s.cfg.DefaultProvider
		}
	}
	return view
}

// ClearHistory resets one conversation, or all of them when chatID is empty,
// and returns the status message.
func (s *Service) ClearHistory(st *conversation.State, chatID string) string {
	if chatID != "" {
		st.Reset(chatID)
		return MsgHistoryCleared
	}
	st.ResetAll()
	return MsgAllHistoryCleared
}

// SaveCredential encrypts apiKey and stores it in st for providerName.
func (s *Service) SaveCredential(st *conversation.State, apiKey, providerName string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return invalid("api_key", MsgAPIKeyRequired)
	}
	if providerName == "" {
		providerName = s.cfg.DefaultProvider
	}
	if !s.knownProvider(providerName) {
		return invalid("provider", fmt.Sprintf("unknown provider %q", providerName))
	}

	if s.vault == nil {
		return errors.New("save api key: no vault configured")
	}
	ciphertext, err := s.vault.Encrypt(apiKey)
	if err != nil {
		observability.RecordCryptoFailure("encrypt")
		return fmt.Errorf("save api key: %w", err)
	}
	st.SetCredential(ciphertext, providerName)
	s.logger.Info("API key saved", "provider", providerName)
	return nil
}

// History returns a copy of a conversation, or nil if it does not exist.
func (s *Service) History(st *conversation.State, chatID string) []conversation.Message {
	conv, ok := st.Get(chatID)
	if !ok {
		return nil
	}
	return conv.Snapshot()
}

func (s *Service) knownProvider(name string) bool {
	for _, p := range s.catalog.Providers() {
		if p == name {
			return true
		}
	}
	return false
}
