package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megbot-dev/megbot/pkg/conversation"
	"github.com/megbot-dev/megbot/pkg/gateway"
	"github.com/megbot-dev/megbot/pkg/vault"
)

type completeCall struct {
	model    string
	messages []conversation.Message
	cred     *gateway.Credential
}

type fakeCompleter struct {
	reply string
	err   error
	calls []completeCall
}

func (f *fakeCompleter) Complete(ctx context.Context, model string, messages []conversation.Message, cred *gateway.Credential, maxTokens int) (string, error) {
	f.calls = append(f.calls, completeCall{model: model, messages: messages, cred: cred})
	return f.reply, f.err
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakeCompleter, *vault.Vault) {
	t.Helper()
	key, err := vault.NewKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	fc := &fakeCompleter{reply: "Hello! How can I help?"}
	return NewService(cfg, nil, fc, v, nil), fc, v
}

func newState() *conversation.State {
	return conversation.NewState(conversation.DefaultOptions())
}

func TestSendMessage_RequiresCredential(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	st := newState()

	_, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi", Model: "gpt-3.5-turbo", ChatID: "c1"})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, MsgCredentialRequired, vErr.Message)
	assert.Empty(t, fc.calls)
	assert.Empty(t, st.Conversations)
	assert.False(t, st.Modified())
}

func TestSendMessage_AppendsUserAndReply(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	st := newState()
	require.NoError(t, svc.SaveCredential(st, "sk-user", "openai"))

	st.Append("c1", conversation.RoleUser, "earlier")
	st.Append("c1", conversation.RoleAssistant, "earlier reply")
	before := svc.History(st, "c1")

	reply, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "  hi  ", Model: "gpt-4o-mini", ChatID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", reply)

	want := append(before,
		conversation.Message{Role: conversation.RoleUser, Content: "  hi  "},
		conversation.Message{Role: conversation.RoleAssistant, Content: "Hello! How can I help?"},
	)
	assert.Equal(t, want, svc.History(st, "c1"))

	require.Len(t, fc.calls, 1)
	assert.Equal(t, "gpt-4o-mini", fc.calls[0].model)
	assert.Equal(t, &gateway.Credential{APIKey: "sk-user", Provider: "openai"}, fc.calls[0].cred)
	assert.Len(t, fc.calls[0].messages, 4, "gateway sees full history plus the new user message")
}

func TestSendMessage_EmptyMessage(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	st := newState()

	for _, msg := range []string{"", "   ", "\n\t"} {
		reply, err := svc.SendMessage(context.Background(), st, SendRequest{Message: msg, ChatID: "c1"})
		require.NoError(t, err)
		assert.Empty(t, reply)
	}
	assert.Empty(t, fc.calls)
	assert.Empty(t, st.Conversations)
	assert.False(t, st.Modified())
}

func TestSendMessage_MissingChatID(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	st := newState()

	_, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, MsgChatIDRequired, vErr.Message)
	assert.Empty(t, fc.calls)
	assert.False(t, st.Modified())
}

func TestSendMessage_UnknownModel(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	st := newState()

	_, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi", Model: "gpt-9", ChatID: "c1"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "model", vErr.Field)
	assert.Empty(t, fc.calls)
}

func TestSendMessage_DefaultModelAndServerKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireCredential = false
	cfg.DefaultModel = "claude-3-haiku"
	svc, fc, _ := newTestService(t, cfg)
	st := newState()

	_, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi", ChatID: "c1"})
	require.NoError(t, err)
	require.Len(t, fc.calls, 1)
	assert.Equal(t, "claude-3-haiku", fc.calls[0].model)
	assert.Nil(t, fc.calls[0].cred)
}

func TestSendMessage_CredentialForOtherProvider(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	st := newState()
	require.NoError(t, svc.SaveCredential(st, "gm-key", "gemini"))
	st.ClearModified()

	_, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi", Model: "gpt-3.5-turbo", ChatID: "c1"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Empty(t, fc.calls)
	assert.False(t, st.Modified())

	_, err = svc.SendMessage(context.Background(), st, SendRequest{Message: "hi", Model: "gemini-1.5-pro", ChatID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "gm-key", fc.calls[0].cred.APIKey)
}

func TestSendMessage_UndecryptableCredential(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	st := newState()
	st.SetCredential([]byte("not a real ciphertext at all, far too weird"), "openai")
	st.ClearModified()

	_, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi", Model: "gpt-3.5-turbo", ChatID: "c1"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, MsgCredentialRequired, vErr.Message)
	assert.Empty(t, fc.calls)
	assert.False(t, st.Modified())
}

func TestSendMessage_GatewayFailure(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	fc.err = &gateway.GatewayError{Model: "gpt-3.5-turbo", Provider: "openai", Message: "Rate limit reached"}
	st := newState()
	require.NoError(t, svc.SaveCredential(st, "sk-user", ""))
	st.ClearModified()

	_, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi", Model: "gpt-3.5-turbo", ChatID: "c1"})
	var gwErr *gateway.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "Rate limit reached", gwErr.Message)

	assert.Nil(t, svc.History(st, "c1"))
	assert.False(t, st.Modified())

	// A retry sends one user turn and stores exactly one.
	fc.err = nil
	reply, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi again", Model: "gpt-3.5-turbo", ChatID: "c1"})
	require.NoError(t, err)

	require.Len(t, fc.calls, 2)
	assert.Equal(t, []conversation.Message{
		{Role: conversation.RoleSystem, Content: conversation.DefaultSystemPrompt},
		{Role: conversation.RoleUser, Content: "hi again"},
	}, fc.calls[1].messages)
	assert.Equal(t, []conversation.Message{
		{Role: conversation.RoleSystem, Content: conversation.DefaultSystemPrompt},
		{Role: conversation.RoleUser, Content: "hi again"},
		{Role: conversation.RoleAssistant, Content: reply},
	}, svc.History(st, "c1"))
}

func TestSendMessage_PlainErrorBecomesGatewayError(t *testing.T) {
	svc, fc, _ := newTestService(t, DefaultConfig())
	fc.err = errors.New("connection refused")
	st := newState()
	require.NoError(t, svc.SaveCredential(st, "sk-user", "openai"))

	_, err := svc.SendMessage(context.Background(), st, SendRequest{Message: "hi", Model: "gpt-3.5-turbo", ChatID: "c1"})
	var gwErr *gateway.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "connection refused", gwErr.Error())
}

func TestSaveCredential(t *testing.T) {
	svc, _, v := newTestService(t, DefaultConfig())
	st := newState()

	err := svc.SaveCredential(st, "   ", "openai")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.False(t, st.Modified())
	assert.False(t, st.HasCredential())

	err = svc.SaveCredential(st, "key", "cohere")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "provider", vErr.Field)
	assert.False(t, st.Modified())

	require.NoError(t, svc.SaveCredential(st, "sk-secret", ""))
	assert.True(t, st.Modified())
	ciphertext, prov := st.Credential()
	assert.Equal(t, "openai", prov)
	assert.NotContains(t, string(ciphertext), "sk-secret")

	plain, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)
}

func TestSaveCredential_NoVaultKey(t *testing.T) {
	svc := NewService(DefaultConfig(), nil, &fakeCompleter{}, (*vault.Vault)(nil), nil)
	st := newState()

	err := svc.SaveCredential(st, "sk", "openai")
	var cErr *vault.CryptoError
	require.ErrorAs(t, err, &cErr)
	assert.False(t, st.HasCredential())
}

func TestClearHistory(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultConfig())
	st := newState()
	st.Append("c1", conversation.RoleUser, "one")
	st.Append("c2", conversation.RoleUser, "two")
	c2Before := svc.History(st, "c2")

	assert.Equal(t, MsgHistoryCleared, svc.ClearHistory(st, "c1"))
	assert.Equal(t, []conversation.Message{{Role: conversation.RoleSystem, Content: conversation.DefaultSystemPrompt}}, svc.History(st, "c1"))
	assert.Equal(t, c2Before, svc.History(st, "c2"))

	st.ClearModified()
	assert.Equal(t, MsgHistoryCleared, svc.ClearHistory(st, "missing"))
	assert.False(t, st.Modified())
	assert.Nil(t, svc.History(st, "missing"))

	assert.Equal(t, MsgAllHistoryCleared, svc.ClearHistory(st, ""))
	assert.Empty(t, st.Conversations)
	assert.True(t, st.Modified())
}

func TestIndex(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultConfig())
	st := newState()

	view := svc.Index(st)
	assert.False(t, view.CredentialConfigured)
	assert.Len(t, view.Models, 4)
	assert.Equal(t, "gpt-3.5-turbo", view.DefaultModel)

	require.NoError(t, svc.SaveCredential(st, "k", "anthropic"))
	view = svc.Index(st)
	assert.True(t, view.CredentialConfigured)
	assert.Equal(t, "anthropic", view.CredentialProvider)
}
