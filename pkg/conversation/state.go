package conversation

import (
	"encoding/json"
	"fmt"
)

// Options configures how a State seeds and bounds conversations.
type Options struct {
	// SystemPrompt is the preamble of every conversation.
	SystemPrompt string
	// MaxHistory caps the non-system messages kept per conversation.
	// Zero means unbounded.
	MaxHistory int
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		SystemPrompt: DefaultSystemPrompt,
		MaxHistory:   50,
	}
}

// State is everything a single client session stores. It is not safe for
// concurrent use; the session layer serializes access per session id.
type State struct {
	Conversations       map[string]*Conversation `json:"conversations"`
	EncryptedCredential []byte                   `json:"encrypted_credential,omitempty"`
	CredentialProvider  string                   `json:"credential_provider,omitempty"`

	opts     Options
	modified bool
}

// NewState returns an empty state.
func NewState(opts Options) *State {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	return &State{
		Conversations: make(map[string]*Conversation),
		opts:          opts,
	}
}

// Decode restores a State from its persisted JSON form.
func Decode(data []byte, opts Options) (*State, error) {
	s := NewState(opts)
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if s.Conversations == nil {
		s.Conversations = make(map[string]*Conversation)
	}
	return s, nil
}

// Encode serializes the state for persistence.
func (s *State) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	return data, nil
}

// Options returns the state's options.
func (s *State) Options() Options {
	return s.opts
}

// Modified reports whether the state changed since it was loaded.
func (s *State) Modified() bool {
	return s.modified
}

// ClearModified resets the modified flag after the state was persisted.
func (s *State) ClearModified() {
	s.modified = false
}

// MarkModified forces the state to be written back.
func (s *State) MarkModified() {
	s.modified = true
}

func (s *State) seed() []Message {
	return []Message{{Role: RoleSystem, Content: s.opts.SystemPrompt}}
}

// Get returns the conversation with the given id, if any.
func (s *State) Get(id string) (*Conversation, bool) {
	c, ok := s.Conversations[id]
	return c, ok
}

// GetOrCreate returns the conversation for id, creating one seeded with the
// system preamble. The returned conversation is never empty.
func (s *State) GetOrCreate(id string) *Conversation {
	if c, ok := s.Conversations[id]; ok {
		if len(c.Messages) == 0 {
			c.Messages = s.seed()
			s.modified = true
		}
		return c
	}

	c := &Conversation{ID: id, Messages: s.seed()}
	s.Conversations[id] = c
	s.modified = true
	return c
}

// Append adds one message to the conversation, creating it if needed, and
// trims the history to MaxHistory.
func (s *State) Append(id string, role Role, content string) {
	c := s.GetOrCreate(id)
	c.Messages = append(c.Messages, Message{Role: role, Content: content})
	c.Messages = window(c.Messages, s.opts.MaxHistory)
	s.modified = true
}

// WithMessage returns the conversation as it would read after appending one
// message, without changing the state. A missing conversation starts from
// the system preamble.
func (s *State) WithMessage(id string, role Role, content string) []Message {
	var msgs []Message
	if c, ok := s.Conversations[id]; ok && len(c.Messages) > 0 {
		msgs = c.Snapshot()
	} else {
		msgs = s.seed()
	}
	msgs = append(msgs, Message{Role: role, Content: content})
	return window(msgs, s.opts.MaxHistory)
}

// Reset replaces a conversation's history with the system preamble. It does
// nothing when the conversation does not exist.
func (s *State) Reset(id string) bool {
	c, ok := s.Conversations[id]
	if !ok {
		return false
	}
	c.Messages = s.seed()
	s.modified = true
	return true
}

// ResetAll drops every conversation.
func (s *State) ResetAll() {
	s.Conversations = make(map[string]*Conversation)
	s.modified = true
}

// SetCredential stores an encrypted credential and the provider it is for.
func (s *State) SetCredential(ciphertext []byte, provider string) {
	s.EncryptedCredential = append([]byte(nil), ciphertext...)
	s.CredentialProvider = provider
	s.modified = true
}

// ClearCredential removes the stored credential.
func (s *State) ClearCredential() {
	if len(s.EncryptedCredential) == 0 && s.CredentialProvider == "" {
		return
	}
	s.EncryptedCredential = nil
	s.CredentialProvider = ""
	s.modified = true
}

// Credential returns the stored ciphertext and its provider.
func (s *State) Credential() ([]byte, string) {
	return s.EncryptedCredential, s.CredentialProvider
}

// HasCredential reports whether a credential ciphertext is stored.
func (s *State) HasCredential() bool {
	return len(s.EncryptedCredential) > 0
}

// window drops the oldest non-system messages so at most max remain after the
// leading system message. max <= 0 disables trimming.
func window(msgs []Message, max int) []Message {
	if max <= 0 {
		return msgs
	}

	head := 0
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		head = 1
	}
	excess := len(msgs) - head - max
	if excess <= 0 {
		return msgs
	}

	out := make([]Message, 0, head+max)
	out = append(out, msgs[:head]...)
	return append(out, msgs[head+excess:]...)
}
