package provider

import "errors"

// ErrUnknownModel is returned when a model id is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Model is one selectable chat model.
type Model struct {
	// ID is what clients send, e.g. "claude-3-haiku".
	ID string `json:"id" yaml:"id"`
	// DisplayName is shown in the model picker.
	DisplayName string `json:"display_name" yaml:"display_name"`
	// Provider is the registered provider that serves the model.
	Provider string `json:"provider" yaml:"provider"`
	// Upstream is the model name sent to the provider API.
	Upstream string `json:"-" yaml:"upstream"`
}

// Catalog is an ordered, fixed list of models.
type Catalog struct {
	models []Model
	byID   map[string]Model
}

// DefaultModels is the built-in model list.
var DefaultModels = []Model{
	{ID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Provider: "openai", Upstream: "gpt-3.5-turbo"},
	{ID: "gpt-4o-mini", DisplayName: "GPT-4o Mini", Provider: "openai", Upstream: "gpt-4o-mini"},
	{ID: "claude-3-haiku", DisplayName: "Claude 3 Haiku", Provider: "anthropic", Upstream: "claude-3-haiku-20240307"},
	{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", Provider: "gemini", Upstream: "gemini-1.5-pro"},
}

// NewCatalog builds a catalog; later duplicates of an id are ignored.
func NewCatalog(models []Model) *Catalog {
	c := &Catalog{byID: make(map[string]Model, len(models))}
	for _, m := range models {
		if _, dup := c.byID[m.ID]; dup {
			continue
		}
		if m.Upstream == "" {
			m.Upstream = m.ID
		}
		c.models = append(c.models, m)
		c.byID[m.ID] = m
	}
	return c
}

// DefaultCatalog returns a catalog of DefaultModels.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultModels)
}

// Lookup finds a model by id.
func (c *Catalog) Lookup(id string) (Model, error) {
	m, ok := c.byID[id]
	if !ok {
		return Model{}, ErrUnknownModel
	}
	return m, nil
}

// Models returns the models in catalog order.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// IDs returns the model ids in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.models))
	for i, m := range c.models {
		ids[i] = m.ID
	}
	return ids
}

// Providers returns the distinct provider names used by the catalog.
func (c *Catalog) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range c.models {
		if !seen[m.Provider] {
			seen[m.Provider] = true
			out = append(out, m.Provider)
		}
	}
	return out
}
