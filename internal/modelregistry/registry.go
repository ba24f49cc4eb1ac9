// Package modelregistry implements the Model Registry (C2): a CRUD store of
// named model configurations plus the resolution order an Agent Manager
// uses to turn a caller's modelId/settings pair into concrete
// ModelSettings, with usage accounting for "is this model in use" checks.
package modelregistry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/eventbus"
	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

// Event types emitted on the owning Agent Manager's bus.
const (
	EventModelAdded   kernelproto.EventType = "MODEL_ADDED"
	EventModelRemoved kernelproto.EventType = "MODEL_REMOVED"
	EventModelUpdated kernelproto.EventType = "MODEL_UPDATED"
)

// ModelSettings describes how to talk to a chat-completion endpoint. It has
// value semantics: callers get a Clone so mutation never leaks back into
// the registry.
type ModelSettings struct {
	Model       string  `json:"model"`
	BaseURL     string  `json:"baseURL"`
	APIKey      string  `json:"apiKey,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
}

// Clone returns a value copy of s. ModelSettings has no reference-typed
// fields, so a plain dereference-and-return suffices; Clone exists so call
// sites read the same way the teacher's copy-on-read stores do.
func (s ModelSettings) Clone() ModelSettings {
	return s
}

// key returns the (model, baseURL) equality key used for usage accounting.
func (s ModelSettings) key() pairKey {
	return pairKey{model: s.Model, baseURL: s.BaseURL}
}

// Redacted returns a copy of s with APIKey replaced by a fixed placeholder,
// safe to log or report.
func (s ModelSettings) Redacted() ModelSettings {
	r := s
	if r.APIKey != "" {
		r.APIKey = "***"
	}
	return r
}

type pairKey struct {
	model   string
	baseURL string
}

// Entry is a named, registered ModelSettings plus its usage timestamps.
type Entry struct {
	ID       string
	Settings ModelSettings
	Created  time.Time
	LastUsed *time.Time
}

// Clone returns a deep-enough copy of e: Settings is a value type already,
// and LastUsed (if set) is copied to a fresh pointer so callers cannot
// mutate the registry's stamped time through it.
func (e Entry) Clone() Entry {
	out := e
	if e.LastUsed != nil {
		t := *e.LastUsed
		out.LastUsed = &t
	}
	return out
}

// UsageCounter reports how many agents currently resolve to a given
// (model, baseURL) pair. The Agent Manager implements this; the registry
// depends only on the interface so it never imports the agent package.
type UsageCounter interface {
	CountAgentsUsing(model, baseURL string) int
}

// Stat is one row of getModelStats output.
type Stat struct {
	Entry       Entry
	AgentsUsing int
}

// Registry is the Model Registry (C2).
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Entry

	bus   *eventbus.Bus
	usage UsageCounter

	allowCustomModels bool
	allowedModels     map[string]bool // nil means "no restriction"
	defaultModelID    string
	defaultSettings   ModelSettings
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithBus attaches the event bus that addModel/removeModel/updateModel
// publish to. Without one, mutations are silent.
func WithBus(bus *eventbus.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithUsageCounter wires the collaborator used to answer "is this model in
// use" during removeModel and to compute getModelStats.
func WithUsageCounter(u UsageCounter) Option {
	return func(r *Registry) { r.usage = u }
}

// WithAllowCustomModels sets whether resolveModelSettings accepts raw,
// unregistered ModelSettings. Defaults to true.
func WithAllowCustomModels(allow bool) Option {
	return func(r *Registry) { r.allowCustomModels = allow }
}

// WithAllowedModels restricts resolveModelSettings-by-id to the given set.
// A nil or empty slice means no restriction.
func WithAllowedModels(ids []string) Option {
	return func(r *Registry) {
		if len(ids) == 0 {
			r.allowedModels = nil
			return
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		r.allowedModels = set
	}
}

// WithDefaultModelID sets the id resolveModelSettings falls back to when
// neither a modelId nor raw settings are given.
func WithDefaultModelID(id string) Option {
	return func(r *Registry) { r.defaultModelID = id }
}

// WithDefaultModelSettings sets the ambient settings used as the final
// fallback of resolveModelSettings.
func WithDefaultModelSettings(s ModelSettings) Option {
	return func(r *Registry) { r.defaultSettings = s }
}

// New builds a Registry with allowCustomModels defaulted to true, matching
// the Agent Manager's default.
func New(opts ...Option) *Registry {
	r := &Registry{
		models:            make(map[string]*Entry),
		allowCustomModels: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddModel inserts a new entry. Returns false if id already exists.
func (r *Registry) AddModel(id string, settings ModelSettings) bool {
	r.mu.Lock()
	if _, exists := r.models[id]; exists {
		r.mu.Unlock()
		return false
	}
	entry := &Entry{ID: id, Settings: settings, Created: time.Now()}
	r.models[id] = entry
	r.mu.Unlock()

	r.emit(EventModelAdded, entry.Clone())
	return true
}

// RemoveModel deletes an entry. Returns false if absent. Returns a
// KindDomain error ("model in use") if any agent currently resolves to its
// (model, baseURL) pair.
func (r *Registry) RemoveModel(id string) (bool, error) {
	r.mu.Lock()
	entry, exists := r.models[id]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}

	var inUseCount int
	if r.usage != nil {
		inUseCount = r.usage.CountAgentsUsing(entry.Settings.Model, entry.Settings.BaseURL)
	}
	if inUseCount > 0 {
		r.mu.Unlock()
		return false, apperrors.Domain("modelregistry", "removeModel",
			fmt.Sprintf("Cannot remove model %s: it is being used by %d agent(s)", id, inUseCount), nil)
	}

	delete(r.models, id)
	r.mu.Unlock()

	r.emit(EventModelRemoved, entry.Clone())
	return true, nil
}

// UpdateModel replaces an entry's settings in place. Returns false if
// absent. Does not alter already-resolved settings held by existing
// agents — those were handed out as copies.
func (r *Registry) UpdateModel(id string, settings ModelSettings) bool {
	r.mu.Lock()
	entry, exists := r.models[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	old := entry.Clone()
	entry.Settings = settings
	updated := entry.Clone()
	r.mu.Unlock()

	r.emit(EventModelUpdated, struct {
		Old Entry `json:"old"`
		New Entry `json:"new"`
	}{Old: old, New: updated})
	return true
}

// GetModel returns a copy of the entry, or false if absent.
func (r *Registry) GetModel(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.models[id]
	if !exists {
		return Entry{}, false
	}
	return entry.Clone(), true
}

// HasModel reports whether id is registered.
func (r *Registry) HasModel(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.models[id]
	return exists
}

// ListModels returns copies of every entry, sorted by id for determinism.
func (r *Registry) ListModels() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.models))
	for _, entry := range r.models {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveModelSettings implements the four-branch resolution order from
// the spec: explicit settings, then modelId, then the configured default
// id, then the ambient default settings.
func (r *Registry) ResolveModelSettings(modelID string, settings *ModelSettings) (ModelSettings, error) {
	if settings != nil {
		if !r.allowCustomModels {
			return ModelSettings{}, apperrors.Validation("modelregistry", "resolveModelSettings",
				"Custom model settings are not allowed. Use a model ID from the registry.")
		}
		return settings.Clone(), nil
	}

	if modelID != "" {
		return r.resolveByID(modelID)
	}

	r.mu.RLock()
	defaultID := r.defaultModelID
	r.mu.RUnlock()
	if defaultID != "" {
		return r.resolveByID(defaultID)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultSettings.Clone(), nil
}

// resolveByID looks up modelID, applying the allowedModels restriction,
// and stamps LastUsed on success.
func (r *Registry) resolveByID(modelID string) (ModelSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allowedModels != nil && !r.allowedModels[modelID] {
		return ModelSettings{}, apperrors.Validation("modelregistry", "resolveModelSettings",
			fmt.Sprintf("model %q is not in the allowed models list", modelID))
	}

	entry, exists := r.models[modelID]
	if !exists {
		return ModelSettings{}, apperrors.NotFound("modelregistry", "resolveModelSettings",
			fmt.Sprintf("model %q is not registered", modelID))
	}

	now := time.Now()
	entry.LastUsed = &now
	return entry.Settings.Clone(), nil
}

// GetModelStats returns one Stat per entry, sorted by (agentsUsing desc,
// lastUsed desc, created desc).
func (r *Registry) GetModelStats() []Stat {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.models))
	for _, entry := range r.models {
		entries = append(entries, entry.Clone())
	}
	r.mu.RUnlock()

	stats := make([]Stat, 0, len(entries))
	for _, entry := range entries {
		var count int
		if r.usage != nil {
			count = r.usage.CountAgentsUsing(entry.Settings.Model, entry.Settings.BaseURL)
		}
		stats = append(stats, Stat{Entry: entry, AgentsUsing: count})
	}

	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.AgentsUsing != b.AgentsUsing {
			return a.AgentsUsing > b.AgentsUsing
		}
		at, bt := lastUsedOrCreated(a.Entry), lastUsedOrCreated(b.Entry)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.Entry.Created.After(b.Entry.Created)
	})
	return stats
}

func lastUsedOrCreated(e Entry) time.Time {
	if e.LastUsed != nil {
		return *e.LastUsed
	}
	return e.Created
}

func (r *Registry) emit(eventType kernelproto.EventType, data interface{}) {
	if r.bus != nil {
		r.bus.Emit(eventType, data)
	}
}
