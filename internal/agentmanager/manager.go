package agentmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/convstore"
	"github.com/nexuscore/agentkernel/internal/eventbus"
	"github.com/nexuscore/agentkernel/internal/kernel"
	"github.com/nexuscore/agentkernel/internal/modelregistry"
	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

// namespaceSeparator is the character forbidden in a raw AgentConfig.ID
// and used to compose the effective id "namespace:id".
const namespaceSeparator = ":"

const (
	defaultMaxAgents             = 50
	defaultMaxAgentsPerNamespace = 10
	defaultMaxSteps              = 10
	defaultMaxStepsCap           = 10
	defaultAgentDataDirectory    = "./agent_data"
	defaultListenerCap           = 100
)

// KernelManager is the contract the Agent Manager consumes from a Kernel
// Manager, per spec §4.4's "represent the untyped kernelManager_ field as a
// trait/interface, inject via constructor or setter" redesign note.
// internal/kernelmanager.Adapter satisfies this interface structurally;
// agentmanager never imports that package, avoiding a dependency cycle and
// letting tests supply a fake.
// KernelManager's methods take only primitive and internal/kernel types
// (never a kernelmanager-defined struct) so that *kernelmanager.Manager
// can satisfy it via a thin adapter (kernelmanager.Adapter) without either
// package importing the other's option types.
type KernelManager interface {
	CreateKernel(ctx context.Context, lang string, env map[string]*string, filesystem *kernel.FilesystemMount) (string, error)
	GetKernel(id string) (*kernel.Kernel, bool)
	DestroyKernel(id string) error
}

// Manager is the quota, namespace, and model-resolution control plane over
// a live map of Agents. Grounded on internal/multiagent's
// MultiAgentConfig/ValidateConfig duplicate-id/missing-target validation
// idiom, generalized from a static handoff-routing config into a mutable,
// concurrently-read agent map.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent // keyed by effective id

	maxAgents             int
	maxAgentsPerNamespace int
	defaultModelSettings  modelregistry.ModelSettings
	defaultModelID        string
	defaultMaxSteps       int
	maxStepsCap           int
	agentDataDirectory    string
	autoSaveConversations bool
	defaultKernelType     KernelType

	modelRegistry *modelregistry.Registry
	kernelManager KernelManager
	convStore     *convstore.Store

	allowedModels     map[string]bool
	allowCustomModels bool

	bus    *eventbus.Bus
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithMaxAgents(n int) Option { return func(m *Manager) { m.maxAgents = n } }
func WithMaxAgentsPerNamespace(n int) Option {
	return func(m *Manager) { m.maxAgentsPerNamespace = n }
}
func WithDefaultModelSettings(s modelregistry.ModelSettings) Option {
	return func(m *Manager) { m.defaultModelSettings = s }
}
func WithDefaultModelID(id string) Option { return func(m *Manager) { m.defaultModelID = id } }
func WithDefaultMaxSteps(n int) Option    { return func(m *Manager) { m.defaultMaxSteps = n } }
func WithMaxStepsCap(n int) Option        { return func(m *Manager) { m.maxStepsCap = n } }
func WithAgentDataDirectory(dir string) Option {
	return func(m *Manager) { m.agentDataDirectory = dir }
}
func WithAutoSaveConversations(b bool) Option {
	return func(m *Manager) { m.autoSaveConversations = b }
}
func WithDefaultKernelType(kt KernelType) Option {
	return func(m *Manager) { m.defaultKernelType = kt }
}
func WithModelRegistry(r *modelregistry.Registry) Option {
	return func(m *Manager) { m.modelRegistry = r }
}
func WithKernelManager(km KernelManager) Option { return func(m *Manager) { m.kernelManager = km } }
func WithConversationStore(store *convstore.Store) Option {
	return func(m *Manager) { m.convStore = store }
}
func WithAllowedModels(models []string) Option {
	return func(m *Manager) {
		set := make(map[string]bool, len(models))
		for _, id := range models {
			set[id] = true
		}
		m.allowedModels = set
	}
}
func WithAllowCustomModels(b bool) Option { return func(m *Manager) { m.allowCustomModels = b } }
func WithBus(bus *eventbus.Bus) Option    { return func(m *Manager) { m.bus = bus } }
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New builds a Manager with spec §4.6's documented defaults.
func New(opts ...Option) *Manager {
	m := &Manager{
		agents:                make(map[string]*Agent),
		maxAgents:             defaultMaxAgents,
		maxAgentsPerNamespace: defaultMaxAgentsPerNamespace,
		defaultMaxSteps:       defaultMaxSteps,
		maxStepsCap:           defaultMaxStepsCap,
		agentDataDirectory:    defaultAgentDataDirectory,
		allowCustomModels:     true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.bus == nil {
		m.bus = eventbus.New(defaultListenerCap, m.logger)
	}
	if m.convStore == nil {
		m.convStore = convstore.New(m.agentDataDirectory, convstore.WithLogger(m.logger))
	}
	return m
}

// Bus returns the Manager's event bus.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

func effectiveID(namespace, id string) string {
	if namespace == "" {
		return id
	}
	return namespace + namespaceSeparator + id
}

// namespacePrefix is what an effective id starts with for a given
// namespace; a plain linear scan over the map keys, acceptable at the
// default 50-agent cap per spec's Design Notes.
func namespacePrefix(namespace string) string {
	return namespace + namespaceSeparator
}

// CreateAgent validates config, enforces quotas, resolves model settings,
// constructs and stores the Agent, and optionally auto-attaches a kernel.
func (m *Manager) CreateAgent(ctx context.Context, cfg AgentConfig) (string, error) {
	if cfg.ID == "" {
		return "", apperrors.Validation("agentmanager", "CreateAgent", "Agent ID cannot be empty")
	}
	if cfg.Name == "" {
		return "", apperrors.Validation("agentmanager", "CreateAgent", "Agent name cannot be empty")
	}
	if strings.Contains(cfg.ID, namespaceSeparator) {
		return "", apperrors.Validation("agentmanager", "CreateAgent", "Agent ID cannot contain colons")
	}

	id := effectiveID(cfg.Namespace, cfg.ID)

	m.mu.Lock()
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return "", apperrors.Duplicate("agentmanager", "CreateAgent", fmt.Sprintf("agent %q already exists", id))
	}
	if len(m.agents) >= m.maxAgents {
		m.mu.Unlock()
		return "", apperrors.Quota("agentmanager", "CreateAgent", fmt.Sprintf("Maximum number of agents (%d) reached", m.maxAgents))
	}
	if cfg.Namespace != "" {
		count := m.countNamespaceLocked(cfg.Namespace)
		if count >= m.maxAgentsPerNamespace {
			m.mu.Unlock()
			return "", apperrors.Quota("agentmanager", "CreateAgent",
				fmt.Sprintf("Maximum number of agents per namespace (%d) reached for namespace %q", m.maxAgentsPerNamespace, cfg.Namespace))
		}
	}
	m.mu.Unlock()

	settings, err := m.resolveSettings(cfg.ModelID, cfg.ModelSettings)
	if err != nil {
		return "", err
	}

	maxSteps := m.defaultMaxSteps
	if cfg.MaxSteps != nil {
		maxSteps = *cfg.MaxSteps
	}
	maxSteps = clamp(maxSteps, m.maxStepsCap)

	agent := newAgent(id, cfg, settings, maxSteps, time.Now())

	m.mu.Lock()
	// Re-check for a duplicate id that raced us between validation and
	// insertion; the lock was released while resolving model settings.
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return "", apperrors.Duplicate("agentmanager", "CreateAgent", fmt.Sprintf("agent %q already exists", id))
	}
	m.agents[id] = agent
	m.mu.Unlock()

	m.bus.Emit(EventAgentCreated, agent.Snapshot())

	if cfg.AutoAttachKernel && cfg.KernelType != "" && m.kernelManager != nil {
		if _, err := m.attachKernelToAgent(ctx, id, cfg.KernelType); err != nil {
			if apperrors.IsAgentStartupError(err) {
				m.mu.Lock()
				delete(m.agents, id)
				m.mu.Unlock()
				return "", err
			}
			m.bus.Emit(EventAgentError, map[string]interface{}{"agentId": id, "error": err.Error()})
		}
	}

	return id, nil
}

// countNamespaceLocked counts agents whose effective id carries namespace's
// prefix. Caller must hold m.mu.
func (m *Manager) countNamespaceLocked(namespace string) int {
	prefix := namespacePrefix(namespace)
	n := 0
	for id := range m.agents {
		if strings.HasPrefix(id, prefix) {
			n++
		}
	}
	return n
}

func (m *Manager) resolveSettings(modelID string, explicit *modelregistry.ModelSettings) (modelregistry.ModelSettings, error) {
	if m.modelRegistry != nil {
		return m.modelRegistry.ResolveModelSettings(modelID, explicit)
	}
	// No registry wired: fall back to ambient defaults, honoring the
	// allow-custom-models flag directly since there is no registry to ask.
	if explicit != nil {
		if !m.allowCustomModels {
			return modelregistry.ModelSettings{}, apperrors.Validation("agentmanager", "resolveSettings", "Custom model settings are not allowed. Use a model ID from the registry.")
		}
		return explicit.Clone(), nil
	}
	return m.defaultModelSettings.Clone(), nil
}

// GetAgent returns the agent stored under id, or false if none.
func (m *Manager) GetAgent(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// AgentExists reports whether id is registered.
func (m *Manager) AgentExists(id string) bool {
	_, ok := m.GetAgent(id)
	return ok
}

// GetAgentIDs returns every registered effective id.
func (m *Manager) GetAgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListedAgent is one row of ListAgents' output: the effective id split back
// into namespace and bare id, per spec §4.6.
type ListedAgent struct {
	ID        string // bare id, namespace prefix stripped
	Namespace string
	Snapshot  Snapshot
}

// ListAgents returns every agent, or only those in namespace when non-nil.
func (m *Manager) ListAgents(namespace *string) []ListedAgent {
	m.mu.RLock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	out := make([]ListedAgent, 0, len(agents))
	for _, a := range agents {
		snap := a.Snapshot()
		if namespace != nil && snap.Namespace != *namespace {
			continue
		}
		bareID := snap.ID
		if snap.Namespace != "" {
			bareID = strings.TrimPrefix(snap.ID, namespacePrefix(snap.Namespace))
		}
		out = append(out, ListedAgent{ID: bareID, Namespace: snap.Namespace, Snapshot: snap})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Snapshot.ID < out[j].Snapshot.ID })
	return out
}

// UpdateAgent re-resolves model settings if modelId/modelSettings are
// present in partial, then delegates the rest to Agent.UpdateConfig.
func (m *Manager) UpdateAgent(id string, partial AgentConfig) error {
	agent, ok := m.GetAgent(id)
	if !ok {
		return apperrors.NotFound("agentmanager", "UpdateAgent", fmt.Sprintf("agent %q not found", id))
	}

	var resolved *modelregistry.ModelSettings
	if partial.ModelID != "" || partial.ModelSettings != nil {
		settings, err := m.resolveSettings(partial.ModelID, partial.ModelSettings)
		if err != nil {
			return err
		}
		resolved = &settings
	}

	agent.UpdateConfig(partial, resolved, m.maxStepsCap)
	m.bus.Emit(EventAgentUpdated, agent.Snapshot())
	return nil
}

// DestroyAgent destroys the agent's held kernel (if any) via the Kernel
// Manager, tears down the agent's own state, and removes it from the map.
func (m *Manager) DestroyAgent(id string) error {
	m.mu.Lock()
	agent, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.NotFound("agentmanager", "DestroyAgent", fmt.Sprintf("agent %q not found", id))
	}

	if kernelID := agent.KernelID(); kernelID != "" && m.kernelManager != nil {
		if err := m.kernelManager.DestroyKernel(kernelID); err != nil {
			m.logger.Warn("agentmanager: failed to destroy kernel during agent destroy", "agent", id, "kernel", kernelID, "error", err)
		}
	}
	agent.Destroy()
	m.bus.Emit(EventAgentDestroyed, map[string]interface{}{"agentId": id})
	return nil
}

// DestroyAll destroys every agent, or only those in namespace when
// non-nil, concurrently.
func (m *Manager) DestroyAll(namespace *string) map[string]error {
	ids := make([]string, 0)
	for _, la := range m.ListAgents(namespace) {
		ids = append(ids, la.Snapshot.ID)
	}

	results := make(map[string]error, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := m.DestroyAgent(id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// attachKernelToAgent is the internal, kernel-manager-required attach path
// used by both CreateAgent's auto-attach and the exported AttachKernelToAgent.
func (m *Manager) attachKernelToAgent(ctx context.Context, agentID string, kernelType KernelType) (string, error) {
	if m.kernelManager == nil {
		return "", apperrors.Domain("agentmanager", "attachKernelToAgent", "no kernel manager wired", nil)
	}
	agent, ok := m.GetAgent(agentID)
	if !ok {
		return "", apperrors.NotFound("agentmanager", "attachKernelToAgent", fmt.Sprintf("agent %q not found", agentID))
	}
	lang, ok := kernelType.Lang()
	if !ok {
		return "", apperrors.Validation("agentmanager", "attachKernelToAgent", fmt.Sprintf("unsupported kernel type %q", kernelType))
	}

	kernelID, err := m.kernelManager.CreateKernel(ctx, lang, agent.KernelEnvirons(), nil)
	if err != nil {
		return "", apperrors.Domain("agentmanager", "attachKernelToAgent", "failed to create kernel", err)
	}

	k, ok := m.kernelManager.GetKernel(kernelID)
	if !ok {
		return "", apperrors.Domain("agentmanager", "attachKernelToAgent", "kernel manager returned an id for a kernel it cannot retrieve", nil)
	}

	previousKernelID, err := agent.AttachKernel(ctx, k, kernelID, kernelType)
	if err != nil {
		_ = m.kernelManager.DestroyKernel(kernelID)
		return "", err
	}
	if previousKernelID != "" && previousKernelID != kernelID {
		_ = m.kernelManager.DestroyKernel(previousKernelID)
	}

	m.bus.Emit(EventAgentKernelAttached, map[string]interface{}{"agentId": agentID, "kernelId": kernelID})
	return kernelID, nil
}

// AttachKernelToAgent maps kernelType to a kernel language, creates a
// kernel via the Kernel Manager (passing the agent's kernelEnvirons when
// set), and attaches it.
func (m *Manager) AttachKernelToAgent(ctx context.Context, agentID string, kernelType KernelType) (string, error) {
	return m.attachKernelToAgent(ctx, agentID, kernelType)
}

// DetachKernelFromAgent destroys the agent's held kernel (if any) via the
// Kernel Manager, then clears the agent's reference.
func (m *Manager) DetachKernelFromAgent(agentID string) error {
	agent, ok := m.GetAgent(agentID)
	if !ok {
		return apperrors.NotFound("agentmanager", "DetachKernelFromAgent", fmt.Sprintf("agent %q not found", agentID))
	}
	kernelID := agent.DetachKernel()
	if kernelID != "" && m.kernelManager != nil {
		if err := m.kernelManager.DestroyKernel(kernelID); err != nil {
			return apperrors.Domain("agentmanager", "DetachKernelFromAgent", "failed to destroy kernel", err)
		}
	}
	m.bus.Emit(EventAgentKernelDetached, map[string]interface{}{"agentId": agentID, "kernelId": kernelID})
	return nil
}

// ClearConversation empties the agent's history via the same internal path
// SetConversationHistory uses.
func (m *Manager) ClearConversation(agentID string) error {
	agent, ok := m.GetAgent(agentID)
	if !ok {
		return apperrors.NotFound("agentmanager", "ClearConversation", fmt.Sprintf("agent %q not found", agentID))
	}
	agent.ClearConversation()
	return nil
}

// SetConversationHistory replaces the agent's history wholesale. When
// autoSaveConversations is enabled, the new history is persisted
// immediately and a save failure is returned to the caller: control-plane
// writes are strict, unlike the best-effort Load path.
func (m *Manager) SetConversationHistory(agentID string, msgs []kernelproto.ChatMessage) error {
	agent, ok := m.GetAgent(agentID)
	if !ok {
		return apperrors.NotFound("agentmanager", "SetConversationHistory", fmt.Sprintf("agent %q not found", agentID))
	}
	agent.SetConversationHistory(msgs)
	if m.autoSaveConversations {
		if _, err := m.convStore.Save(agentID, msgs, nil, ""); err != nil {
			return apperrors.Domain("agentmanager", "SetConversationHistory", "failed to auto-save conversation", err)
		}
	}
	return nil
}

// SaveConversation persists the agent's current conversation history to the
// Conversation Store. filename overrides the generated name when non-empty.
func (m *Manager) SaveConversation(agentID, filename string) (string, error) {
	agent, ok := m.GetAgent(agentID)
	if !ok {
		return "", apperrors.NotFound("agentmanager", "SaveConversation", fmt.Sprintf("agent %q not found", agentID))
	}
	snap := agent.Snapshot()
	metadata := map[string]string{"name": snap.Name}
	saved, err := m.convStore.Save(agentID, snap.ConversationHistory, metadata, filename)
	if err != nil {
		return "", apperrors.Domain("agentmanager", "SaveConversation", "failed to save conversation", err)
	}
	return saved, nil
}

// LoadConversation loads a previously saved conversation for the agent.
// filename forces loading one specific file; empty loads the most recent.
// The Conversation Store's Load is best-effort, so the only error this can
// ever return is the agent not existing.
func (m *Manager) LoadConversation(agentID, filename string) ([]kernelproto.ChatMessage, error) {
	if _, ok := m.GetAgent(agentID); !ok {
		return nil, apperrors.NotFound("agentmanager", "LoadConversation", fmt.Sprintf("agent %q not found", agentID))
	}
	return m.convStore.Load(agentID, filename), nil
}

// CleanupOldAgentsInNamespace sorts namespace agents by lastUsed-or-created
// ascending and destroys all but the newest keepCount, reporting per-agent
// failures without stopping the sweep. Grounded on the teacher's
// LRU-style session-cleanup idiom (internal/sessions/expiry.go's age-based
// reset checks), adapted from a boolean per-session check to a
// keep-the-newest-N sweep over an explicit namespace.
func (m *Manager) CleanupOldAgentsInNamespace(namespace string, keepCount int) int {
	ns := namespace
	agents := m.ListAgents(&ns)
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Snapshot.effectiveLastUsedOrCreated().Before(agents[j].Snapshot.effectiveLastUsedOrCreated())
	})

	if len(agents) <= keepCount {
		return 0
	}
	toRemove := agents[:len(agents)-keepCount]

	removed := 0
	for _, la := range toRemove {
		if err := m.DestroyAgent(la.Snapshot.ID); err != nil {
			m.logger.Warn("agentmanager: cleanup failed to destroy agent", "agent", la.Snapshot.ID, "error", err)
			continue
		}
		removed++
	}
	return removed
}

func (s Snapshot) effectiveLastUsedOrCreated() time.Time {
	if s.LastUsed != nil {
		return *s.LastUsed
	}
	return s.Created
}

// Stats summarizes the Manager's live population.
type Stats struct {
	TotalAgents       int
	AgentsByNamespace map[string]int
	AgentsWithKernel  int
}

// GetStats aggregates counts across all agents.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{TotalAgents: len(m.agents), AgentsByNamespace: make(map[string]int)}
	for _, a := range m.agents {
		snap := a.Snapshot()
		if snap.Namespace != "" {
			stats.AgentsByNamespace[snap.Namespace]++
		}
		if snap.HasKernel {
			stats.AgentsWithKernel++
		}
	}
	return stats
}

// GetModelStats delegates to the wired Model Registry, if any.
func (m *Manager) GetModelStats() []modelregistry.Stat {
	if m.modelRegistry == nil {
		return nil
	}
	return m.modelRegistry.GetModelStats()
}

// CountAgentsUsing implements modelregistry.UsageCounter: the number of
// live agents whose resolved (model, baseURL) pair matches exactly.
func (m *Manager) CountAgentsUsing(model, baseURL string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.agents {
		snap := a.Snapshot()
		if snap.ModelSettings.Model == model && snap.ModelSettings.BaseURL == baseURL {
			n++
		}
	}
	return n
}
