// Package agentmanager implements the Agent (C5) lifecycle holder and the
// Manager (C6) quota/namespace/model-resolution control plane above it.
package agentmanager

import (
	"context"
	"sync"
	"time"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/kernel"
	"github.com/nexuscore/agentkernel/internal/modelregistry"
	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

// KernelType identifies the guest language an Agent wants attached,
// distinct from kernelmanager's lowercase language strings so the Agent
// Manager's public contract matches spec.md's PYTHON/TYPESCRIPT/JAVASCRIPT
// literals exactly.
type KernelType string

const (
	KernelPython     KernelType = "PYTHON"
	KernelTypeScript KernelType = "TYPESCRIPT"
	KernelJavaScript KernelType = "JAVASCRIPT"
)

// Lang returns the lowercase language string the Kernel Manager's
// createKernel contract expects, or ok=false if kt is not recognized.
func (kt KernelType) Lang() (string, bool) {
	switch kt {
	case KernelPython:
		return "python", true
	case KernelTypeScript:
		return "typescript", true
	case KernelJavaScript:
		return "javascript", true
	default:
		return "", false
	}
}

// AgentConfig is the caller-supplied record behind createAgent/updateAgent.
// Pointer-typed optional fields (ModelSettings, MaxSteps, ...) distinguish
// "not supplied" from "supplied as zero value" in updateConfig's partial
// merge, following the teacher's mergeRuntimeOptions idiom (internal/agent
// /options.go) where a field is only overridden when explicitly set.
type AgentConfig struct {
	ID               string
	Namespace        string
	Name             string
	Description      string
	ModelID          string
	ModelSettings    *modelregistry.ModelSettings
	MaxSteps         *int
	KernelType       KernelType
	AutoAttachKernel bool
	StartupScript    string
	KernelEnvirons   map[string]*string
	Tags             map[string]string
}

// Agent is the resolved, running instance: an effective id, resolved model
// settings, an optional attached kernel, and a conversation history.
// Grounded on the teacher's internal/agent package's general shape (config
// + options + a nilable backing resource) but stripped of the LLM loop,
// which is out of scope here and lives only at the agentcontract boundary.
type Agent struct {
	mu sync.RWMutex

	id          string // effective id: "namespace:id" or "id"
	namespace   string
	name        string
	description string

	modelSettings modelregistry.ModelSettings
	maxSteps      int

	kernelType KernelType
	kernelID   string // opaque id held by the Kernel Manager; "" if none attached
	kernel     *kernel.Kernel

	conversationHistory []kernelproto.ChatMessage
	startupScript       string
	kernelEnvirons      map[string]*string
	tags                map[string]string

	created  time.Time
	lastUsed *time.Time

	startupError error
}

// newAgent builds an Agent in its initial, kernel-less state. now is
// injected so tests control `created`/`lastUsed` deterministically.
func newAgent(effectiveID string, cfg AgentConfig, settings modelregistry.ModelSettings, maxSteps int, now time.Time) *Agent {
	return &Agent{
		id:             effectiveID,
		namespace:      cfg.Namespace,
		name:           cfg.Name,
		description:    cfg.Description,
		modelSettings:  settings,
		maxSteps:       maxSteps,
		kernelType:     cfg.KernelType,
		startupScript:  cfg.StartupScript,
		kernelEnvirons: cfg.KernelEnvirons,
		tags:           cfg.Tags,
		created:        now,
	}
}

// ID returns the effective id this Agent is stored under.
func (a *Agent) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// Namespace returns the namespace portion of the effective id, or "" if
// the agent was not namespaced.
func (a *Agent) Namespace() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.namespace
}

// Snapshot is a read-only copy of an Agent's externally visible state, safe
// to hand to callers without risking aliasing into live mutable fields.
type Snapshot struct {
	ID                  string
	Namespace           string
	Name                string
	Description         string
	ModelSettings       modelregistry.ModelSettings
	MaxSteps            int
	KernelType          KernelType
	HasKernel           bool
	KernelID            string
	ConversationHistory []kernelproto.ChatMessage
	Created             time.Time
	LastUsed            *time.Time
	StartupError        error
}

// Snapshot copies the Agent's current state out from under its lock.
func (a *Agent) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	history := make([]kernelproto.ChatMessage, len(a.conversationHistory))
	copy(history, a.conversationHistory)
	return Snapshot{
		ID:                  a.id,
		Namespace:           a.namespace,
		Name:                a.name,
		Description:         a.description,
		ModelSettings:       a.modelSettings.Clone(),
		MaxSteps:            a.maxSteps,
		KernelType:          a.kernelType,
		HasKernel:           a.kernel != nil,
		KernelID:            a.kernelID,
		ConversationHistory: history,
		Created:             a.created,
		LastUsed:            a.lastUsed,
		StartupError:        a.startupError,
	}
}

// UpdateConfig applies a partial AgentConfig over the Agent's current
// state. Only explicitly-set fields (non-empty strings, non-nil pointers)
// are applied; resolvedSettings, when non-nil, is the already-resolved
// replacement for ModelSettings/ModelID (the Manager resolves those against
// the registry before calling UpdateConfig, mirroring how updateAgent
// re-resolves before delegating per spec §4.6).
func (a *Agent) UpdateConfig(partial AgentConfig, resolvedSettings *modelregistry.ModelSettings, maxStepsCap int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if partial.Name != "" {
		a.name = partial.Name
	}
	if partial.Description != "" {
		a.description = partial.Description
	}
	if resolvedSettings != nil {
		a.modelSettings = *resolvedSettings
	}
	if partial.MaxSteps != nil {
		a.maxSteps = clamp(*partial.MaxSteps, maxStepsCap)
	}
	if partial.KernelType != "" {
		a.kernelType = partial.KernelType
	}
	if partial.StartupScript != "" {
		a.startupScript = partial.StartupScript
	}
	if partial.KernelEnvirons != nil {
		a.kernelEnvirons = partial.KernelEnvirons
	}
	if partial.Tags != nil {
		a.tags = partial.Tags
	}
}

func clamp(v, cap int) int {
	if v > cap {
		return cap
	}
	if v < 0 {
		return 0
	}
	return v
}

// AttachKernel wires k (identified by kernelID, owned by the Kernel
// Manager) to this agent and, if a startup script is configured, executes
// it. A startup-script failure is reported as an *apperrors.AgentStartupError
// so the Manager can distinguish "roll back the agent" from "keep the
// agent, just log the attach failure" per spec §7. Re-attaching over an
// already-attached kernel replaces the old attachment (Open Question
// decision, see DESIGN.md) without destroying the old kernel — that
// remains the Kernel Manager's to destroy.
func (a *Agent) AttachKernel(ctx context.Context, k *kernel.Kernel, kernelID string, kernelType KernelType) (previousKernelID string, err error) {
	a.mu.Lock()
	previousKernelID = a.kernelID
	a.mu.Unlock()

	if a.startupScript != "" {
		outcome, err := k.Execute(ctx, a.startupScript, nil)
		if err != nil {
			return previousKernelID, apperrors.New(apperrors.KindDomain, "agentmanager", "AttachKernel", "failed to run startup script", err)
		}
		if !outcome.Success {
			cause := apperrors.Domain("agentmanager", "AttachKernel", "startup script raised an error", nil)
			if outcome.Error != nil {
				cause.Message = outcome.Error.EName + ": " + outcome.Error.EValue
			}
			a.mu.Lock()
			a.startupError = cause
			a.mu.Unlock()
			return previousKernelID, &apperrors.AgentStartupError{AgentID: a.id, Cause: cause}
		}
	}

	a.mu.Lock()
	a.kernel = k
	a.kernelID = kernelID
	a.kernelType = kernelType
	a.startupError = nil
	a.mu.Unlock()
	return previousKernelID, nil
}

// DetachKernel clears the agent's kernel reference and returns the id that
// was attached (empty if none), so the caller can ask the Kernel Manager
// to destroy it.
func (a *Agent) DetachKernel() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.kernelID
	a.kernel = nil
	a.kernelID = ""
	return id
}

// Kernel returns the attached kernel, or nil if none.
func (a *Agent) Kernel() *kernel.Kernel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.kernel
}

// KernelID returns the opaque id of the attached kernel, or "" if none.
func (a *Agent) KernelID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.kernelID
}

// KernelEnvirons returns the environment overrides configured for this
// agent's kernel, passed through to the Kernel Manager on attach.
func (a *Agent) KernelEnvirons() map[string]*string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.kernelEnvirons
}

// GetStartupError returns the error from the agent's most recent startup
// script failure, or nil if its last attach succeeded (or none ran one).
func (a *Agent) GetStartupError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.startupError
}

// ConversationHistory returns a copy of the agent's message history.
func (a *Agent) ConversationHistory() []kernelproto.ChatMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	history := make([]kernelproto.ChatMessage, len(a.conversationHistory))
	copy(history, a.conversationHistory)
	return history
}

// replaceHistory is the single internal mutation path both
// SetConversationHistory and ClearConversation go through (Open Question
// decision, see DESIGN.md: both are "set history", one to msgs and one to
// nil, rather than two diverging code paths).
func (a *Agent) replaceHistory(msgs []kernelproto.ChatMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationHistory = msgs
}

// SetConversationHistory replaces the agent's message history wholesale.
func (a *Agent) SetConversationHistory(msgs []kernelproto.ChatMessage) {
	a.replaceHistory(msgs)
}

// ClearConversation empties the agent's message history.
func (a *Agent) ClearConversation() {
	a.replaceHistory(nil)
}

// AppendMessage appends one message to the agent's history and stamps
// lastUsed, mirroring how a live reasoning loop would record a turn.
func (a *Agent) AppendMessage(msg kernelproto.ChatMessage, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationHistory = append(a.conversationHistory, msg)
	a.lastUsed = &now
}

// LastUsedOrCreated returns LastUsed if set, else Created — the sort key
// cleanupOldAgentsInNamespace orders by.
func (a *Agent) LastUsedOrCreated() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastUsed != nil {
		return *a.lastUsed
	}
	return a.created
}

// Destroy tears down the agent's own state. It does not destroy an
// attached kernel — that is the Kernel Manager's responsibility, invoked
// by agentmanager.Manager.destroyAgent alongside this call.
func (a *Agent) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kernel = nil
	a.kernelID = ""
	a.conversationHistory = nil
}
