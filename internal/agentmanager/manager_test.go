package agentmanager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/convstore"
	"github.com/nexuscore/agentkernel/internal/kernel"
	"github.com/nexuscore/agentkernel/internal/modelregistry"
	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

// fakeKernelManager is a minimal in-memory KernelManager test double,
// mirroring the fakeBackend pattern in kernelmanager/manager_test.go.
type fakeKernelManager struct {
	mu      sync.Mutex
	kernels map[string]*kernel.Kernel
	nextID  int
	onNew   func(lang string) *kernel.MockInterpreter
	failNew error
}

func newFakeKernelManager() *fakeKernelManager {
	return &fakeKernelManager{kernels: make(map[string]*kernel.Kernel)}
}

func (f *fakeKernelManager) CreateKernel(ctx context.Context, lang string, env map[string]*string, filesystem *kernel.FilesystemMount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return "", f.failNew
	}
	var interp *kernel.MockInterpreter
	if f.onNew != nil {
		interp = f.onNew(lang)
	} else {
		interp = kernel.NewMockInterpreter()
	}
	f.nextID++
	id := "kern-" + string(rune('0'+f.nextID))
	k := kernel.New(kernel.WithID(id), kernel.WithInterpreter(interp))
	if err := k.Initialize(ctx, &kernel.InitOptions{Env: env}); err != nil {
		return "", err
	}
	f.kernels[id] = k
	return id, nil
}

func (f *fakeKernelManager) GetKernel(id string) (*kernel.Kernel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.kernels[id]
	return k, ok
}

func (f *fakeKernelManager) DestroyKernel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kernels, id)
	return nil
}

func (f *fakeKernelManager) liveKernelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kernels)
}

func TestCreateAgentRejectsColonInID(t *testing.T) {
	m := New()
	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a:b", Name: "n"})
	require.Error(t, err)
	assert.Equal(t, "[validation:agentmanager:CreateAgent] Agent ID cannot contain colons", err.Error())
}

func TestCreateAgentEnforcesNamespaceQuota(t *testing.T) {
	m := New(WithMaxAgentsPerNamespace(2))
	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Namespace: "ns1", Name: "n1"})
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), AgentConfig{ID: "a2", Namespace: "ns1", Name: "n2"})
	require.NoError(t, err)

	_, err = m.CreateAgent(context.Background(), AgentConfig{ID: "a3", Namespace: "ns1", Name: "n3"})
	require.Error(t, err)
	assert.Equal(t, `[quota:agentmanager:CreateAgent] Maximum number of agents per namespace (2) reached for namespace "ns1"`, err.Error())
	assert.True(t, apperrors.IsQuotaExceeded(err))
}

func TestCreateAgentEnforcesGlobalQuota(t *testing.T) {
	m := New(WithMaxAgents(1))
	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Name: "n1"})
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), AgentConfig{ID: "a2", Name: "n2"})
	require.Error(t, err)
	assert.True(t, apperrors.IsQuotaExceeded(err))
}

func TestCreateAgentRejectsDuplicateID(t *testing.T) {
	m := New()
	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "dup", Name: "n"})
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), AgentConfig{ID: "dup", Name: "n"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

func TestCreateAgentComposesNamespacedEffectiveID(t *testing.T) {
	m := New()
	id, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Namespace: "ns1", Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, "ns1:a1", id)

	agent, ok := m.GetAgent(id)
	require.True(t, ok)
	assert.Equal(t, "ns1", agent.Namespace())
}

func TestCreateAgentRejectsCustomModelSettingsWithoutRegistry(t *testing.T) {
	m := New(WithAllowCustomModels(false))
	_, err := m.CreateAgent(context.Background(), AgentConfig{
		ID:            "a1",
		Name:          "n",
		ModelSettings: &modelregistry.ModelSettings{Model: "gpt-x"},
	})
	require.Error(t, err)
	assert.Equal(t, "[validation:agentmanager:resolveSettings] Custom model settings are not allowed. Use a model ID from the registry.", err.Error())
}

func TestCreateAgentAutoAttachesKernelOnStartupSuccess(t *testing.T) {
	km := newFakeKernelManager()
	m := New(WithKernelManager(km))
	id, err := m.CreateAgent(context.Background(), AgentConfig{
		ID: "a1", Name: "n", KernelType: KernelPython,
		AutoAttachKernel: true, StartupScript: "print('hi')",
	})
	require.NoError(t, err)

	agent, ok := m.GetAgent(id)
	require.True(t, ok)
	assert.NotEmpty(t, agent.KernelID())
	assert.NotNil(t, agent.Kernel())
}

func TestCreateAgentRollsBackOnStartupScriptError(t *testing.T) {
	km := newFakeKernelManager()
	km.onNew = func(lang string) *kernel.MockInterpreter {
		mock := kernel.NewMockInterpreter()
		mock.RunFunc = func(ctx context.Context, code string, req kernel.InputRequester) (*kernel.RunResult, error) {
			return &kernel.RunResult{Status: "error", EName: "RuntimeError", EValue: "boom"}, nil
		}
		return mock
	}
	m := New(WithKernelManager(km))
	_, err := m.CreateAgent(context.Background(), AgentConfig{
		ID: "a1", Name: "n", KernelType: KernelPython,
		AutoAttachKernel: true, StartupScript: "raise RuntimeError('boom')",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsAgentStartupError(err))
	assert.False(t, m.AgentExists("a1"))
}

func TestUpdateAgentReResolvesModelSettings(t *testing.T) {
	registry := modelregistry.New()
	registry.AddModel("fast", modelregistry.ModelSettings{Model: "gpt-fast"})
	registry.AddModel("slow", modelregistry.ModelSettings{Model: "gpt-slow"})

	m := New(WithModelRegistry(registry))
	id, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Name: "n", ModelID: "fast"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateAgent(id, AgentConfig{ModelID: "slow"}))

	agent, _ := m.GetAgent(id)
	assert.Equal(t, "gpt-slow", agent.Snapshot().ModelSettings.Model)
}

func TestDestroyAgentDestroysHeldKernel(t *testing.T) {
	km := newFakeKernelManager()
	m := New(WithKernelManager(km))
	id, err := m.CreateAgent(context.Background(), AgentConfig{
		ID: "a1", Name: "n", KernelType: KernelPython, AutoAttachKernel: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, km.liveKernelCount())

	require.NoError(t, m.DestroyAgent(id))
	assert.False(t, m.AgentExists(id))
	assert.Equal(t, 0, km.liveKernelCount())
}

func TestDestroyAgentUnknownIDReturnsNotFound(t *testing.T) {
	m := New()
	err := m.DestroyAgent("missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAttachKernelToAgentReplacesPreviousKernel(t *testing.T) {
	km := newFakeKernelManager()
	m := New(WithKernelManager(km))
	id, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Name: "n"})
	require.NoError(t, err)

	firstKernelID, err := m.AttachKernelToAgent(context.Background(), id, KernelPython)
	require.NoError(t, err)

	secondKernelID, err := m.AttachKernelToAgent(context.Background(), id, KernelPython)
	require.NoError(t, err)
	assert.NotEqual(t, firstKernelID, secondKernelID)

	_, stillThere := km.GetKernel(firstKernelID)
	assert.False(t, stillThere)
	_, exists := km.GetKernel(secondKernelID)
	assert.True(t, exists)
}

func TestDetachKernelFromAgentDestroysKernel(t *testing.T) {
	km := newFakeKernelManager()
	m := New(WithKernelManager(km))
	id, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Name: "n"})
	require.NoError(t, err)
	_, err = m.AttachKernelToAgent(context.Background(), id, KernelPython)
	require.NoError(t, err)

	require.NoError(t, m.DetachKernelFromAgent(id))
	agent, _ := m.GetAgent(id)
	assert.Equal(t, "", agent.KernelID())
	assert.Equal(t, 0, km.liveKernelCount())
}

func TestListAgentsFiltersByNamespaceAndStripsPrefix(t *testing.T) {
	m := New()
	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Namespace: "ns1", Name: "n"})
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), AgentConfig{ID: "b1", Namespace: "ns2", Name: "n"})
	require.NoError(t, err)

	ns1 := "ns1"
	listed := m.ListAgents(&ns1)
	require.Len(t, listed, 1)
	assert.Equal(t, "a1", listed[0].ID)
	assert.Equal(t, "ns1", listed[0].Namespace)
}

func TestCleanupOldAgentsInNamespaceKeepsNewest(t *testing.T) {
	m := New()
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a" + string(rune('0'+i)), Namespace: "ns1", Name: "n"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	removed := m.CleanupOldAgentsInNamespace("ns1", 2)
	assert.Equal(t, 3, removed)

	ns1 := "ns1"
	assert.Len(t, m.ListAgents(&ns1), 2)
}

func TestDestroyAllOnlyTargetsNamespaceWhenGiven(t *testing.T) {
	m := New()
	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Namespace: "ns1", Name: "n"})
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), AgentConfig{ID: "b1", Namespace: "ns2", Name: "n"})
	require.NoError(t, err)

	ns1 := "ns1"
	results := m.DestroyAll(&ns1)
	assert.Len(t, results, 1)
	assert.False(t, m.AgentExists("ns1:a1"))
	assert.True(t, m.AgentExists("ns2:b1"))
}

func TestGetStatsCountsByNamespaceAndKernel(t *testing.T) {
	km := newFakeKernelManager()
	m := New(WithKernelManager(km))
	_, err := m.CreateAgent(context.Background(), AgentConfig{
		ID: "a1", Namespace: "ns1", Name: "n", KernelType: KernelPython, AutoAttachKernel: true,
	})
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), AgentConfig{ID: "a2", Namespace: "ns1", Name: "n"})
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 2, stats.AgentsByNamespace["ns1"])
	assert.Equal(t, 1, stats.AgentsWithKernel)
}

func TestCountAgentsUsingSatisfiesModelRegistryUsageCounter(t *testing.T) {
	registry := modelregistry.New()
	registry.AddModel("m1", modelregistry.ModelSettings{Model: "gpt-4", BaseURL: "https://api"})
	m := New(WithModelRegistry(registry))
	var _ modelregistry.UsageCounter = m

	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Name: "n", ModelID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.CountAgentsUsing("gpt-4", "https://api"))
}

func TestSaveConversationThenLoadConversationRoundTrips(t *testing.T) {
	m := New(WithConversationStore(convstore.New(t.TempDir())))
	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Name: "n"})
	require.NoError(t, err)

	msgs := []kernelproto.ChatMessage{{Role: "user", Content: "hi"}}
	require.NoError(t, m.SetConversationHistory("a1", msgs))

	filename, err := m.SaveConversation("a1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, filename)

	loaded, err := m.LoadConversation("a1", "")
	require.NoError(t, err)
	assert.Equal(t, msgs, loaded)
}

func TestSaveConversationUnknownAgentReturnsNotFound(t *testing.T) {
	m := New()
	_, err := m.SaveConversation("nope", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAutoSaveConversationsPersistsOnSetConversationHistory(t *testing.T) {
	dir := t.TempDir()
	m := New(WithConversationStore(convstore.New(dir)), WithAutoSaveConversations(true))
	_, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Name: "n"})
	require.NoError(t, err)

	msgs := []kernelproto.ChatMessage{{Role: "user", Content: "hi"}}
	require.NoError(t, m.SetConversationHistory("a1", msgs))

	loaded, err := m.LoadConversation("a1", "")
	require.NoError(t, err)
	assert.Equal(t, msgs, loaded)
}

func TestAttachKernelToAgentFailsWithoutKernelManager(t *testing.T) {
	m := New()
	id, err := m.CreateAgent(context.Background(), AgentConfig{ID: "a1", Name: "n"})
	require.NoError(t, err)
	_, err = m.AttachKernelToAgent(context.Background(), id, KernelPython)
	require.Error(t, err)
	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.KindDomain, appErr.Kind)
}
