package agentmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/kernel"
	"github.com/nexuscore/agentkernel/internal/modelregistry"
	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

func newTestKernel(t *testing.T, interp *kernel.MockInterpreter) *kernel.Kernel {
	t.Helper()
	k := kernel.New(kernel.WithID("k1"), kernel.WithInterpreter(interp))
	require.NoError(t, k.Initialize(context.Background(), &kernel.InitOptions{}))
	return k
}

func TestAttachKernelRunsStartupScriptAndSucceeds(t *testing.T) {
	a := newAgent("a1", AgentConfig{StartupScript: "print('hi')"}, modelregistry.ModelSettings{}, 10, time.Now())
	k := newTestKernel(t, kernel.NewMockInterpreter())

	prev, err := a.AttachKernel(context.Background(), k, "k1", KernelPython)
	require.NoError(t, err)
	assert.Equal(t, "", prev)
	assert.Equal(t, "k1", a.KernelID())
	assert.Same(t, k, a.Kernel())
	assert.Nil(t, a.GetStartupError())
}

func TestAttachKernelStartupScriptInterpreterErrorIsAgentStartupError(t *testing.T) {
	interp := kernel.NewMockInterpreter()
	interp.RunFunc = func(ctx context.Context, code string, req kernel.InputRequester) (*kernel.RunResult, error) {
		return &kernel.RunResult{Status: "error", EName: "ValueError", EValue: "bad input"}, nil
	}
	a := newAgent("a1", AgentConfig{StartupScript: "raise ValueError('bad input')"}, modelregistry.ModelSettings{}, 10, time.Now())
	k := newTestKernel(t, interp)

	_, err := a.AttachKernel(context.Background(), k, "k1", KernelPython)
	require.Error(t, err)

	var startupErr *apperrors.AgentStartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, "a1", startupErr.AgentID)
	assert.Equal(t, "", a.KernelID(), "agent must not retain the kernel on a failed startup script")
	assert.NotNil(t, a.GetStartupError())
}

func TestAttachKernelHostErrorIsGenericDomainError(t *testing.T) {
	interp := kernel.NewMockInterpreter()
	a := newAgent("a1", AgentConfig{StartupScript: "print('hi')"}, modelregistry.ModelSettings{}, 10, time.Now())
	k := newTestKernel(t, interp)
	require.NoError(t, k.Terminate())

	_, err := a.AttachKernel(context.Background(), k, "k1", KernelPython)
	require.Error(t, err)

	assert.False(t, apperrors.IsAgentStartupError(err), "a host-thrown error must not roll the agent back")
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindDomain, appErr.Kind)
}

func TestAttachKernelReplacementReturnsPreviousID(t *testing.T) {
	a := newAgent("a1", AgentConfig{}, modelregistry.ModelSettings{}, 10, time.Now())
	k1 := newTestKernel(t, kernel.NewMockInterpreter())
	_, err := a.AttachKernel(context.Background(), k1, "k1", KernelPython)
	require.NoError(t, err)

	k2 := kernel.New(kernel.WithID("k2"), kernel.WithInterpreter(kernel.NewMockInterpreter()))
	require.NoError(t, k2.Initialize(context.Background(), &kernel.InitOptions{}))
	prev, err := a.AttachKernel(context.Background(), k2, "k2", KernelPython)
	require.NoError(t, err)
	assert.Equal(t, "k1", prev)
	assert.Equal(t, "k2", a.KernelID())
}

func TestDetachKernelClearsStateAndReturnsID(t *testing.T) {
	a := newAgent("a1", AgentConfig{}, modelregistry.ModelSettings{}, 10, time.Now())
	k := newTestKernel(t, kernel.NewMockInterpreter())
	_, err := a.AttachKernel(context.Background(), k, "k1", KernelPython)
	require.NoError(t, err)

	id := a.DetachKernel()
	assert.Equal(t, "k1", id)
	assert.Equal(t, "", a.KernelID())
	assert.Nil(t, a.Kernel())

	assert.Equal(t, "", a.DetachKernel(), "detaching an already-kernel-less agent returns empty, not an error")
}

func TestConversationHistoryRoundTrip(t *testing.T) {
	a := newAgent("a1", AgentConfig{}, modelregistry.ModelSettings{}, 10, time.Now())
	msgs := []kernelproto.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	a.SetConversationHistory(msgs)
	assert.Equal(t, msgs, a.ConversationHistory())

	a.ClearConversation()
	assert.Empty(t, a.ConversationHistory())
}

func TestAppendMessageUpdatesLastUsed(t *testing.T) {
	a := newAgent("a1", AgentConfig{}, modelregistry.ModelSettings{}, 10, time.Now())
	before := a.LastUsedOrCreated()

	later := before.Add(time.Hour)
	a.AppendMessage(kernelproto.ChatMessage{Role: "user", Content: "hi"}, later)

	assert.Equal(t, later, a.LastUsedOrCreated())
	assert.Len(t, a.ConversationHistory(), 1)
}

func TestSnapshotIsIndependentOfLiveMutation(t *testing.T) {
	a := newAgent("a1", AgentConfig{}, modelregistry.ModelSettings{Model: "m1"}, 10, time.Now())
	a.SetConversationHistory([]kernelproto.ChatMessage{{Role: "user", Content: "hi"}})

	snap := a.Snapshot()
	a.AppendMessage(kernelproto.ChatMessage{Role: "user", Content: "second"}, time.Now())

	assert.Len(t, snap.ConversationHistory, 1, "snapshot must not observe mutations made after it was taken")
	assert.Len(t, a.ConversationHistory(), 2)
}

func TestUpdateConfigOnlyAppliesSuppliedFields(t *testing.T) {
	a := newAgent("a1", AgentConfig{Name: "orig", Description: "orig-desc"}, modelregistry.ModelSettings{Model: "m1"}, 5, time.Now())

	a.UpdateConfig(AgentConfig{Name: "renamed"}, nil, 10)

	snap := a.Snapshot()
	assert.Equal(t, "renamed", snap.Name)
	assert.Equal(t, "orig-desc", snap.Description, "unsupplied fields must be left untouched")
	assert.Equal(t, "m1", snap.ModelSettings.Model)
	assert.Equal(t, 5, snap.MaxSteps)
}

func TestUpdateConfigClampsMaxStepsToCap(t *testing.T) {
	a := newAgent("a1", AgentConfig{}, modelregistry.ModelSettings{}, 5, time.Now())
	big := 100
	a.UpdateConfig(AgentConfig{MaxSteps: &big}, nil, 10)
	assert.Equal(t, 10, a.Snapshot().MaxSteps)
}

func TestDestroyClearsKernelAndHistoryNotKernelItself(t *testing.T) {
	a := newAgent("a1", AgentConfig{}, modelregistry.ModelSettings{}, 10, time.Now())
	k := newTestKernel(t, kernel.NewMockInterpreter())
	_, err := a.AttachKernel(context.Background(), k, "k1", KernelPython)
	require.NoError(t, err)
	a.SetConversationHistory([]kernelproto.ChatMessage{{Role: "user", Content: "hi"}})

	a.Destroy()

	assert.Equal(t, "", a.KernelID())
	assert.Nil(t, a.Kernel())
	assert.Empty(t, a.ConversationHistory())
	assert.Equal(t, kernel.StatusActive, k.Status(), "Destroy must not reach into the kernel itself; that is the Kernel Manager's job")
}
