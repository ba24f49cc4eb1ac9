package modelregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/agentkernel/internal/apperrors"
)

// structuredMessage extracts the bare Message from a *apperrors.Error,
// so assertions can compare against the spec's literal error text without
// depending on the "[kind:component:op]" prefix.
func structuredMessage(t *testing.T, err error) string {
	t.Helper()
	structured, ok := apperrors.As(err)
	require.True(t, ok, "expected a *apperrors.Error, got %T", err)
	return structured.Message
}

type fakeUsageCounter struct {
	counts map[pairKey]int
}

func (f *fakeUsageCounter) CountAgentsUsing(model, baseURL string) int {
	return f.counts[pairKey{model: model, baseURL: baseURL}]
}

func TestAddModelRejectsDuplicateID(t *testing.T) {
	r := New()

	assert.True(t, r.AddModel("m1", ModelSettings{Model: "gpt-x", BaseURL: "https://api"}))
	assert.False(t, r.AddModel("m1", ModelSettings{Model: "gpt-y", BaseURL: "https://api"}))

	entry, ok := r.GetModel("m1")
	require.True(t, ok)
	assert.Equal(t, "gpt-x", entry.Settings.Model)
}

func TestRemoveModelFailsWhenInUse(t *testing.T) {
	usage := &fakeUsageCounter{counts: map[pairKey]int{
		{model: "gpt-x", baseURL: "https://api"}: 1,
	}}
	r := New(WithUsageCounter(usage))
	r.AddModel("m1", ModelSettings{Model: "gpt-x", BaseURL: "https://api"})

	removed, err := r.RemoveModel("m1")
	assert.False(t, removed)
	require.Error(t, err)
	assert.Equal(t, "Cannot remove model m1: it is being used by 1 agent(s)", structuredMessage(t, err))
	assert.True(t, r.HasModel("m1"))
}

func TestRemoveModelSucceedsWhenUnused(t *testing.T) {
	usage := &fakeUsageCounter{counts: map[pairKey]int{}}
	r := New(WithUsageCounter(usage))
	r.AddModel("m1", ModelSettings{Model: "gpt-x", BaseURL: "https://api"})

	removed, err := r.RemoveModel("m1")
	assert.True(t, removed)
	assert.NoError(t, err)
	assert.False(t, r.HasModel("m1"))
}

func TestRemoveModelAbsentReturnsFalseNoError(t *testing.T) {
	r := New()
	removed, err := r.RemoveModel("does-not-exist")
	assert.False(t, removed)
	assert.NoError(t, err)
}

func TestUpdateModelDoesNotAffectAlreadyResolvedCopy(t *testing.T) {
	r := New()
	r.AddModel("m1", ModelSettings{Model: "gpt-x", BaseURL: "https://api", Temperature: 0.2})

	resolved, err := r.ResolveModelSettings("m1", nil)
	require.NoError(t, err)

	assert.True(t, r.UpdateModel("m1", ModelSettings{Model: "gpt-x", BaseURL: "https://api", Temperature: 0.9}))

	// The earlier resolved copy is untouched by the later update.
	assert.Equal(t, 0.2, resolved.Temperature)

	updatedEntry, _ := r.GetModel("m1")
	assert.Equal(t, 0.9, updatedEntry.Settings.Temperature)
}

func TestResolveModelSettingsExplicitSettingsRejectedWhenCustomDisallowed(t *testing.T) {
	r := New(WithAllowCustomModels(false))

	_, err := r.ResolveModelSettings("", &ModelSettings{Model: "m", BaseURL: "u", Temperature: 0})
	require.Error(t, err)
	assert.Equal(t, "Custom model settings are not allowed. Use a model ID from the registry.", structuredMessage(t, err))
}

func TestResolveModelSettingsExplicitSettingsReturnsCopy(t *testing.T) {
	r := New()
	in := ModelSettings{Model: "m", BaseURL: "u", Temperature: 0.5}
	out, err := r.ResolveModelSettings("", &in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	in.Temperature = 99
	assert.NotEqual(t, in.Temperature, out.Temperature)
}

func TestResolveModelSettingsByIDRespectsAllowedModels(t *testing.T) {
	r := New(WithAllowedModels([]string{"m2"}))
	r.AddModel("m1", ModelSettings{Model: "gpt-x", BaseURL: "https://api"})

	_, err := r.ResolveModelSettings("m1", nil)
	assert.Error(t, err)
}

func TestResolveModelSettingsByIDNotRegistered(t *testing.T) {
	r := New()
	_, err := r.ResolveModelSettings("missing", nil)
	assert.Error(t, err)
}

func TestResolveModelSettingsFallsBackToDefaultModelID(t *testing.T) {
	r := New(WithDefaultModelID("m1"))
	r.AddModel("m1", ModelSettings{Model: "gpt-x", BaseURL: "https://api"})

	out, err := r.ResolveModelSettings("", nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-x", out.Model)
}

func TestResolveModelSettingsFallsBackToAmbientDefaults(t *testing.T) {
	r := New(WithDefaultModelSettings(ModelSettings{Model: "fallback", BaseURL: "https://fallback"}))

	out, err := r.ResolveModelSettings("", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out.Model)
}

func TestGetModelStatsSortOrder(t *testing.T) {
	usage := &fakeUsageCounter{counts: map[pairKey]int{
		{model: "a", baseURL: "u"}: 3,
		{model: "b", baseURL: "u"}: 1,
	}}
	r := New(WithUsageCounter(usage))
	r.AddModel("low", ModelSettings{Model: "b", BaseURL: "u"})
	r.AddModel("high", ModelSettings{Model: "a", BaseURL: "u"})

	stats := r.GetModelStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "high", stats[0].Entry.ID)
	assert.Equal(t, 3, stats[0].AgentsUsing)
}
