package kernelmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/kernel"
)

// fakeBackend hands out MockInterpreters so tests never spawn real
// processes, mirroring how kernel_test.go drives Kernel directly.
type fakeBackend struct {
	onNew func(lang string) (kernel.Interpreter, error)
}

func (b *fakeBackend) NewInterpreter(ctx context.Context, lang string) (kernel.Interpreter, error) {
	if b.onNew != nil {
		return b.onNew(lang)
	}
	return kernel.NewMockInterpreter(), nil
}

func TestCreateKernelRejectsUnsupportedLanguage(t *testing.T) {
	m := New(WithBackend(&fakeBackend{}))
	_, err := m.CreateKernel(context.Background(), CreateOptions{Lang: "ruby"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestCreateKernelReturnsOpaqueIDAndActiveKernel(t *testing.T) {
	m := New(WithBackend(&fakeBackend{}))
	id, err := m.CreateKernel(context.Background(), CreateOptions{Lang: LangPython})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	k, ok := m.GetKernel(id)
	require.True(t, ok)
	assert.Equal(t, kernel.StatusActive, k.Status())
	assert.Equal(t, 1, m.Count())
}

func TestGetKernelUnknownIDReturnsFalse(t *testing.T) {
	m := New(WithBackend(&fakeBackend{}))
	_, ok := m.GetKernel("nope")
	assert.False(t, ok)
}

func TestDestroyKernelIsIdempotent(t *testing.T) {
	m := New(WithBackend(&fakeBackend{}))
	id, err := m.CreateKernel(context.Background(), CreateOptions{Lang: LangJavaScript})
	require.NoError(t, err)

	require.NoError(t, m.DestroyKernel(id))
	_, ok := m.GetKernel(id)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())

	// Second destroy of the same (now unknown) id is a no-op, not an error.
	require.NoError(t, m.DestroyKernel(id))
	require.NoError(t, m.DestroyKernel("never-existed"))
}

func TestCreateKernelPropagatesBackendFailure(t *testing.T) {
	m := New(WithBackend(&fakeBackend{
		onNew: func(lang string) (kernel.Interpreter, error) {
			return nil, assert.AnError
		},
	}))
	_, err := m.CreateKernel(context.Background(), CreateOptions{Lang: LangPython})
	require.Error(t, err)
}

func TestCloseDestroysAllLiveKernelsAndRejectsFurtherCreates(t *testing.T) {
	m := New(WithBackend(&fakeBackend{}))
	id1, err := m.CreateKernel(context.Background(), CreateOptions{Lang: LangPython})
	require.NoError(t, err)
	id2, err := m.CreateKernel(context.Background(), CreateOptions{Lang: LangJavaScript})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Count())

	_, ok := m.GetKernel(id1)
	assert.False(t, ok)
	_, ok = m.GetKernel(id2)
	assert.False(t, ok)

	_, err = m.CreateKernel(context.Background(), CreateOptions{Lang: LangPython})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrClosed)
}

func TestCreateKernelPassesEnvToInterpreter(t *testing.T) {
	var captured *kernel.MockInterpreter
	m := New(WithBackend(&fakeBackend{
		onNew: func(lang string) (kernel.Interpreter, error) {
			captured = kernel.NewMockInterpreter()
			return captured, nil
		},
	}))

	v := "v"
	_, err := m.CreateKernel(context.Background(), CreateOptions{
		Lang: LangPython,
		Env:  map[string]*string{"KEPT": &v, "DROPPED": nil},
	})
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, map[string]string{"KEPT": "v"}, captured.LastEnv())
}
