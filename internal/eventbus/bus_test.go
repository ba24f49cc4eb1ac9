package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

func TestOnDispatchesToExactType(t *testing.T) {
	b := New(0, nil)

	var got interface{}
	b.On(kernelproto.EventStream, func(data interface{}) { got = data })
	b.On(kernelproto.EventKernelBusy, func(data interface{}) { t.Fatal("wrong handler invoked") })

	b.Emit(kernelproto.EventStream, kernelproto.StreamData{Name: "stdout", Text: "hi"})

	require.NotNil(t, got)
	assert.Equal(t, kernelproto.StreamData{Name: "stdout", Text: "hi"}, got)
}

func TestWildcardReceivesEnvelope(t *testing.T) {
	b := New(0, nil)

	var envelope kernelproto.Envelope
	b.On(kernelproto.EventWildcard, func(data interface{}) {
		envelope = data.(kernelproto.Envelope)
	})

	b.Emit(kernelproto.EventKernelIdle, nil)

	assert.Equal(t, kernelproto.EventKernelIdle, envelope.Type)
}

func TestWildcardAndSpecificBothFire(t *testing.T) {
	b := New(0, nil)

	var specificCalls, wildcardCalls int
	b.On(kernelproto.EventExecuteResult, func(data interface{}) { specificCalls++ })
	b.On(kernelproto.EventWildcard, func(data interface{}) { wildcardCalls++ })

	b.Emit(kernelproto.EventExecuteResult, kernelproto.ExecuteResultData{ExecutionCount: 1})

	assert.Equal(t, 1, specificCalls)
	assert.Equal(t, 1, wildcardCalls)
}

func TestOffRemovesOnlyThatHandler(t *testing.T) {
	b := New(0, nil)

	firstCalls, secondCalls := 0, 0
	first := b.On(kernelproto.EventKernelReady, func(data interface{}) { firstCalls++ })
	b.On(kernelproto.EventKernelReady, func(data interface{}) { secondCalls++ })
	b.Off(first)

	b.Emit(kernelproto.EventKernelReady, nil)

	assert.Equal(t, 0, firstCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestOffWildcardRemovesOnlyThatSubscription(t *testing.T) {
	b := New(0, nil)

	specificCalls := 0
	firstWildcard, secondWildcard := 0, 0
	b.On(kernelproto.EventKernelBusy, func(data interface{}) { specificCalls++ })
	sub := b.On(kernelproto.EventWildcard, func(data interface{}) { firstWildcard++ })
	b.On(kernelproto.EventWildcard, func(data interface{}) { secondWildcard++ })
	b.Off(sub)

	b.Emit(kernelproto.EventKernelBusy, nil)

	assert.Equal(t, 1, specificCalls)
	assert.Equal(t, 0, firstWildcard)
	assert.Equal(t, 1, secondWildcard)
}

func TestOffOnZeroSubscriptionIsNoop(t *testing.T) {
	b := New(0, nil)

	calls := 0
	b.On(kernelproto.EventKernelReady, func(data interface{}) { calls++ })
	b.Off(Subscription{})

	b.Emit(kernelproto.EventKernelReady, nil)

	assert.Equal(t, 1, calls)
}

func TestHandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := New(0, nil)

	second := false
	b.On(kernelproto.EventKernelBusy, func(data interface{}) { panic("boom") })
	b.On(kernelproto.EventKernelBusy, func(data interface{}) { second = true })

	assert.NotPanics(t, func() {
		b.Emit(kernelproto.EventKernelBusy, nil)
	})
	assert.True(t, second)
}

func TestListenerCapLogsWarningButStillRegisters(t *testing.T) {
	b := New(1, nil)

	busySub := b.On(kernelproto.EventKernelBusy, func(data interface{}) {})
	idleSub := b.On(kernelproto.EventKernelIdle, func(data interface{}) {})

	// The cap is advisory: both handlers are registered and fire.
	assert.Equal(t, 2, b.ListenerCount())

	busyCalled, idleCalled := false, false
	b.Off(busySub)
	b.Off(idleSub)
	b.On(kernelproto.EventKernelBusy, func(data interface{}) { busyCalled = true })
	b.On(kernelproto.EventKernelIdle, func(data interface{}) { idleCalled = true })
	b.Emit(kernelproto.EventKernelBusy, nil)
	b.Emit(kernelproto.EventKernelIdle, nil)
	assert.True(t, busyCalled)
	assert.True(t, idleCalled)
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	b := New(0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.On(kernelproto.EventStream, func(data interface{}) {})
		}()
		go func() {
			defer wg.Done()
			b.Emit(kernelproto.EventStream, kernelproto.StreamData{Name: "stdout"})
		}()
	}
	wg.Wait()
}
