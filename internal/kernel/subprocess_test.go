package kernel

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain re-execs the test binary itself as the child interpreter when
// run under the AGENTKERNEL_SUBPROCESS_HELPER flag, following the standard
// library's own os/exec self-test pattern (see os/exec_test.go's
// TestHelperProcess) rather than shipping a separate fixture binary.
func TestMain(m *testing.M) {
	if os.Getenv("AGENTKERNEL_SUBPROCESS_HELPER") == "1" {
		runFakeInterpreter()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newHelperInterpreter(t *testing.T) *SubprocessInterpreter {
	t.Helper()
	t.Setenv("AGENTKERNEL_SUBPROCESS_HELPER", "1")
	interp, err := NewSubprocessInterpreter(context.Background(), os.Args[0], "-test.run=TestMain")
	require.NoError(t, err)
	t.Cleanup(func() { _ = interp.Close() })
	return interp
}

// runFakeInterpreter speaks just enough of the wire protocol to exercise
// SubprocessInterpreter: it echoes code back as the execute result,
// answers set_env with ok, and answers one input_request round trip when
// asked to run "input".
func runFakeInterpreter() {
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	write := func(msg wireMessage) {
		body, _ := json.Marshal(msg)
		lengthBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBuf, uint32(len(body)))
		writer.Write(lengthBuf)
		writer.Write(body)
		writer.Flush()
	}

	for {
		lengthBuf := make([]byte, 4)
		if _, err := io.ReadFull(reader, lengthBuf); err != nil {
			return
		}
		length := binary.LittleEndian.Uint32(lengthBuf)
		body := make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case msgTypeShutdown:
			return
		case msgTypeSetEnv:
			write(wireMessage{ID: msg.ID, Type: msgTypeSetEnv, Status: "ok"})
		case msgTypeExecute:
			if msg.Code == "input" {
				write(wireMessage{ID: msg.ID, Type: msgTypeInputReq, Prompt: "name?"})
				continue
			}
			v := "echo:" + msg.Code
			write(wireMessage{ID: msg.ID, Type: msgTypeExecute, Status: "ok", Value: &v})
		case msgTypeInputReply:
			v := "hello " + *msg.Value
			write(wireMessage{ID: msg.ID, Type: msgTypeExecute, Status: "ok", Value: &v})
		default:
			write(wireMessage{ID: msg.ID, Type: msg.Type, Status: "ok"})
		}
	}
}

func TestSubprocessSetEnvRoundTrip(t *testing.T) {
	interp := newHelperInterpreter(t)
	require.NoError(t, interp.SetEnv(map[string]string{"FOO": "bar"}))
}

func TestSubprocessRunEchoesCode(t *testing.T) {
	interp := newHelperInterpreter(t)
	res, err := interp.Run(context.Background(), "1+1", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	require.NotNil(t, res.Value)
	assert.Equal(t, "echo:1+1", *res.Value)
}

func TestSubprocessInputRequestDispatchesToRequester(t *testing.T) {
	interp := newHelperInterpreter(t)

	var capturedPrompt string
	requester := InputRequester(func(ctx context.Context, prompt string, password bool) (string, error) {
		capturedPrompt = prompt
		return "world", nil
	})

	res, err := interp.Run(context.Background(), "input", requester)
	require.NoError(t, err)
	assert.Equal(t, "name?", capturedPrompt)
	require.NotNil(t, res.Value)
	assert.Equal(t, "hello world", *res.Value)
}

func TestSubprocessCloseIsIdempotentEnough(t *testing.T) {
	interp := newHelperInterpreter(t)
	require.NoError(t, interp.Close())
}
