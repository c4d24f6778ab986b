package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	relayruntime "github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/runtime/runtimetest"
	"github.com/deepnoodle-ai/relay/stream"
	"github.com/stretchr/testify/require"
)

// fakeClaude writes a shell script that answers each input line with the
// given output lines and records its arguments.
func fakeClaude(t *testing.T, output ...string) (binary, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	var script strings.Builder
	script.WriteString("#!/bin/sh\n")
	script.WriteString(`echo "$@" > "` + argsFile + "\"\n")
	script.WriteString("while read -r line; do\n")
	for _, out := range output {
		script.WriteString("  echo '" + out + "'\n")
	}
	script.WriteString("done\n")
	binary = filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(binary, []byte(script.String()), 0o755))
	return binary, argsFile
}

func TestArgs(t *testing.T) {
	r := New(Options{Binary: "claude"})
	args := r.Args(relayruntime.ConnectOptions{
		Resume:         "abc",
		Model:          "sonnet",
		MaxTurns:       5,
		PermissionMode: "acceptEdits",
		AllowedTools:   []string{"Read", "Bash"},
	})
	joined := strings.Join(args, " ")
	require.Contains(t, joined, "--input-format stream-json --output-format stream-json")
	require.Contains(t, joined, "--include-partial-messages")
	require.Contains(t, joined, "--resume abc")
	require.Contains(t, joined, "--model sonnet")
	require.Contains(t, joined, "--max-turns 5")
	require.Contains(t, joined, "--permission-mode acceptEdits")
	require.Contains(t, joined, "--allowedTools Read,Bash")
}

func TestConnTurn(t *testing.T) {
	binary, argsFile := fakeClaude(t,
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"2+2 "}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"= 4"}}}`,
		`{"type":"result","subtype":"success","total_cost_usd":0.01,"usage":{"input_tokens":3,"output_tokens":2}}`,
	)
	ctx := context.Background()
	conn, err := New(Options{Binary: binary}).Connect(ctx, relayruntime.ConnectOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		events, err := conn.Send(ctx, "2+2?")
		require.NoError(t, err)
		got := runtimetest.Collect(events)
		require.Len(t, got, 4)
		require.Equal(t, stream.SessionID("sess-1"), got[0])
		require.Equal(t, stream.KindResult, got[3].Kind)
		require.Equal(t, 3, *got[3].Result.InputTokens)
		require.Equal(t, "2+2 = 4", stream.Fold(got)[0].Content)
	}
	require.Equal(t, "sess-1", conn.SessionID())

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Contains(t, string(args), "--output-format stream-json")
}

func TestConnErrorResultKeepsUsage(t *testing.T) {
	binary, _ := fakeClaude(t,
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"result","subtype":"error_max_turns","is_error":true,"total_cost_usd":0.02,"usage":{"input_tokens":7,"output_tokens":5}}`,
	)
	ctx := context.Background()
	conn, err := New(Options{Binary: binary}).Connect(ctx, relayruntime.ConnectOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	events, err := conn.Send(ctx, "go")
	require.NoError(t, err)
	got := runtimetest.Collect(events)
	require.Len(t, got, 2)
	require.Equal(t, stream.KindError, got[1].Kind)

	var streamErr *relayruntime.StreamError
	require.ErrorAs(t, got[1].Err, &streamErr)
	require.Equal(t, "error_max_turns", streamErr.Message)
	require.NotNil(t, streamErr.Result)
	require.Equal(t, 7, *streamErr.Result.InputTokens)
	require.InDelta(t, 0.02, *streamErr.Result.CostUSD, 1e-9)
}

func TestConnProcessExitMidTurn(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	binary := filepath.Join(dir, "claude")
	script := "#!/bin/sh\nread -r line\n" +
		`echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}}'` +
		"\nexit 3\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))

	ctx := context.Background()
	conn, err := New(Options{Binary: binary}).Connect(ctx, relayruntime.ConnectOptions{Resume: "abc"})
	require.NoError(t, err)
	defer conn.Close()

	events, err := conn.Send(ctx, "hello")
	require.NoError(t, err)
	got := runtimetest.Collect(events)
	require.Len(t, got, 2)
	require.Equal(t, stream.Text("partial"), got[0])
	require.Equal(t, stream.KindError, got[1].Kind)
	require.True(t, errors.Is(got[1].Err, relayruntime.ErrStreamFailed))

	var streamErr *relayruntime.StreamError
	require.ErrorAs(t, got[1].Err, &streamErr)
	require.Equal(t, "abc", streamErr.SessionID)

	_, err = conn.Send(ctx, "again")
	require.ErrorIs(t, err, relayruntime.ErrClosed)
}
