package claude

import (
	"testing"

	"github.com/deepnoodle-ai/relay/stream"
	"github.com/stretchr/testify/require"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []stream.Event
	}{
		{
			name: "system init",
			line: `{"type":"system","subtype":"init","session_id":"abc","tools":[]}`,
			want: []stream.Event{stream.SessionID("abc")},
		},
		{
			name: "text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"4"}}}`,
			want: []stream.Event{stream.Text("4")},
		},
		{
			name: "thinking delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hm"}}}`,
			want: []stream.Event{stream.Thinking("hm")},
		},
		{
			name: "message start ignored",
			line: `{"type":"stream_event","event":{"type":"message_start","message":{}}}`,
		},
		{
			name: "assistant tool use",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"x"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
			want: []stream.Event{stream.ToolUse("t1", "Bash", []byte(`{"command":"ls"}`))},
		},
		{
			name: "user tool result string",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"README.md"}]}}`,
			want: []stream.Event{stream.ToolResult("t1", "README.md")},
		},
		{
			name: "user tool result parts",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
			want: []stream.Event{stream.ToolResult("t1", "a\nb")},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			events, err := decodeLine([]byte(tc.line))
			require.NoError(t, err)
			require.Equal(t, tc.want, events)
		})
	}
}

func TestDecodeResult(t *testing.T) {
	events, err := decodeLine([]byte(`{"type":"result","subtype":"success","is_error":false,"duration_ms":1200,
		"session_id":"abc","total_cost_usd":0.0123,"usage":{"input_tokens":10,"output_tokens":4}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, stream.KindResult, ev.Kind)
	require.Equal(t, "abc", ev.Result.SessionID)
	require.Equal(t, int64(1200), ev.Result.DurationMS)
	require.InDelta(t, 0.0123, *ev.Result.CostUSD, 1e-9)
	require.Equal(t, 10, *ev.Result.InputTokens)
	require.Equal(t, 4, *ev.Result.OutputTokens)

	events, err = decodeLine([]byte(`{"type":"result","subtype":"error_max_turns","is_error":true}`))
	require.NoError(t, err)
	require.True(t, events[0].Result.IsError)
	require.Nil(t, events[0].Result.CostUSD)
	require.Equal(t, "error_max_turns", events[0].Text)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := decodeLine([]byte(`{"type":`))
	require.Error(t, err)
}
