package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentBlockMarshalShapes(t *testing.T) {
	tests := []struct {
		name     string
		block    ContentBlock
		expected string
	}{
		{"text", NewText("hi"), `{"content":"hi","type":"text"}`},
		{"thinking", NewThinking("hmm"), `{"content":"hmm","type":"thinking"}`},
		{
			"tool use",
			NewToolUse("toolu_1", "Bash", json.RawMessage(`{"command":"ls"}`)),
			`{"toolCallId":"toolu_1","toolInput":{"command":"ls"},"toolName":"Bash","type":"tool_use"}`,
		},
		{
			"tool use without input",
			NewToolUse("", "Read", nil),
			`{"toolInput":{},"toolName":"Read","type":"tool_use"}`,
		},
		{
			"tool result",
			NewToolResult("toolu_1", "README.md"),
			`{"content":"README.md","toolCallId":"toolu_1","type":"tool_result"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.block)
			require.NoError(t, err)
			require.JSONEq(t, tc.expected, string(data))
		})
	}
}

func TestContentBlockUnknownType(t *testing.T) {
	_, err := json.Marshal(ContentBlock{Type: "image"})
	require.Error(t, err)

	var block ContentBlock
	err = json.Unmarshal([]byte(`{"type":"image"}`), &block)
	require.Error(t, err)
}

func TestContentBlockUnmarshal(t *testing.T) {
	var blocks []ContentBlock
	err := json.Unmarshal([]byte(`[
		{"type":"text","content":"a"},
		{"type":"tool_use","toolName":"Bash","toolInput":{"command":"ls"}},
		{"type":"tool_result","content":"ok","toolCallId":"t1"}
	]`), &blocks)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	require.Equal(t, NewText("a"), blocks[0])
	require.Equal(t, "Bash", blocks[1].ToolName)
	require.JSONEq(t, `{"command":"ls"}`, string(blocks[1].ToolInput))
	require.Equal(t, "t1", blocks[2].ToolCallID)
}

func TestCopyBlocksIsDeep(t *testing.T) {
	original := []ContentBlock{NewToolUse("t1", "Bash", json.RawMessage(`{"a":1}`))}
	cp := CopyBlocks(original)
	cp[0].ToolInput[2] = 'b'
	require.JSONEq(t, `{"a":1}`, string(original[0].ToolInput))
	require.Nil(t, CopyBlocks(nil))
}

func TestText(t *testing.T) {
	blocks := []ContentBlock{NewText("a"), NewThinking("x"), NewText("b")}
	require.Equal(t, "ab", Text(blocks))
}

func TestUsageAdd(t *testing.T) {
	u := &Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01}
	u.Add(&Usage{InputTokens: 3, OutputTokens: 2, CostUSD: 0.03})
	require.Equal(t, 13, u.InputTokens)
	require.Equal(t, 7, u.OutputTokens)
	require.Equal(t, 0.03, u.CostUSD)

	cp := u.Copy()
	cp.InputTokens = 99
	require.Equal(t, 13, u.InputTokens)
}
