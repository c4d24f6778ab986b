package llm

import (
	"encoding/json"
	"fmt"
)

// ContentType indicates the type of a content block in a message
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeThinking   ContentType = "thinking"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

func (c ContentType) String() string {
	return string(c)
}

// Valid reports whether c is one of the four known content types.
func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeText, ContentTypeThinking, ContentTypeToolUse, ContentTypeToolResult:
		return true
	}
	return false
}

// ContentBlock is a single block of content in a message. A message may
// contain multiple content blocks of varying types, in emission order.
//
// Which fields are meaningful depends on Type:
//
//	text, thinking: Content
//	tool_use:       ToolName, ToolInput, ToolCallID (optional)
//	tool_result:    ToolCallID, Content
type ContentBlock struct {
	Type       ContentType
	Content    string
	ToolName   string
	ToolInput  json.RawMessage
	ToolCallID string
}

//// Constructors //////////////////////////////////////////////////////////////

// NewText returns a text block.
func NewText(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Content: text}
}

// NewThinking returns a thinking block.
func NewThinking(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeThinking, Content: text}
}

// NewToolUse returns a tool_use block. A nil input is encoded as {}.
func NewToolUse(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentTypeToolUse, ToolCallID: id, ToolName: name, ToolInput: input}
}

// NewToolResult returns a tool_result block for the tool call with the given id.
func NewToolResult(toolCallID, content string) ContentBlock {
	return ContentBlock{Type: ContentTypeToolResult, ToolCallID: toolCallID, Content: content}
}

// Copy returns a deep copy of the block.
func (c ContentBlock) Copy() ContentBlock {
	if c.ToolInput != nil {
		c.ToolInput = append(json.RawMessage(nil), c.ToolInput...)
	}
	return c
}

// CopyBlocks returns a deep copy of blocks.
func CopyBlocks(blocks []ContentBlock) []ContentBlock {
	if blocks == nil {
		return nil
	}
	out := make([]ContentBlock, len(blocks))
	for i, b := range blocks {
		out[i] = b.Copy()
	}
	return out
}

// Text concatenates the content of all text blocks.
func Text(blocks []ContentBlock) string {
	var text string
	for _, b := range blocks {
		if b.Type == ContentTypeText {
			text += b.Content
		}
	}
	return text
}

//// JSON //////////////////////////////////////////////////////////////////////

/* Examples:
{"type": "text", "content": "The answer is 4."}
{"type": "thinking", "content": "The user wants..."}
{"type": "tool_use", "toolName": "Bash", "toolInput": {"command": "ls"}, "toolCallId": "toolu_01"}
{"type": "tool_result", "content": "README.md", "toolCallId": "toolu_01"}
*/

func (c ContentBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": c.Type}
	switch c.Type {
	case ContentTypeText, ContentTypeThinking:
		m["content"] = c.Content
	case ContentTypeToolUse:
		m["toolName"] = c.ToolName
		input := c.ToolInput
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		m["toolInput"] = input
		if c.ToolCallID != "" {
			m["toolCallId"] = c.ToolCallID
		}
	case ContentTypeToolResult:
		m["content"] = c.Content
		m["toolCallId"] = c.ToolCallID
	default:
		return nil, fmt.Errorf("unknown content type %q", c.Type)
	}
	return json.Marshal(m)
}

func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       ContentType     `json:"type"`
		Content    string          `json:"content"`
		ToolName   string          `json:"toolName"`
		ToolInput  json.RawMessage `json:"toolInput"`
		ToolCallID *string         `json:"toolCallId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.Type.Valid() {
		return fmt.Errorf("unknown content type %q", raw.Type)
	}
	*c = ContentBlock{
		Type:      raw.Type,
		Content:   raw.Content,
		ToolName:  raw.ToolName,
		ToolInput: raw.ToolInput,
	}
	if raw.ToolCallID != nil {
		c.ToolCallID = *raw.ToolCallID
	}
	return nil
}
