// Package stream defines the partial events an agent runtime emits during a
// turn and folds them into the content blocks of a complete message.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/relay/llm"
)

// Kind identifies the type of an Event.
type Kind string

const (
	// Content kinds, relayed to clients and folded into messages
	KindText       Kind = "text"
	KindThinking   Kind = "thinking"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"

	// Control kinds, decoded at the runtime boundary
	KindSessionID Kind = "session_id"
	KindResult    Kind = "result"
	KindError     Kind = "error"
)

func (k Kind) String() string {
	return string(k)
}

// IsContent reports whether events of this kind become content blocks.
func (k Kind) IsContent() bool {
	switch k {
	case KindText, KindThinking, KindToolUse, KindToolResult:
		return true
	}
	return false
}

// Result carries the usage reported when a turn ends. Nil fields were not
// reported by the runtime.
type Result struct {
	SessionID    string
	CostUSD      *float64
	InputTokens  *int
	OutputTokens *int
	DurationMS   int64
	IsError      bool
}

// HasUsage reports whether any usage value is set.
func (r *Result) HasUsage() bool {
	return r != nil && (r.CostUSD != nil || r.InputTokens != nil || r.OutputTokens != nil)
}

// Usage returns the reported values with missing ones as zero. fallbackCost
// stands in for a missing cost, since a zero would reset the running total.
func (r *Result) Usage(fallbackCost float64) llm.Usage {
	u := llm.Usage{CostUSD: fallbackCost}
	if r == nil {
		return u
	}
	if r.CostUSD != nil {
		u.CostUSD = *r.CostUSD
	}
	if r.InputTokens != nil {
		u.InputTokens = *r.InputTokens
	}
	if r.OutputTokens != nil {
		u.OutputTokens = *r.OutputTokens
	}
	return u
}

// Event is one partial event of a runtime turn.
//
// Which fields are meaningful depends on Kind:
//
//	text, thinking: Text (a delta)
//	tool_use:       ToolName, ToolInput, ToolCallID
//	tool_result:    ToolCallID, Text
//	session_id:     SessionID
//	result:         Result
//	error:          Err
type Event struct {
	Kind       Kind
	Text       string
	ToolName   string
	ToolInput  json.RawMessage
	ToolCallID string
	SessionID  string
	Result     *Result
	Err        error
}

func Text(delta string) Event     { return Event{Kind: KindText, Text: delta} }
func Thinking(delta string) Event { return Event{Kind: KindThinking, Text: delta} }

func ToolUse(id, name string, input json.RawMessage) Event {
	return Event{Kind: KindToolUse, ToolCallID: id, ToolName: name, ToolInput: input}
}

func ToolResult(toolCallID, content string) Event {
	return Event{Kind: KindToolResult, ToolCallID: toolCallID, Text: content}
}

func SessionID(id string) Event { return Event{Kind: KindSessionID, SessionID: id} }
func Done(r *Result) Event      { return Event{Kind: KindResult, Result: r} }
func Failure(err error) Event   { return Event{Kind: KindError, Err: err} }

// ContentBlock converts a content event into the block it opens. The second
// return value is false for control events.
func (e Event) ContentBlock() (llm.ContentBlock, bool) {
	switch e.Kind {
	case KindText:
		return llm.NewText(e.Text), true
	case KindThinking:
		return llm.NewThinking(e.Text), true
	case KindToolUse:
		return llm.NewToolUse(e.ToolCallID, e.ToolName, e.ToolInput), true
	case KindToolResult:
		return llm.NewToolResult(e.ToolCallID, e.Text), true
	}
	return llm.ContentBlock{}, false
}

func (e Event) String() string {
	switch e.Kind {
	case KindToolUse:
		return fmt.Sprintf("tool_use(%s)", e.ToolName)
	case KindSessionID:
		return fmt.Sprintf("session_id(%s)", e.SessionID)
	case KindError:
		return fmt.Sprintf("error(%v)", e.Err)
	}
	return e.Kind.String()
}
