package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/deepnoodle-ai/relay/session"
	"github.com/deepnoodle-ai/relay/stream"
	"github.com/deepnoodle-ai/relay/workflow"
)

// EventType is the type tag of a server to client event.
type EventType string

const (
	EventSessionReady      EventType = "session_ready"
	EventSessionCreated    EventType = "session_created"
	EventSessionIDCaptured EventType = "session_id_captured"
	EventThreadCreated     EventType = "thread_created"
	EventStart             EventType = "start"
	EventText              EventType = "text"
	EventThinking          EventType = "thinking"
	EventToolUse           EventType = "tool_use"
	EventToolResult        EventType = "tool_result"
	EventComplete          EventType = "complete"
	EventError             EventType = "error"
)

// Event is a server to client protocol event. Only the fields of its Type
// are encoded.
//
//	{"type":"session_ready","claude_session_id":"abc","messages":[...]}
//	{"type":"session_created","session_id":"abc"}
//	{"type":"session_id_captured","session_id":"abc"}
//	{"type":"thread_created","thread_id":"abc"}
//	{"type":"start","run_id":"..."}
//	{"type":"text","content":"The answer"}
//	{"type":"tool_use","toolName":"Bash","toolInput":{"command":"ls"}}
//	{"type":"tool_result","content":"README.md","toolCallId":"toolu_01"}
//	{"type":"complete"}
//	{"type":"complete","run_id":"...","artifact_paths":["artifacts/.../report.pdf"]}
//	{"type":"error","message":"..."}
type Event struct {
	Type EventType

	SessionID string
	ThreadID  string
	Messages  []*session.Message

	Content    string
	ToolName   string
	ToolInput  json.RawMessage
	ToolCallID string

	RunID         string
	ArtifactPaths []string

	// Message is the error text. ErrorKey selects the JSON key it is
	// written under: "message" on WebSocket, "error" on SSE.
	Message  string
	ErrorKey string
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": e.Type}
	switch e.Type {
	case EventSessionReady:
		messages := e.Messages
		if messages == nil {
			messages = []*session.Message{}
		}
		m["claude_session_id"] = e.SessionID
		m["messages"] = messages
	case EventSessionCreated, EventSessionIDCaptured:
		m["session_id"] = e.SessionID
	case EventThreadCreated:
		m["thread_id"] = e.ThreadID
	case EventStart:
		m["run_id"] = e.RunID
	case EventText, EventThinking:
		m["content"] = e.Content
	case EventToolUse:
		input := e.ToolInput
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		m["toolName"] = e.ToolName
		m["toolInput"] = input
		if e.ToolCallID != "" {
			m["toolCallId"] = e.ToolCallID
		}
		if e.ToolName == "TodoWrite" {
			if todos := gjson.GetBytes(input, "todos"); todos.Exists() {
				m["todos"] = json.RawMessage(todos.Raw)
			}
		}
	case EventToolResult:
		m["content"] = e.Content
		m["toolCallId"] = e.ToolCallID
	case EventComplete:
		if e.RunID != "" {
			paths := e.ArtifactPaths
			if paths == nil {
				paths = []string{}
			}
			m["run_id"] = e.RunID
			m["artifact_paths"] = paths
		}
	case EventError:
		key := e.ErrorKey
		if key == "" {
			key = "message"
		}
		m[key] = e.Message
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return json.Marshal(m)
}

// FromStream converts a content event to its wire event. The second return
// value is false for control events, which are not relayed as-is.
func FromStream(ev stream.Event) (Event, bool) {
	switch ev.Kind {
	case stream.KindText:
		return Event{Type: EventText, Content: ev.Text}, true
	case stream.KindThinking:
		return Event{Type: EventThinking, Content: ev.Text}, true
	case stream.KindToolUse:
		return Event{Type: EventToolUse, ToolName: ev.ToolName, ToolInput: ev.ToolInput, ToolCallID: ev.ToolCallID}, true
	case stream.KindToolResult:
		return Event{Type: EventToolResult, Content: ev.Text, ToolCallID: ev.ToolCallID}, true
	}
	return Event{}, false
}

// FromUpdate converts a workflow update to its wire event.
func FromUpdate(u workflow.Update) (Event, bool) {
	switch u.Kind {
	case workflow.UpdateStart:
		return Event{Type: EventStart, RunID: u.RunID}, true
	case workflow.UpdateEvent:
		return FromStream(u.Event)
	case workflow.UpdateComplete:
		return Event{Type: EventComplete, RunID: u.RunID, ArtifactPaths: u.ArtifactPaths}, true
	case workflow.UpdateError:
		return Event{Type: EventError, Message: errorText(u.Err), ErrorKey: "error"}, true
	}
	return Event{}, false
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Client message types.
const (
	MessageInitSession = "init_session"
	MessageQuery       = "query"
)

// ClientMessage is a client to server protocol message.
//
//	{"type":"init_session","claude_session_id":"abc"}
//	{"type":"query","content":"2+2?"}
//	{"type":"query","content":"and 3+3?","session_id":"abc"}
type ClientMessage struct {
	Type            string `json:"type"`
	ClaudeSessionID string `json:"claude_session_id,omitempty"`
	Content         string `json:"content,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
}
