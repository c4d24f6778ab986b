package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/deepnoodle-ai/relay/stream"
)

// decodeLine converts one line of Claude Code stream-json output into zero
// or more stream events. Lines that carry nothing relay cares about (hook
// output, message_start and friends) decode to no events.
//
// Relevant line shapes:
//
//	{"type":"system","subtype":"init","session_id":"..."}
//	{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"..."}}}
//	{"type":"assistant","message":{"content":[{"type":"tool_use","id":"...","name":"...","input":{...}}]}}
//	{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"...","content":"..."}]}}
//	{"type":"result","subtype":"success","total_cost_usd":0.01,"usage":{"input_tokens":1,"output_tokens":2}}
func decodeLine(line []byte) ([]stream.Event, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("invalid stream-json line: %.80q", line)
	}
	root := gjson.ParseBytes(line)

	switch root.Get("type").String() {
	case "system":
		if root.Get("subtype").String() == "init" {
			if id := root.Get("session_id").String(); id != "" {
				return []stream.Event{stream.SessionID(id)}, nil
			}
		}
		return nil, nil

	case "stream_event":
		event := root.Get("event")
		if event.Get("type").String() != "content_block_delta" {
			return nil, nil
		}
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []stream.Event{stream.Text(delta.Get("text").String())}, nil
		case "thinking_delta":
			return []stream.Event{stream.Thinking(delta.Get("thinking").String())}, nil
		}
		return nil, nil

	case "assistant":
		var events []stream.Event
		root.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_use" {
				input := json.RawMessage(block.Get("input").Raw)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				events = append(events, stream.ToolUse(
					block.Get("id").String(),
					block.Get("name").String(),
					input,
				))
			}
			return true
		})
		return events, nil

	case "user":
		var events []stream.Event
		root.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_result" {
				events = append(events, stream.ToolResult(
					block.Get("tool_use_id").String(),
					toolResultContent(block.Get("content")),
				))
			}
			return true
		})
		return events, nil

	case "result":
		result := &stream.Result{
			SessionID:  root.Get("session_id").String(),
			DurationMS: root.Get("duration_ms").Int(),
			IsError:    root.Get("is_error").Bool(),
		}
		if v := root.Get("total_cost_usd"); v.Exists() {
			cost := v.Float()
			result.CostUSD = &cost
		}
		if v := root.Get("usage.input_tokens"); v.Exists() {
			n := int(v.Int())
			result.InputTokens = &n
		}
		if v := root.Get("usage.output_tokens"); v.Exists() {
			n := int(v.Int())
			result.OutputTokens = &n
		}
		if result.IsError {
			msg := root.Get("result").String()
			if msg == "" {
				msg = root.Get("subtype").String()
			}
			return []stream.Event{{Kind: stream.KindResult, Result: result, Text: msg}}, nil
		}
		return []stream.Event{stream.Done(result)}, nil
	}
	return nil, nil
}

// toolResultContent flattens tool result content, which is either a string
// or a list of text parts.
func toolResultContent(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				parts = append(parts, part.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	case content.Exists():
		return content.Raw
	}
	return ""
}
