// Package llm defines the conversation content model shared by the runtime
// boundary, the conversation log and the streaming gateway.
//
//   - [ContentBlock] is the tagged content variant: text, thinking, tool_use
//     and tool_result.
//   - [Role] identifies the author of a persisted message.
//   - [Usage] is the token and cost accounting of one turn.
//
// The JSON encoding of a [ContentBlock] is the same shape the gateway relays to
// clients, so persisted messages can be replayed to a client verbatim.
package llm
