// Package transcript parses the content-addressed JSONL session logs the
// agent runtime writes into structured history messages, per spec.md
// §4.13. It never writes transcripts, only reads them.
package transcript

import "encoding/json"

// MessageType classifies a parsed Message beyond its plain user/assistant
// role.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageCommand    MessageType = "command"
	MessageCompaction MessageType = "compaction"
)

// PartKind identifies one block inside an assistant message's Parts.
type PartKind string

const (
	PartText     PartKind = "text"
	PartToolCall PartKind = "tool_call"
)

// ToolCallPart is one tool_use block plus whatever tool_result was later
// correlated to it.
type ToolCallPart struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input,omitempty"`
	Result        string          `json:"result,omitempty"`
	ResultIsError bool            `json:"resultIsError,omitempty"`

	// Questions/Answers are populated only when Name == "AskUserQuestion".
	Questions []AskQuestion     `json:"questions,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"` // keyed by string(questionIndex)

	// CommandName/CommandArgs are populated only when Name == "Skill" and
	// the correlated tool_result carried toolUseResult.commandName.
	CommandName string `json:"commandName,omitempty"`
	CommandArgs string `json:"commandArgs,omitempty"`
}

// AskQuestion mirrors one entry of an AskUserQuestion tool_use's
// input.questions array.
type AskQuestion struct {
	Text          string   `json:"text"`
	Options       []string `json:"options,omitempty"`
	AllowMultiple bool     `json:"allowMultiple,omitempty"`
}

// Part is one ordered block of an assistant message.
type Part struct {
	Kind     PartKind      `json:"kind"`
	Text     string        `json:"text,omitempty"`
	ToolCall *ToolCallPart `json:"toolCall,omitempty"`
}

// Message is one parsed, display-ready transcript entry.
type Message struct {
	Role        string          `json:"role"` // "user" | "assistant"
	Content     string          `json:"content"`
	MessageType MessageType     `json:"messageType"`
	CommandName string          `json:"commandName,omitempty"`
	CommandArgs string          `json:"commandArgs,omitempty"`
	Parts       []Part          `json:"parts,omitempty"`
	ToolCalls   []*ToolCallPart `json:"toolCalls,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
}

// Metadata is the head/tail-scanned summary used by listSessions/getSession
// so those endpoints never need to parse an entire transcript file.
type Metadata struct {
	Title          string `json:"title,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	ContextTokens  int64  `json:"contextTokens,omitempty"`
}
