package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// skippedLineTypes are the raw JSONL record `type` values spec.md §4.13
// says to drop outright before any further processing.
var skippedLineTypes = map[string]bool{
	"file-history-snapshot": true,
	"progress":              true,
	"system":                true,
	"summary":               true,
	"task-notification":     true,
}

var (
	systemReminderRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
	commandNameRe    = regexp.MustCompile(`^<command-name>(.*)</command-name>$`)
	commandArgsRe    = regexp.MustCompile(`^<command-args>(.*)</command-args>$`)
	localCommandRe   = regexp.MustCompile(`^<local-command-`)
	compactionRe     = regexp.MustCompile(`^This session is being continued`)
	qaFallbackRe     = regexp.MustCompile(`"([^"]+)"\s*=\s*"([^"]+)"`)
)

type rawLine struct {
	Type          string          `json:"type"`
	Message       *rawMessage     `json:"message,omitempty"`
	ToolUseResult json.RawMessage `json:"toolUseResult,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Model   string          `json:"model,omitempty"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type toolUseResultPayload struct {
	CommandName string            `json:"commandName,omitempty"`
	Answers     map[string]string `json:"answers,omitempty"`
}

// ParseFile reads a content-addressed JSONL transcript and returns its
// parsed, display-ready history.
func ParseFile(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var out []Message
	// toolCallIndex correlates a tool_use id to the ToolCallPart awaiting
	// its tool_result, which may arrive several lines later as the next
	// user message.
	toolCallIndex := make(map[string]*ToolCallPart)

	var pendingCommandName, pendingCommandArgs string
	havePendingCommand := false

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var raw rawLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue // tolerate a malformed line rather than aborting the whole file
		}
		if skippedLineTypes[raw.Type] {
			continue
		}
		if raw.Message == nil {
			continue
		}

		blocks, text, isPureText := decodeContent(raw.Message.Content)

		if raw.Message.Role == "user" {
			trimmedText := strings.TrimSpace(text)

			if m := commandArgsRe.FindStringSubmatch(trimmedText); isPureText && m != nil && havePendingCommand {
				pendingCommandArgs = m[1]
				continue
			}

			if havePendingCommand {
				// This message is the expansion that follows a
				// <command-name>/<command-args> pair; collapse all three
				// into one synthetic message and emit nothing else.
				content := pendingCommandName
				if pendingCommandArgs != "" {
					content = pendingCommandName + " " + pendingCommandArgs
				}
				out = append(out, Message{
					Role:        "user",
					Content:     content,
					MessageType: MessageCommand,
					CommandName: pendingCommandName,
					CommandArgs: pendingCommandArgs,
					Timestamp:   raw.Timestamp,
				})
				havePendingCommand = false
				pendingCommandName, pendingCommandArgs = "", ""
				continue
			}

			if m := commandNameRe.FindStringSubmatch(trimmedText); isPureText && m != nil {
				pendingCommandName = m[1]
				havePendingCommand = true
				continue
			}
			if isPureText && localCommandRe.MatchString(trimmedText) {
				continue
			}

			if graftToolResults(blocks, toolCallIndex, raw.ToolUseResult) {
				// Pure tool_result content with no text siblings: elided,
				// per spec.md §4.13.
				continue
			}

			if isPureText && compactionRe.MatchString(trimmedText) {
				out = append(out, Message{
					Role:        "user",
					Content:     stripSystemReminders(text),
					MessageType: MessageCompaction,
					Timestamp:   raw.Timestamp,
				})
				continue
			}

			out = append(out, Message{
				Role:        "user",
				Content:     stripSystemReminders(text),
				MessageType: MessageText,
				Timestamp:   raw.Timestamp,
			})
			continue
		}

		if raw.Message.Role == "assistant" {
			msg := Message{Role: "assistant", MessageType: MessageText, Timestamp: raw.Timestamp}
			var contentLines []string

			for _, b := range blocks {
				switch b.Type {
				case "text":
					clean := stripSystemReminders(b.Text)
					msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: clean})
					if clean != "" {
						contentLines = append(contentLines, clean)
					}
				case "tool_use":
					tc := &ToolCallPart{ID: b.ID, Name: b.Name, Input: b.Input}
					if b.Name == "AskUserQuestion" {
						tc.Questions = decodeAskQuestions(b.Input)
					}
					msg.Parts = append(msg.Parts, Part{Kind: PartToolCall, ToolCall: tc})
					msg.ToolCalls = append(msg.ToolCalls, tc)
					toolCallIndex[b.ID] = tc
				}
			}

			msg.Content = strings.Join(contentLines, "\n")
			out = append(out, msg)
			continue
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: scan: %w", err)
	}
	return out, nil
}

// decodeContent normalizes a message's `content` field, which may be a
// plain string or an array of typed blocks. isPureText reports whether the
// content is exactly one text block (or a bare string) with no tool blocks,
// which is the shape spec.md §4.13 checks for command-tag and compaction
// detection.
func decodeContent(raw json.RawMessage) (blocks []rawBlock, text string, isPureText bool) {
	if len(raw) == 0 {
		return nil, "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, s, true
	}

	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, "", false
	}

	var texts []string
	onlyText := true
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		} else {
			onlyText = false
		}
	}
	return blocks, strings.Join(texts, "\n"), onlyText && len(blocks) == 1
}

// graftToolResults stitches every tool_result block in blocks onto its
// correlated ToolCallPart (found via toolCallIndex) and reports whether
// every block in the message was a tool_result with no text siblings — the
// condition under which spec.md §4.13 says the whole user message is
// elided.
func graftToolResults(blocks []rawBlock, index map[string]*ToolCallPart, toolUseResult json.RawMessage) bool {
	if len(blocks) == 0 {
		return false
	}

	allToolResults := true
	for _, b := range blocks {
		if b.Type != "tool_result" {
			allToolResults = false
			continue
		}

		tc, ok := index[b.ToolUseID]
		if !ok {
			continue
		}

		resultText := extractResultText(b.Content)
		tc.Result = resultText
		tc.ResultIsError = b.IsError

		if tc.Name == "Skill" || tc.Name == "AskUserQuestion" {
			applyToolUseResult(tc, toolUseResult, resultText)
		}
	}
	return allToolResults
}

func extractResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func applyToolUseResult(tc *ToolCallPart, raw json.RawMessage, fallbackText string) {
	var payload toolUseResultPayload
	hasPayload := len(raw) > 0 && json.Unmarshal(raw, &payload) == nil

	if tc.Name == "Skill" {
		var input struct {
			Args string `json:"args"`
		}
		_ = json.Unmarshal(tc.Input, &input)
		if hasPayload && payload.CommandName != "" {
			tc.CommandName = payload.CommandName
			tc.CommandArgs = input.Args
		}
		return
	}

	// AskUserQuestion: map answers keyed by question text to index keys.
	if len(tc.Questions) == 0 {
		return
	}
	answers := make(map[string]string, len(tc.Questions))
	if hasPayload && len(payload.Answers) > 0 {
		for i, q := range tc.Questions {
			if a, ok := payload.Answers[q.Text]; ok {
				answers[strconv.Itoa(i)] = a
			}
		}
	} else {
		for _, m := range qaFallbackRe.FindAllStringSubmatch(fallbackText, -1) {
			for i, q := range tc.Questions {
				if q.Text == m[1] {
					answers[strconv.Itoa(i)] = m[2]
				}
			}
		}
	}
	if len(answers) > 0 {
		tc.Answers = answers
	}
}

func decodeAskQuestions(input json.RawMessage) []AskQuestion {
	var payload struct {
		Questions []AskQuestion `json:"questions"`
	}
	_ = json.Unmarshal(input, &payload)
	return payload.Questions
}

func stripSystemReminders(s string) string {
	return strings.TrimSpace(systemReminderRe.ReplaceAllString(s, ""))
}
