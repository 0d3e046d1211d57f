package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseFileSkipsNoiseLineTypes(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"file-history-snapshot"}`,
		`{"type":"progress"}`,
		`{"type":"system"}`,
		`{"type":"summary"}`,
		`{"type":"task-notification"}`,
		`{"type":"user","message":{"role":"user","content":"hello"}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)
}

func TestParseFileStripsSystemReminders(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"before <system-reminder>secret</system-reminder> after"}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, "before  after", msgs[0].Content)
}

func TestParseFileDropsLocalCommandMessages(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"<local-command-stdout>ls output</local-command-stdout>"}}`,
		`{"type":"user","message":{"role":"user","content":"next"}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "next", msgs[0].Content)
}

func TestParseFileCollapsesSlashCommand(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"<command-name>/ideate</command-name>"}}`,
		`{"type":"user","message":{"role":"user","content":"<command-args>Add settings</command-args>"}}`,
		`{"type":"user","message":{"role":"user","content":"Here is the expansion text"}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, MessageCommand, msgs[0].MessageType)
	require.Equal(t, "/ideate", msgs[0].CommandName)
	require.Equal(t, "Add settings", msgs[0].CommandArgs)
	require.Equal(t, "/ideate Add settings", msgs[0].Content)
}

func TestParseFileGraftsToolResultAndElidesPureResultMessage(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tc1","name":"Read","input":{"path":"x"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tc1","content":"file contents"}]}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "assistant", msgs[0].Role)
	require.Len(t, msgs[0].ToolCalls, 1)
	require.Equal(t, "file contents", msgs[0].ToolCalls[0].Result)
}

func TestParseFilePreservesPartOrdering(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"role":"assistant","content":[`+
			`{"type":"text","text":"first"},`+
			`{"type":"tool_use","id":"tc1","name":"Write","input":{}},`+
			`{"type":"text","text":"second"}]}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, msgs[0].Parts, 3)
	require.Equal(t, PartText, msgs[0].Parts[0].Kind)
	require.Equal(t, PartToolCall, msgs[0].Parts[1].Kind)
	require.Equal(t, PartText, msgs[0].Parts[2].Kind)
}

func TestParseFileCorrelatesAskUserQuestionAnswers(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"role":"assistant","content":[`+
			`{"type":"tool_use","id":"tc1","name":"AskUserQuestion","input":{"questions":[{"text":"Which color?","options":["red","blue"]}]}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tc1","content":"red"}]},`+
			`"toolUseResult":{"answers":{"Which color?":"red"}}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	tc := msgs[0].ToolCalls[0]
	require.Equal(t, "red", tc.Answers["0"])
}

func TestParseFileCorrelatesSkillCommandName(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"role":"assistant","content":[`+
			`{"type":"tool_use","id":"tc1","name":"Skill","input":{"args":"Add settings"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tc1","content":"done"}]},`+
			`"toolUseResult":{"commandName":"/ideate"}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	tc := msgs[0].ToolCalls[0]
	require.Equal(t, "/ideate", tc.CommandName)
	require.Equal(t, "Add settings", tc.CommandArgs)
}

func TestParseFileClassifiesCompaction(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"This session is being continued from a previous conversation"}}`,
	)
	msgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, MessageCompaction, msgs[0].MessageType)
}
