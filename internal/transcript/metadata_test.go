package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractMetadataReadsHeadAndTail(t *testing.T) {
	lines := []string{
		`{"type":"session-start","cwd":"/home/user/project","permissionMode":"default"}`,
		`{"type":"user","message":{"role":"user","content":"Fix the login bug"}}`,
	}
	// Pad with filler lines between the head records and the tail records.
	// The file stays smaller than either scan window, so both scans see it
	// whole.
	for i := 0; i < 50; i++ {
		lines = append(lines, `{"type":"progress"}`)
	}
	lines = append(lines,
		`{"type":"assistant","message":{"role":"assistant","model":"claude-x","content":"ok","usage":{"input_tokens":100,"output_tokens":20}}}`,
		`{"type":"assistant","message":{"role":"assistant","model":"claude-y","content":"done","usage":{"input_tokens":200,"output_tokens":30}}}`,
	)

	path := filepath.Join(t.TempDir(), "t.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	md, err := ExtractMetadata(path)
	require.NoError(t, err)
	require.Equal(t, "/home/user/project", md.Cwd)
	require.Equal(t, "default", md.PermissionMode)
	require.Equal(t, "Fix the login bug", md.Title)
	require.Equal(t, "claude-y", md.Model)
	require.Equal(t, int64(230), md.ContextTokens)
}

func TestExtractMetadataTruncatesLongTitle(t *testing.T) {
	long := strings.Repeat("x", titleMaxRunes+20)
	path := filepath.Join(t.TempDir(), "t.jsonl")
	line := `{"type":"user","message":{"role":"user","content":"` + long + `"}}`
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o644))

	md, err := ExtractMetadata(path)
	require.NoError(t, err)
	require.LessOrEqual(t, len([]rune(md.Title)), titleMaxRunes+1)
}
