package transcript

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/buger/jsonparser"
)

const (
	headScanBytes = 8 * 1024
	tailScanBytes = 16 * 1024
	titleMaxRunes = 80
)

// ExtractMetadata reads only the head and tail of a transcript file to
// answer listSessions/getSession's summary fields, per spec.md §4.13's
// "avoiding full-file scans" requirement. It uses jsonparser rather than
// encoding/json so scanning a handful of top-level keys never requires
// unmarshalling a full line into a struct.
func ExtractMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("transcript: open: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Metadata{}, fmt.Errorf("transcript: stat: %w", err)
	}
	size := st.Size()

	headLen := min64(headScanBytes, size)
	head, err := readAt(f, 0, headLen)
	if err != nil {
		return Metadata{}, err
	}
	tailOffset := max64(0, size-tailScanBytes)
	tail, err := readAt(f, tailOffset, min64(tailScanBytes, size))
	if err != nil {
		return Metadata{}, err
	}

	var md Metadata
	scanHead(head, &md, headLen < size)
	scanTail(tail, &md, tailOffset > 0)
	return md, nil
}

func readAt(f *os.File, offset, n int64) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, offset)
	// A short read at EOF is expected when the file is smaller than the
	// requested window; anything else is a real error.
	if err != nil && read == 0 {
		return nil, fmt.Errorf("transcript: read: %w", err)
	}
	return buf[:read], nil
}

// fullLines drops a possibly-truncated first or last line from a byte
// window so jsonparser never sees a half-written JSON object.
func fullLines(b []byte, dropFirst, dropLast bool) [][]byte {
	lines := bytes.Split(b, []byte("\n"))
	if dropFirst && len(lines) > 1 {
		lines = lines[1:]
	}
	if dropLast && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func scanHead(head []byte, md *Metadata, truncatedTail bool) {
	for _, line := range fullLines(head, false, truncatedTail) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if md.Cwd == "" {
			if v, err := jsonparser.GetString(line, "cwd"); err == nil {
				md.Cwd = v
			}
		}
		if md.PermissionMode == "" {
			if v, err := jsonparser.GetString(line, "permissionMode"); err == nil {
				md.PermissionMode = v
			}
		}
		if md.Title == "" {
			if role, err := jsonparser.GetString(line, "message", "role"); err == nil && role == "user" {
				md.Title = deriveTitle(line)
			}
		}
		if md.Cwd != "" && md.PermissionMode != "" && md.Title != "" {
			return
		}
	}
}

func deriveTitle(line []byte) string {
	text, err := jsonparser.GetString(line, "message", "content")
	if err != nil {
		// content is a block array rather than a bare string; take the
		// first block's text field.
		text, err = jsonparser.GetString(line, "message", "content", "[0]", "text")
		if err != nil {
			return ""
		}
	}
	text = stripSystemReminders(text)
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes]) + "…"
	}
	return string(runes)
}

func scanTail(tail []byte, md *Metadata, truncatedHead bool) {
	for _, line := range fullLines(tail, truncatedHead, false) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if v, err := jsonparser.GetString(line, "message", "model"); err == nil && v != "" {
			md.Model = v
		}
		in, errIn := jsonparser.GetInt(line, "message", "usage", "input_tokens")
		out, errOut := jsonparser.GetInt(line, "message", "usage", "output_tokens")
		if errIn == nil || errOut == nil {
			md.ContextTokens = in + out
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
