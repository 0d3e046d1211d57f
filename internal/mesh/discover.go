package mesh

import (
	"context"
	"os"
	"path/filepath"
)

// DefaultMarkerFiles is the configurable allow-list of files that identify
// a directory as an agent project (spec.md §9 Open Questions: the original
// set is not fully enumerated in source, so this is a conservative default
// meant to be overridden via DiscoverOptions.MarkerFiles).
var DefaultMarkerFiles = []string{"CLAUDE.md", "AGENTS.md", ".mcp.json", "agent.json"}

// Candidate is one discovered agent project, not yet registered.
type Candidate struct {
	ProjectPath     string
	SuggestedName   string
	DetectedRuntime Runtime
	Hints           []string
}

// DiscoverOptions parameterizes the breadth-first walk.
type DiscoverOptions struct {
	MaxDepth    int // default 3
	MarkerFiles []string
}

// DenialChecker reports whether a path has been denied.
type DenialChecker interface {
	IsDenied(ctx context.Context, path string) (bool, error)
}

type pathDepth struct {
	path  string
	depth int
}

// Discover returns a channel of Candidates produced by a breadth-first walk
// of roots up to maxDepth, skipping denied paths, closing the channel when
// the walk completes or ctx is cancelled. This models spec.md §4.10's "async
// lazy sequence" contract (spec.md §9): a bounded channel plus a
// completion/cancellation signal rather than an eagerly-materialized slice,
// so a caller that stops ranging over the channel causes the goroutine to
// observe ctx.Done() at its next send attempt and return promptly.
func Discover(ctx context.Context, denials DenialChecker, roots []string, opts DiscoverOptions) <-chan Candidate {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	markers := opts.MarkerFiles
	if len(markers) == 0 {
		markers = DefaultMarkerFiles
	}

	out := make(chan Candidate)

	go func() {
		defer close(out)

		queue := make([]pathDepth, 0, len(roots))
		for _, r := range roots {
			queue = append(queue, pathDepth{path: r, depth: 0})
		}

		for len(queue) > 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}

			cur := queue[0]
			queue = queue[1:]

			denied, err := denials.IsDenied(ctx, cur.path)
			if err != nil || denied {
				continue
			}

			entries, err := os.ReadDir(cur.path)
			if err != nil {
				continue
			}

			hints := detectMarkers(entries, markers)
			if len(hints) > 0 {
				cand := Candidate{
					ProjectPath:     cur.path,
					SuggestedName:   filepath.Base(cur.path),
					DetectedRuntime: detectRuntime(hints),
					Hints:           hints,
				}
				select {
				case out <- cand:
				case <-ctx.Done():
					return
				}
			}

			if cur.depth >= maxDepth {
				continue
			}
			for _, e := range entries {
				if !e.IsDir() || isIgnoredDir(e.Name()) {
					continue
				}
				queue = append(queue, pathDepth{path: filepath.Join(cur.path, e.Name()), depth: cur.depth + 1})
			}
		}
	}()

	return out
}

func detectMarkers(entries []os.DirEntry, markers []string) []string {
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	var hints []string
	for _, marker := range markers {
		if names[marker] {
			hints = append(hints, marker)
		}
	}
	return hints
}

func detectRuntime(hints []string) Runtime {
	for _, h := range hints {
		if h == "CLAUDE.md" {
			return RuntimeClaudeCode
		}
	}
	return RuntimeOther
}

func isIgnoredDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".venv", "__pycache__":
		return true
	default:
		return false
	}
}
