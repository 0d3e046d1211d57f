// Package boundary implements the path-safety checks required at every
// external-path ingress: HTTP query params, schedule cwd, directory
// picker payloads, MCP tool arguments naming paths.
package boundary

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Code identifies the kind of boundary violation.
type Code string

const (
	NullByte        Code = "NULL_BYTE"
	OutsideBoundary Code = "OUTSIDE_BOUNDARY"
)

// Error is returned by Validate on a rejected path.
type Error struct {
	Code Code
	Path string
}

func (e *Error) Error() string {
	return fmt.Sprintf("boundary violation %s: %s", e.Code, e.Path)
}

// Validator resolves candidate paths against a fixed root, rejecting null
// bytes and any path that canonicalises outside the root.
type Validator struct {
	root string
}

// New builds a Validator rooted at root. root itself is resolved once at
// construction time (symlinks included) so later comparisons are exact.
func New(root string) (*Validator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// root may not exist yet; fall back to the lexical absolute path.
		resolved = abs
	}
	return &Validator{root: resolved}, nil
}

// Validate canonicalises path and rejects it if it contains a null byte or
// escapes the validator's root.
func (v *Validator) Validate(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", &Error{Code: NullByte, Path: path}
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(v.root, candidate)
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", &Error{Code: OutsideBoundary, Path: path}
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path need not exist yet (e.g. a cwd to be created); fall back to
		// the lexically-cleaned absolute form for the prefix check.
		resolved = abs
	}

	if resolved != v.root && !strings.HasPrefix(resolved, v.root+string(filepath.Separator)) {
		return "", &Error{Code: OutsideBoundary, Path: path}
	}
	return resolved, nil
}
