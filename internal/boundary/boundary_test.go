package boundary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsNullByte(t *testing.T) {
	v, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = v.Validate("foo\x00bar")
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, NullByte, be.Code)
}

func TestValidateRejectsEscape(t *testing.T) {
	root := t.TempDir()
	v, err := New(root)
	require.NoError(t, err)

	_, err = v.Validate("../../etc/passwd")
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, OutsideBoundary, be.Code)
}

func TestValidateAllowsInsideRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "project"), 0o755))
	v, err := New(root)
	require.NoError(t, err)

	resolved, err := v.Validate("project")
	require.NoError(t, err)
	require.Contains(t, resolved, "project")
}

func TestValidateAllowsRootItself(t *testing.T) {
	root := t.TempDir()
	v, err := New(root)
	require.NoError(t, err)

	_, err = v.Validate(".")
	require.NoError(t, err)
}
