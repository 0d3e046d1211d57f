package relay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Maildir directory names. Filesystem vocabulary; never exposed as the
// SQLite index's "status" values (see index.go).
const (
	dirNew    = "new"
	dirCur    = "cur"
	dirFailed = "failed"
)

// MaildirStore implements the durable at-least-once delivery primitives of
// spec.md §4.1: every write-visible transition is an atomic rename, matching
// the teacher's sessions.Manager.Save temp-file-then-rename pattern
// (internal/sessions/manager.go).
type MaildirStore struct {
	root string // mailboxes/<hash>/ for each endpoint hash lives under here
}

// NewMaildirStore creates a store rooted at the given mailboxes directory.
func NewMaildirStore(root string) *MaildirStore {
	return &MaildirStore{root: root}
}

func (m *MaildirStore) endpointDir(hash string) string {
	return filepath.Join(m.root, hash)
}

// EnsureMaildir idempotently creates new/, cur/, failed/ for an endpoint.
func (m *MaildirStore) EnsureMaildir(hash string) error {
	base := m.endpointDir(hash)
	for _, d := range []string{dirNew, dirCur, dirFailed} {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			return &FilesystemError{Op: "ensure", Path: filepath.Join(base, d), Err: err}
		}
	}
	return nil
}

func (m *MaildirStore) path(hash, dir, id string) string {
	return filepath.Join(m.endpointDir(hash), dir, id+".json")
}

// Deliver writes envelope to a temp file, fsyncs, then atomically renames
// into new/<id>.json. Re-delivering the same id is a no-op that still
// reports ok.
func (m *MaildirStore) Deliver(hash string, env Envelope) (ok bool, messageID string, err error) {
	dest := m.path(hash, dirNew, env.ID)
	if _, statErr := os.Stat(dest); statErr == nil {
		return true, env.ID, nil // idempotent re-delivery
	}

	base := m.endpointDir(hash)
	if _, statErr := os.Stat(base); statErr != nil {
		return false, "", &FilesystemError{Op: "deliver", Path: base, Err: os.ErrNotExist}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return false, "", &FilesystemError{Op: "deliver", Path: dest, Err: err}
	}

	tmp, err := os.CreateTemp(base, "msg-*.tmp")
	if err != nil {
		return false, "", &FilesystemError{Op: "deliver", Path: base, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, "", &FilesystemError{Op: "deliver", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, "", &FilesystemError{Op: "deliver", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return false, "", &FilesystemError{Op: "deliver", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return false, "", &FilesystemError{Op: "deliver", Path: dest, Err: err}
	}
	cleanup = false
	return true, env.ID, nil
}

// Claim renames new/<id>.json -> cur/<id>.json and returns the parsed
// envelope. ok=false means another watcher already claimed it (or it
// never existed).
func (m *MaildirStore) Claim(hash, id string) (ok bool, env Envelope, err error) {
	src := m.path(hash, dirNew, id)
	dst := m.path(hash, dirCur, id)

	data, readErr := os.ReadFile(src)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return false, Envelope{}, nil
		}
		return false, Envelope{}, &FilesystemError{Op: "claim", Path: src, Err: readErr}
	}

	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, Envelope{}, nil
		}
		return false, Envelope{}, &FilesystemError{Op: "claim", Path: src, Err: err}
	}

	var parsed Envelope
	if err := json.Unmarshal(data, &parsed); err != nil {
		return false, Envelope{}, &FilesystemError{Op: "claim", Path: dst, Err: err}
	}
	return true, parsed, nil
}

// Complete removes cur/<id>.json. Safe if already absent.
func (m *MaildirStore) Complete(hash, id string) error {
	path := m.path(hash, dirCur, id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &FilesystemError{Op: "complete", Path: path, Err: err}
	}
	return nil
}

// failRecord is the sidecar attribute embedded alongside a dead-lettered
// envelope, recording why delivery failed.
type failRecord struct {
	Envelope
	Reason string `json:"failReason"`
}

// Fail renames cur/<id>.json -> failed/<id>.json, embedding reason. Safe if
// the source file is already absent.
func (m *MaildirStore) Fail(hash, id, reason string) error {
	src := m.path(hash, dirCur, id)
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &FilesystemError{Op: "fail", Path: src, Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &FilesystemError{Op: "fail", Path: src, Err: err}
	}

	return m.writeFailed(hash, env, reason, src)
}

// FailDirect writes straight into failed/ without transiting new/; used for
// budget rejections at publish time.
func (m *MaildirStore) FailDirect(hash string, env Envelope, reason string) error {
	if err := m.EnsureMaildir(hash); err != nil {
		return err
	}
	return m.writeFailed(hash, env, reason, "")
}

func (m *MaildirStore) writeFailed(hash string, env Envelope, reason, removeSrc string) error {
	base := m.endpointDir(hash)
	dest := m.path(hash, dirFailed, env.ID)

	rec := failRecord{Envelope: env, Reason: reason}
	data, err := json.Marshal(rec)
	if err != nil {
		return &FilesystemError{Op: "fail", Path: dest, Err: err}
	}

	tmp, err := os.CreateTemp(base, "msg-*.tmp")
	if err != nil {
		return &FilesystemError{Op: "fail", Path: base, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &FilesystemError{Op: "fail", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &FilesystemError{Op: "fail", Path: tmpPath, Err: err}
	}
	tmp.Close()

	if err := os.Rename(tmpPath, dest); err != nil {
		return &FilesystemError{Op: "fail", Path: dest, Err: err}
	}
	cleanup = false

	if removeSrc != "" {
		os.Remove(removeSrc)
	}
	return nil
}

// ScanStatuses lists every message id under an endpoint's three
// directories, mapping id -> directory name. Used by Index.Rebuild to
// reconstruct the index from the filesystem, the source of truth.
func (m *MaildirStore) ScanStatuses(hash string) (map[string]string, error) {
	out := make(map[string]string)
	for _, dir := range []string{dirNew, dirCur, dirFailed} {
		entries, err := os.ReadDir(filepath.Join(m.endpointDir(hash), dir))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, &FilesystemError{Op: "scan", Path: filepath.Join(m.endpointDir(hash), dir), Err: err}
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".json")
			out[id] = dir
		}
	}
	return out, nil
}
