package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// Local stores content directly on the filesystem. Relative keys are resolved
// against BaseDir; absolute keys are used as-is. No scratch area exists:
// local keys are already local, so MaterializeToLocal is a lookup.
type Local struct {
	BaseDir string
}

// NewLocal creates a filesystem backend rooted at baseDir. An empty baseDir
// resolves relative keys against the working directory.
func NewLocal(baseDir string) *Local {
	return &Local{BaseDir: baseDir}
}

func (l *Local) resolve(key Key) string {
	p := string(key)
	if l.BaseDir != "" && !filepath.IsAbs(p) {
		p = filepath.Join(l.BaseDir, p)
	}
	return p
}

func (l *Local) Read(_ context.Context, key Key) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(key))
	return data, wrapErr("read", key, err)
}

func (l *Local) WriteBytes(_ context.Context, key Key, data []byte, _ string) error {
	p := l.resolve(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return wrapErr("write", key, err)
	}
	return wrapErr("write", key, os.WriteFile(p, data, 0o644))
}

func (l *Local) WriteText(ctx context.Context, key Key, text string) error {
	return l.WriteBytes(ctx, key, []byte(text), "text/plain; charset=utf-8")
}

// WriteIfAbsent creates the file with O_EXCL so concurrent writers race on
// the filesystem, not in memory.
func (l *Local) WriteIfAbsent(_ context.Context, key Key, data []byte, _ string) (bool, error) {
	p := l.resolve(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false, wrapErr("write", key, err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("write", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, wrapErr("write", key, err)
	}
	return true, wrapErr("write", key, f.Close())
}

func (l *Local) Delete(_ context.Context, key Key) error {
	err := os.Remove(l.resolve(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return wrapErr("delete", key, err)
}

func (l *Local) Exists(_ context.Context, key Key) (bool, error) {
	_, err := os.Stat(l.resolve(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, wrapErr("stat", key, err)
}

func (l *Local) MaterializeToLocal(_ context.Context, key Key, _ string) (string, error) {
	p := l.resolve(key)
	if _, err := os.Stat(p); err != nil {
		return "", wrapErr("materialize", key, err)
	}
	return p, nil
}
