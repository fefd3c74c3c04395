// Package resume persists the id of the session this process is syncing so
// a restart can pick it back up.
package resume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/telemyapp/livesync/internal/model"
)

const fileName = "current_session.toml"

type File struct {
	path string
}

// New returns a File at path. An empty path means DefaultPath.
func New(path string) (*File, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &File{path: path}, nil
}

func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "livesync", fileName), nil
}

func (f *File) Path() string { return f.path }

// Save replaces the stored metadata. The file is written beside the target
// and renamed so a crash never leaves a half-written record.
func (f *File) Save(meta model.ResumeMetadata) error {
	if meta.SessionID == "" {
		return errors.New("save resume metadata: session id is required")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create resume dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), fileName+".*")
	if err != nil {
		return fmt.Errorf("create resume file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(meta); err != nil {
		tmp.Close()
		return fmt.Errorf("encode resume metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close resume file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace resume file: %w", err)
	}
	return nil
}

// Load returns the stored metadata; ok is false when nothing is stored.
func (f *File) Load() (meta model.ResumeMetadata, ok bool, err error) {
	if _, err := toml.DecodeFile(f.path, &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.ResumeMetadata{}, false, nil
		}
		return model.ResumeMetadata{}, false, fmt.Errorf("decode resume metadata: %w", err)
	}
	if meta.SessionID == "" {
		return model.ResumeMetadata{}, false, nil
	}
	return meta, true, nil
}

// Clear removes the stored metadata. Clearing twice is fine.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear resume metadata: %w", err)
	}
	return nil
}

func (f *File) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}
