// Package profile loads per-user preference files. Profiles are re-read on
// every run so edits take effect immediately.
package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cellarwatch/lastbottle-monitor/internal/domain"
)

// Source enumerates and loads user profiles. The orchestrator depends on
// this interface, not on any storage layout.
type Source interface {
	// List returns the identifiers of every user profile, excluding the
	// reserved template entry.
	List(ctx context.Context) ([]string, error)
	// Load parses one profile. A broken file yields a *MalformedError so
	// callers can skip that user and keep going.
	Load(ctx context.Context, id string) (*domain.UserProfile, error)
}

// MalformedError marks a profile that exists but cannot be used. It is
// per-user and never fatal to a run.
type MalformedError struct {
	UserID string
	Err    error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("profile %s is malformed: %v", e.UserID, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// DirSource reads profiles from a directory of <user_id>.yaml files.
type DirSource struct {
	dir string
}

// NewDirSource creates a directory-backed profile source.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// List returns the user ids found in the directory, sorted for stable
// processing order. The reserved "template" file is excluded.
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile directory %s: %w", s.dir, err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		if id == domain.ReservedProfileID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads and validates a single profile file.
func (s *DirSource) Load(ctx context.Context, id string) (*domain.UserProfile, error) {
	path := filepath.Join(s.dir, id+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if data, err = os.ReadFile(filepath.Join(s.dir, id+".yml")); err != nil {
			return nil, &MalformedError{UserID: id, Err: err}
		}
	} else if err != nil {
		return nil, &MalformedError{UserID: id, Err: err}
	}

	var p domain.UserProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &MalformedError{UserID: id, Err: err}
	}
	p.UserID = id

	if err := p.Validate(); err != nil {
		return nil, &MalformedError{UserID: id, Err: err}
	}
	return &p, nil
}
