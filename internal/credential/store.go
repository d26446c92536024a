package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/docker/docker/api/types/registry"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Valid credential reference: a plain file name without path separators.
var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Credential store backed by a directory of JSON files.
type FileStore struct {
	dir string
}

// Creates a store reading credentials from dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Returns the host path of the credential file for ref.
//
// Fails with [pipeline.ErrCredentialMissing] when no such credential exists.
func (s *FileStore) Path(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}

	path := filepath.Join(s.dir, ref+".json")
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", pipeline.ErrCredentialMissing, ref)
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrMalformed, ref)
	}
	return path, nil
}

// Reads and decodes the credential for ref.
func (s *FileStore) Resolve(ref string) (Credential, error) {
	path, err := s.Path(ref)
	if err != nil {
		return Credential{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, err
	}

	var cfg registry.AuthConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Credential{}, fmt.Errorf("%w: %s: %w", ErrMalformed, ref, err)
	}
	if err := decodeAuth(&cfg); err != nil {
		return Credential{}, fmt.Errorf("%s: %w", ref, err)
	}

	return Credential{ref: ref, auth: cfg}, nil
}
