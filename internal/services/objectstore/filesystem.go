// -----------------------------------------------------------------------
// Filesystem object store - stores uploaded drawing pages on local disk,
// one directory per document.
// -----------------------------------------------------------------------

package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/interfaces"
)

const uriScheme = "file://"

// FilesystemStore implements ObjectStore on the local filesystem
type FilesystemStore struct {
	root   string
	logger arbor.ILogger
}

func NewFilesystemStore(config *common.FilesystemConfig, logger arbor.ILogger) (interfaces.ObjectStore, error) {
	root, err := filepath.Abs(config.Documents)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve documents directory: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}

	logger.Debug().Str("path", root).Msg("Filesystem object store initialized")
	return &FilesystemStore{root: root, logger: logger}, nil
}

func (s *FilesystemStore) Store(ctx context.Context, documentID, name string, data []byte) (string, error) {
	if documentID == "" || name == "" {
		return "", fmt.Errorf("document ID and name are required")
	}
	// Names come from the orchestrator, but reject path traversal anyway
	if strings.Contains(documentID, "..") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid object name")
	}

	dir := filepath.Join(s.root, documentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create document directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}

	return uriScheme + path, nil
}

func (s *FilesystemStore) Fetch(ctx context.Context, uri string) ([]byte, error) {
	path := strings.TrimPrefix(uri, uriScheme)
	if !strings.HasPrefix(path, s.root) {
		return nil, fmt.Errorf("uri outside store root: %s", uri)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", uri, err)
	}
	return data, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, documentID string) error {
	if documentID == "" || strings.Contains(documentID, "..") {
		return fmt.Errorf("invalid document ID")
	}

	dir := filepath.Join(s.root, documentID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete document objects: %w", err)
	}
	return nil
}
