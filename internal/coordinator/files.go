package coordinator

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FileStore writes attachment payloads under a single directory, naming files
// by random id so device-chosen names never touch the filesystem.
type FileStore struct {
	dir string
}

// NewFileStore creates the attachment directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// WriteInline decodes base64 attachment data and stores it as a file.
func (fs *FileStore) WriteInline(data string) (path string, size int64, err error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", 0, fmt.Errorf("decode attachment data: %w", err)
	}
	path = filepath.Join(fs.dir, uuid.NewString())
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return "", 0, fmt.Errorf("write attachment: %w", err)
	}
	return path, int64(len(raw)), nil
}

// WriteStream stores an uploaded body and returns its path and size.
func (fs *FileStore) WriteStream(r io.Reader) (path string, size int64, err error) {
	path = filepath.Join(fs.dir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", 0, fmt.Errorf("create attachment file: %w", err)
	}
	size, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write attachment file: %w", err)
	}
	return path, size, nil
}
