package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotExist is returned by ReadFile (and DeleteFile, where the backend can tell)
	// when the named blob does not exist. Backend-specific not-found errors are
	// translated to this, so callers can distinguish a miss from an I/O failure.
	ErrNotExist = errors.New("blob does not exist")
)

// Storage is an abstraction of a blob store (eg GCS or S3)
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// IsNotExist returns true if err means that the blob was absent
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
