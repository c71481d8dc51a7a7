// Package storage keeps uploaded attachment blobs on disk.
package storage

import (
	"io"
	"os"
)

// Provider is the interface for attachment blob operations. Names are
// relative to the store root.
type Provider interface {
	// Put atomically stores r under name and returns the number of bytes written.
	Put(name string, r io.Reader) (int64, error)
	// Open opens the blob for reading.
	Open(name string) (*os.File, error)
	// Delete removes the blob. A missing blob is not an error.
	Delete(name string) error
}
