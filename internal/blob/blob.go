// Package blob abstracts the object store that uploaded audio files live in.
//
// The pipeline only ever reads uploads, so the interface is deliberately
// narrow: fetch a key, or probe for its existence. The production
// implementation is S3-compatible; a memory implementation backs tests.
package blob

import (
	"context"
	"io"
)

// Fetcher retrieves uploaded audio objects by key.
//
// Implementations must be safe for concurrent use. Missing keys are reported
// as apperr.KindNotFound errors so callers can distinguish a bad reference
// from a transient store outage.
type Fetcher interface {
	// Fetch opens the object at key for reading. The caller must close the
	// returned reader.
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether the object at key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// FetchToFile copies the object at key into the local file at destPath.
// Returns the number of bytes written.
func FetchToFile(ctx context.Context, f Fetcher, key, destPath string) (int64, error) {
	rc, err := f.Fetch(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return copyToFile(rc, destPath)
}
