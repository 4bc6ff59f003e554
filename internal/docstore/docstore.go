// Package docstore provides the JSON document store that holds job status,
// transcription results, user voice profiles, and provider configuration.
//
// Documents are addressed by slash-separated paths mirroring the mobile
// client's layout, e.g. "audios/{userID}/files/{audioID}" or
// "userEmbeddings/{userID}". The production implementation is BadgerDB; a
// memory implementation backs tests.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
)

// Store reads and writes JSON documents by path.
//
// Implementations must be safe for concurrent use. Missing documents are
// reported as apperr.KindNotFound errors.
type Store interface {
	// Get unmarshals the document at key into dst.
	Get(ctx context.Context, key string, dst any) error

	// Set marshals doc and stores it at key, replacing any previous document.
	Set(ctx context.Context, key string, doc any) error

	// Update merges the given top-level fields into the document at key,
	// creating the document if it does not exist. The merge is atomic with
	// respect to concurrent Updates of the same key.
	Update(ctx context.Context, key string, fields map[string]any) error

	// Delete removes the document at key. Deleting a missing document is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Close releases underlying resources.
	Close() error
}

// marshalDoc encodes a document for storage.
func marshalDoc(doc any) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "encode document", err)
	}
	return data, nil
}

// mergeFields applies fields onto the JSON object in existing (which may be
// nil for a new document) and returns the re-encoded result.
func mergeFields(existing []byte, fields map[string]any) ([]byte, error) {
	doc := make(map[string]any, len(fields))
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return nil, fmt.Errorf("decode existing document: %w", err)
		}
	}
	for k, v := range fields {
		doc[k] = v
	}
	return json.Marshal(doc)
}
