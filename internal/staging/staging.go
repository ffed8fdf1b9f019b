// Package staging writes and resolves the provisional markers transactions
// leave on documents. The coordinator and the cleanup sweeper share it.
package staging

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharedcode/dtx"
)

// Attempts made when a document changes between the read and the CAS write.
const maxAttempts = 3

// Write finalizes marker over the document currently at cas: inserts and
// replaces become the committed value, removes delete the document.
func Write(ctx context.Context, docs dtx.DocumentStore, key string, marker dtx.StagedMarker, cas dtx.CAS) (dtx.Mutation, error) {
	switch marker.Kind {
	case dtx.OpInsert, dtx.OpReplace:
		return docs.Replace(ctx, dtx.Document{Key: key, Value: marker.Value}, cas)
	case dtx.OpRemove:
		return docs.Remove(ctx, key, cas)
	}
	return dtx.Mutation{}, fmt.Errorf("staged marker on %q has invalid kind %v", key, marker.Kind)
}

// Apply commits the marker tid left on key. It returns false when the
// marker is gone, meaning someone applied it already.
func Apply(ctx context.Context, docs dtx.DocumentStore, tid dtx.UUID, key string) (dtx.Mutation, bool, error) {
	for i := 0; i < maxAttempts; i++ {
		doc, found, err := docs.Get(ctx, key)
		if err != nil {
			return dtx.Mutation{}, false, err
		}
		if !found || !doc.StagedBy(tid) {
			return dtx.Mutation{}, false, nil
		}
		m, err := Write(ctx, docs, key, *doc.Staged, doc.CAS)
		if err == nil {
			return m, true, nil
		}
		if !errors.Is(err, dtx.ErrCASMismatch) && !errors.Is(err, dtx.ErrDocumentNotFound) {
			return dtx.Mutation{}, false, err
		}
	}
	return dtx.Mutation{}, false, dtx.Error{Code: dtx.Conflict, Err: fmt.Errorf("key %q kept changing while applying staged marker", key), UserData: tid}
}

// Unstage removes the marker tid left on key. A tombstone that only existed
// to carry a staged insert is deleted.
func Unstage(ctx context.Context, docs dtx.DocumentStore, tid dtx.UUID, key string) error {
	for i := 0; i < maxAttempts; i++ {
		doc, found, err := docs.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found || !doc.StagedBy(tid) {
			return nil
		}
		if doc.Tombstone {
			_, err = docs.Remove(ctx, key, doc.CAS)
		} else {
			clean := doc
			clean.Staged = nil
			_, err = docs.Replace(ctx, clean, doc.CAS)
		}
		if err == nil || errors.Is(err, dtx.ErrDocumentNotFound) {
			return nil
		}
		if !errors.Is(err, dtx.ErrCASMismatch) {
			return err
		}
	}
	return dtx.Error{Code: dtx.Conflict, Err: fmt.Errorf("key %q kept changing while removing staged marker", key), UserData: tid}
}
