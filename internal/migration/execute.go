package migration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"layerstore/internal/blob"
)

// Execute copies every move into store and deletes the source, then runs the
// cleanups. It returns the number of files moved. Moves of a directory move
// every blob below it.
func Execute(ctx context.Context, plan Plan, store *blob.Store) (int, error) {
	if !store.CanWrite() {
		return 0, fmt.Errorf("migration: %w", blob.ErrUnsupported)
	}
	moved := 0
	for _, m := range plan.Moves {
		n, err := move(ctx, store, m)
		moved += n
		if err != nil {
			return moved, fmt.Errorf("move %s: %w", m, err)
		}
	}
	for _, c := range plan.Cleanups {
		if err := cleanup(ctx, store, c); err != nil {
			return moved, fmt.Errorf("cleanup %s: %w", c.Path, err)
		}
	}
	return moved, nil
}

func move(ctx context.Context, store *blob.Store, m Move) (int, error) {
	b, err := store.Get(ctx, m.From)
	if err != nil {
		return 0, err
	}
	if b != nil {
		return 1, copyBlob(ctx, store, m.From, m.To)
	}
	infos, err := store.List(ctx, m.From)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, info := range infos {
		rel := strings.TrimPrefix(strings.TrimPrefix(info.Key, m.From), "/")
		if err := copyBlob(ctx, store, info.Key, join(m.To, rel)); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func copyBlob(ctx context.Context, store *blob.Store, from, to string) error {
	rc, err := store.Content(ctx, from)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return err
	}
	if _, err := store.Put(ctx, to, bytes.NewReader(data), blob.PutOptions{}); err != nil {
		return err
	}
	_, err = store.Delete(ctx, from)
	return err
}

func cleanup(ctx context.Context, store *blob.Store, c Cleanup) error {
	if !c.Recursive {
		// directories only exist through their blobs
		return nil
	}
	infos, err := store.List(ctx, c.Path)
	if err != nil {
		return err
	}
	var errs []error
	for _, info := range infos {
		if _, err := store.Delete(ctx, info.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
