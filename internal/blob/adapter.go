package blob

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"time"
)

// FinalContentType is the content type of every finalized image.
const FinalContentType = "image/jpeg"

// Adapter routes locations to the store that owns them. Source images are
// staged remotely when possible and on local disk otherwise; finalized images
// go to the remote store, or the local archive when no remote is configured.
type Adapter struct {
	remote  Store
	archive *LocalStore
	staging *LocalStore
	tasks   *Tasks
}

// NewAdapter builds an adapter. remote may be nil.
func NewAdapter(remote Store, archive, staging *LocalStore, tasks *Tasks) *Adapter {
	if tasks == nil {
		tasks = NewTasks(DefaultTaskTimeout)
	}
	return &Adapter{
		remote:  remote,
		archive: archive,
		staging: staging,
		tasks:   tasks,
	}
}

// Tasks exposes the background runner so callers can drain it on shutdown.
func (a *Adapter) Tasks() *Tasks {
	return a.tasks
}

// Stage stores an uploaded source image and returns its location
func (a *Adapter) Stage(ctx context.Context, owner string, data []byte, contentType string) (string, error) {
	folder := path.Join("incoming", safeSegment(owner))

	if a.remote != nil {
		location, err := a.remote.Upload(ctx, folder, data, contentType)
		if err == nil {
			return location, nil
		}
		slog.Warn("Remote staging failed, keeping a local copy", "owner", owner, "error", err)
	}

	location, err := a.staging.Upload(ctx, folder, data, contentType)
	if err != nil {
		return "", &StorageError{Op: "stage", Err: err}
	}
	return location, nil
}

// Fetch downloads the bytes at location
func (a *Adapter) Fetch(ctx context.Context, location string) ([]byte, error) {
	store, err := a.storeFor(location)
	if err != nil {
		return nil, &StorageError{Op: "fetch", Location: location, Err: err}
	}
	data, err := store.Download(ctx, location)
	if err != nil {
		return nil, &StorageError{Op: "fetch", Location: location, Err: err}
	}
	return data, nil
}

// Finalize stores the processed image in the owner's folder for at
func (a *Adapter) Finalize(ctx context.Context, owner string, at time.Time, data []byte) (string, error) {
	store := Store(a.archive)
	if a.remote != nil {
		store = a.remote
	}
	location, err := store.Upload(ctx, FolderKey(owner, at), data, FinalContentType)
	if err != nil {
		return "", &StorageError{Op: "finalize", Err: err}
	}
	return location, nil
}

// Discard deletes location. Missing objects are not an error.
func (a *Adapter) Discard(ctx context.Context, location string) error {
	if location == "" {
		return nil
	}
	store, err := a.storeFor(location)
	if err != nil {
		return &StorageError{Op: "discard", Location: location, Err: err}
	}
	if err := store.Delete(ctx, location); err != nil {
		return &StorageError{Op: "discard", Location: location, Err: err}
	}
	return nil
}

// DiscardLater deletes location in the background.
func (a *Adapter) DiscardLater(location string) {
	if location == "" {
		return
	}
	a.tasks.Go("discard "+location, func(ctx context.Context) error {
		return a.Discard(ctx, location)
	})
}

func (a *Adapter) storeFor(location string) (Store, error) {
	switch {
	case IsRemote(location):
		if a.remote == nil {
			return nil, errors.New("no remote store configured")
		}
		return a.remote, nil
	case a.staging != nil && a.staging.Contains(location):
		return a.staging, nil
	case a.archive != nil && a.archive.Contains(location):
		return a.archive, nil
	default:
		return nil, errors.New("unknown location")
	}
}
