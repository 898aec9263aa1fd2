package remote

import (
	"context"
	"io"
	"sync"
	"time"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/spool"
	"pkt.systems/xmldb/internal/transfer"
)

// Resource is a client.Resource on a remote server. Stored content is
// downloaded once and cached in a spool until Close.
type Resource struct {
	col *Collection
	id  string
	typ api.ResourceType

	mu      sync.Mutex
	pending api.Content
	cache   *spool.Spool
	mime    string
	info    *api.ResourceInfo
	stored  bool
}

var _ client.Resource = (*Resource)(nil)

// owned hides Close so a caller releasing the returned Content does not
// free the resource cache.
type owned struct{ *spool.Spool }

func (owned) Close() error { return nil }

// ID implements client.Resource.
func (r *Resource) ID() string { return r.id }

// Path implements client.Resource.
func (r *Resource) Path() string { return api.Join(r.col.path, r.id) }

// Type implements client.Resource.
func (r *Resource) Type() api.ResourceType { return r.typ }

// Parent implements client.Resource.
func (r *Resource) Parent() client.Collection { return r.col }

// markStored drops cached metadata and content after a store.
func (r *Resource) markStored() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = true
	r.info = nil
	r.dropCache()
}

func (r *Resource) dropCache() {
	if r.cache != nil {
		_ = r.cache.Close()
		r.cache = nil
	}
}

func (r *Resource) describe(ctx context.Context) (api.ResourceInfo, error) {
	r.mu.Lock()
	if r.info != nil {
		info := *r.info
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()
	info, err := r.col.describe(ctx, r.id)
	if err != nil {
		return info, err
	}
	r.mu.Lock()
	r.info = &info
	r.mu.Unlock()
	return info, nil
}

// fetch returns the cached spool, downloading it into sink on a miss.
func (r *Resource) fetch(ctx context.Context, sink io.Writer) (*spool.Spool, bool, error) {
	r.mu.Lock()
	if r.cache != nil {
		sp := r.cache
		r.mu.Unlock()
		return sp, true, nil
	}
	r.mu.Unlock()
	sp, err := r.col.conn.downloader.Download(ctx, r.col.lease, transfer.Source{Path: r.Path()}, r.col.Properties(), sink)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache != nil {
		_ = sp.Close()
		return r.cache, false, nil
	}
	r.cache = sp
	return sp, false, nil
}

// Content implements client.Resource. An unsaved resource without content
// returns the zero Content. Content of a stored resource stays valid until
// the resource is closed.
func (r *Resource) Content(ctx context.Context) (api.Content, error) {
	r.mu.Lock()
	pending, stored := r.pending, r.stored
	r.mu.Unlock()
	if !pending.IsZero() || !stored {
		return pending, nil
	}
	sp, _, err := r.fetch(ctx, nil)
	if err != nil {
		return api.Content{}, err
	}
	return api.Downloaded(owned{sp}), nil
}

// ContentTo implements client.Resource. A cache miss streams into w while
// downloading.
func (r *Resource) ContentTo(ctx context.Context, w io.Writer) error {
	r.mu.Lock()
	pending, stored := r.pending, r.stored
	r.mu.Unlock()
	if pending.IsZero() && stored {
		sp, hit, err := r.fetch(ctx, w)
		if err != nil || !hit {
			return err
		}
		pending = api.Downloaded(owned{sp})
	}
	if pending.IsZero() {
		return nil
	}
	rc, _, err := pending.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return api.Vendor("content.copy", r.Path(), err)
	}
	return nil
}

// SetContent implements client.Resource.
func (r *Resource) SetContent(v any) error {
	content, err := api.ContentOf(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = content
	r.dropCache()
	return nil
}

// ContentLength implements client.Resource.
func (r *Resource) ContentLength(ctx context.Context) (int64, error) {
	r.mu.Lock()
	pending, stored := r.pending, r.stored
	r.mu.Unlock()
	if !pending.IsZero() {
		return pending.Length()
	}
	if !stored {
		return 0, nil
	}
	info, err := r.describe(ctx)
	return info.ContentLength, err
}

// MimeType implements client.Resource.
func (r *Resource) MimeType(ctx context.Context) (string, error) {
	r.mu.Lock()
	mime, stored := r.mime, r.stored
	r.mu.Unlock()
	if mime != "" {
		return mime, nil
	}
	if !stored {
		return r.typ.DefaultMimeType(), nil
	}
	info, err := r.describe(ctx)
	return info.MimeType, err
}

// SetMimeType implements client.Resource.
func (r *Resource) SetMimeType(mime string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mime = mime
}

func (r *Resource) isStored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored
}

// Created implements client.Resource.
func (r *Resource) Created(ctx context.Context) (time.Time, error) {
	if !r.isStored() {
		return time.Time{}, nil
	}
	info, err := r.describe(ctx)
	return info.Created, err
}

// Modified implements client.Resource.
func (r *Resource) Modified(ctx context.Context) (time.Time, error) {
	if !r.isStored() {
		return time.Time{}, nil
	}
	info, err := r.describe(ctx)
	return info.Modified, err
}

// SetModified implements client.Resource.
func (r *Resource) SetModified(ctx context.Context, t time.Time) error {
	path := r.Path()
	if _, err := r.col.call(ctx, "set_modified", path, methodSetLastModified, path, t.UTC()); err != nil {
		return err
	}
	r.mu.Lock()
	r.info = nil
	r.mu.Unlock()
	return nil
}

// Permissions implements client.Resource.
func (r *Resource) Permissions(ctx context.Context) (api.Permission, error) {
	return (&userManager{col: r.col}).Permissions(ctx, r.id)
}

// Close implements client.Resource. It frees the download cache and any
// pending downloaded content.
func (r *Resource) Close() error {
	r.mu.Lock()
	pending := r.pending
	r.pending = api.Content{}
	r.dropCache()
	r.mu.Unlock()
	return pending.Release()
}
