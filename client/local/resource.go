package local

import (
	"context"
	"io"
	"sync"
	"time"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/access"
)

// Resource is a client.Resource of a local collection. Stored content is
// read from the engine on demand; content set by SetContent stays pending
// until the collection stores the resource.
type Resource struct {
	col *Collection
	id  string
	typ api.ResourceType

	mu      sync.Mutex
	pending api.Content
	mime    string
	stored  bool
}

var _ client.Resource = (*Resource)(nil)

// ID implements client.Resource.
func (r *Resource) ID() string { return r.id }

// Path implements client.Resource.
func (r *Resource) Path() string { return api.Join(r.col.path, r.id) }

// Type implements client.Resource.
func (r *Resource) Type() api.ResourceType { return r.typ }

// Parent implements client.Resource.
func (r *Resource) Parent() client.Collection { return r.col }

func (r *Resource) markStored() {
	r.mu.Lock()
	r.stored = true
	r.mu.Unlock()
}

func (r *Resource) snapshot() (api.Content, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, r.mime, r.stored
}

func (r *Resource) info(ctx context.Context) (api.ResourceInfo, error) {
	var info api.ResourceInfo
	err := r.col.exec.ReadDocument(ctx, r.col.path, r.id, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		info = doc.Info()
		return nil
	})
	return info, err
}

// Content implements client.Resource. An unsaved resource without content
// returns the zero Content.
func (r *Resource) Content(ctx context.Context) (api.Content, error) {
	pending, _, stored := r.snapshot()
	if !pending.IsZero() || !stored {
		return pending, nil
	}
	var data []byte
	err := r.col.exec.ReadDocument(ctx, r.col.path, r.id, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		var err error
		data, err = doc.Content()
		return err
	})
	if err != nil {
		return api.Content{}, err
	}
	return api.Bytes(data), nil
}

// ContentTo implements client.Resource.
func (r *Resource) ContentTo(ctx context.Context, w io.Writer) error {
	content, err := r.Content(ctx)
	if err != nil || content.IsZero() {
		return err
	}
	rc, _, err := content.Open()
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
	return nil
}

// ContentLength implements client.Resource.
func (r *Resource) ContentLength(ctx context.Context) (int64, error) {
	pending, _, stored := r.snapshot()
	if !pending.IsZero() {
		return pending.Length()
	}
	if !stored {
		return 0, nil
	}
	info, err := r.info(ctx)
	return info.ContentLength, err
}

// MimeType implements client.Resource.
func (r *Resource) MimeType(ctx context.Context) (string, error) {
	_, mime, stored := r.snapshot()
	if mime != "" {
		return mime, nil
	}
	if !stored {
		return r.typ.DefaultMimeType(), nil
	}
	info, err := r.info(ctx)
	return info.MimeType, err
}

// SetMimeType implements client.Resource.
func (r *Resource) SetMimeType(mime string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mime = mime
}

// Created implements client.Resource.
func (r *Resource) Created(ctx context.Context) (time.Time, error) {
	if _, _, stored := r.snapshot(); !stored {
		return time.Time{}, nil
	}
	info, err := r.info(ctx)
	return info.Created, err
}

// Modified implements client.Resource.
func (r *Resource) Modified(ctx context.Context) (time.Time, error) {
	if _, _, stored := r.snapshot(); !stored {
		return time.Time{}, nil
	}
	info, err := r.info(ctx)
	return info.Modified, err
}

// SetModified implements client.Resource.
func (r *Resource) SetModified(ctx context.Context, t time.Time) error {
	return r.col.exec.ModifyDocument(ctx, r.col.path, r.id, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		if created := doc.Info().Created; t.Before(created) {
			return api.Errorf(api.CodePermissionDenied, r.Path(), "modification time %s precedes creation time %s", t.Format(time.RFC3339), created.Format(time.RFC3339))
		}
		doc.SetModified(t)
		return nil
	})
}

// Permissions implements client.Resource.
func (r *Resource) Permissions(ctx context.Context) (api.Permission, error) {
	info, err := r.info(ctx)
	return info.Permission, err
}

// Close implements client.Resource.
func (r *Resource) Close() error {
	r.mu.Lock()
	pending := r.pending
	r.pending = api.Content{}
	r.mu.Unlock()
	return pending.Release()
}
