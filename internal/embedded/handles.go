package embedded

import (
	"context"
	"time"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/access"
)

type colHandle struct {
	b    *broker
	col  *collection
	mode access.LockMode
}

func (h *colHandle) Path() string { return h.col.path }

func (h *colHandle) Permission() api.Permission {
	h.b.engine.treeMu.RLock()
	defer h.b.engine.treeMu.RUnlock()
	return h.col.perm
}

func (h *colHandle) Created() time.Time { return h.col.created }

func (h *colHandle) ChildNames() []string {
	h.b.engine.treeMu.RLock()
	defer h.b.engine.treeMu.RUnlock()
	return h.col.childNames()
}

func (h *colHandle) DocumentNames() []string {
	h.b.engine.treeMu.RLock()
	defer h.b.engine.treeMu.RUnlock()
	return h.col.docNames()
}

func (h *colHandle) HasDocument(name string) bool {
	h.b.engine.treeMu.RLock()
	defer h.b.engine.treeMu.RUnlock()
	return h.col.doc(name) != nil
}

func (h *colHandle) requireWrite(path string) error {
	if h.mode != access.WriteLock {
		return api.Errorf(api.CodeLockError, path, "collection is not write-locked")
	}
	if !h.b.allows(h.Permission(), api.PermWrite) {
		return h.b.denied(path, "write access to collection denied")
	}
	return nil
}

func (h *colHandle) Document(ctx context.Context, name string, mode access.LockMode) (access.DocumentHandle, error) {
	e := h.b.engine
	path := api.Join(h.col.path, name)
	e.treeMu.RLock()
	doc := h.col.doc(name)
	var perm api.Permission
	if doc != nil {
		perm = doc.state.perm
	}
	e.treeMu.RUnlock()
	if doc == nil {
		return nil, nil
	}
	want := uint32(api.PermRead)
	if mode == access.WriteLock {
		want = api.PermWrite
	}
	if !h.b.allows(perm, want) {
		return nil, h.b.denied(path, "%s access to resource denied", mode)
	}
	if err := doc.lock.acquire(ctx, mode, e.lockTimeout, path); err != nil {
		return nil, err
	}
	e.treeMu.RLock()
	attached := h.col.doc(name) == doc
	work := doc.state
	e.treeMu.RUnlock()
	if !attached {
		doc.lock.release(mode)
		return nil, nil
	}
	work.content = append([]byte(nil), work.content...)
	e.emit(Event{Kind: EventLockDocument, Path: path, Mode: mode, User: h.b.user.name})
	return &docHandle{b: h.b, col: h.col, doc: doc, mode: mode, work: work, path: path}, nil
}

func (h *colHandle) NewDocument(ctx context.Context, t access.Txn, name string, typ api.ResourceType) (access.DocumentHandle, error) {
	if _, err := asTxn(t); err != nil {
		return nil, err
	}
	if err := api.ValidName(name); err != nil {
		return nil, err
	}
	path := api.Join(h.col.path, name)
	if err := h.requireWrite(path); err != nil {
		return nil, err
	}
	existing, err := h.Document(ctx, name, access.WriteLock)
	if err != nil {
		return nil, err
	}
	now := h.b.engine.now().UTC()
	if existing != nil {
		dh := existing.(*docHandle)
		if owner := dh.work.lockOwner; owner != "" && owner != h.b.user.name && h.b.user.name != api.DBA {
			dh.Unlock()
			return nil, h.b.denied(path, "resource is locked by %s", owner)
		}
		dh.work.typ = typ
		dh.work.mime = typ.DefaultMimeType()
		dh.work.content = nil
		dh.work.modified = now
		return dh, nil
	}
	doc := &document{name: name, lock: newRWLock()}
	// Uncontended: the document is not reachable until stored.
	if err := doc.lock.acquire(ctx, access.WriteLock, 0, path); err != nil {
		return nil, err
	}
	h.b.engine.emit(Event{Kind: EventLockDocument, Path: path, Mode: access.WriteLock, User: h.b.user.name})
	return &docHandle{
		b:     h.b,
		col:   h.col,
		doc:   doc,
		mode:  access.WriteLock,
		isNew: true,
		path:  path,
		work: docState{
			typ:      typ,
			mime:     typ.DefaultMimeType(),
			perm:     api.Permission{Owner: h.b.user.name, Group: h.b.user.primaryGroup(), Mode: DefaultResourceMode},
			created:  now,
			modified: now,
		},
	}, nil
}

func (h *colHandle) RemoveDocument(ctx context.Context, t access.Txn, name string) error {
	tx, err := asTxn(t)
	if err != nil {
		return err
	}
	path := api.Join(h.col.path, name)
	if err := h.requireWrite(path); err != nil {
		return err
	}
	e := h.b.engine
	e.treeMu.RLock()
	doc := h.col.doc(name)
	e.treeMu.RUnlock()
	if doc == nil {
		return api.Errorf(api.CodeNoSuchResource, path, "resource not found")
	}
	if err := doc.lock.acquire(ctx, access.WriteLock, e.lockTimeout, path); err != nil {
		return err
	}
	defer doc.lock.release(access.WriteLock)
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	if owner := doc.state.lockOwner; owner != "" && owner != h.b.user.name && h.b.user.name != api.DBA {
		return h.b.denied(path, "resource is locked by %s", owner)
	}
	col := h.col
	if col.docs.Delete(doc) == nil {
		return api.Errorf(api.CodeNoSuchResource, path, "resource not found")
	}
	tx.record(func() { col.docs.ReplaceOrInsert(doc) })
	return nil
}

func (h *colHandle) CreateChild(_ context.Context, t access.Txn, name string) error {
	tx, err := asTxn(t)
	if err != nil {
		return err
	}
	if err := api.ValidName(name); err != nil {
		return err
	}
	path := api.Join(h.col.path, name)
	if err := h.requireWrite(path); err != nil {
		return err
	}
	e := h.b.engine
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	if h.col.child(name) != nil {
		return nil
	}
	child := newCollection(name, path, api.Permission{Owner: h.b.user.name, Group: h.b.user.primaryGroup(), Mode: DefaultCollectionMode}, e.now().UTC())
	parent := h.col
	parent.children.ReplaceOrInsert(child)
	tx.record(func() { parent.children.Delete(child) })
	return nil
}

func (h *colHandle) RemoveChild(ctx context.Context, t access.Txn, name string) error {
	tx, err := asTxn(t)
	if err != nil {
		return err
	}
	path := api.Join(h.col.path, name)
	if err := h.requireWrite(path); err != nil {
		return err
	}
	e := h.b.engine
	e.treeMu.RLock()
	child := h.col.child(name)
	e.treeMu.RUnlock()
	if child == nil {
		return api.Errorf(api.CodeNoSuchCollection, path, "collection not found")
	}
	if err := child.lock.acquire(ctx, access.WriteLock, e.lockTimeout, path); err != nil {
		return err
	}
	defer child.lock.release(access.WriteLock)
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	parent := h.col
	if parent.children.Delete(child) == nil {
		return api.Errorf(api.CodeNoSuchCollection, path, "collection not found")
	}
	tx.record(func() { parent.children.ReplaceOrInsert(child) })
	return nil
}

func (h *colHandle) SetPermission(_ context.Context, t access.Txn, perm api.Permission) error {
	tx, err := asTxn(t)
	if err != nil {
		return err
	}
	e := h.b.engine
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	if err := h.b.canChangePermission(h.col.path, h.col.perm, perm); err != nil {
		return err
	}
	col := h.col
	prev := col.perm
	col.perm = perm
	tx.record(func() { col.perm = prev })
	return nil
}

func (h *colHandle) Unlock() {
	h.col.lock.release(h.mode)
	h.b.engine.emit(Event{Kind: EventUnlockCollection, Path: h.col.path, Mode: h.mode, User: h.b.user.name})
}

// canChangePermission allows owners to change mode and group, and only the
// DBA to hand ownership to someone else.
func (b *broker) canChangePermission(path string, cur, next api.Permission) error {
	if b.user.name == api.DBA {
		return nil
	}
	if cur.Owner != b.user.name {
		return b.denied(path, "only the owner may change permissions")
	}
	if next.Owner != cur.Owner {
		return b.denied(path, "only %s may change the owner", api.DBA)
	}
	return nil
}

type docHandle struct {
	b     *broker
	col   *collection
	doc   *document
	mode  access.LockMode
	work  docState
	isNew bool
	path  string
}

func (h *docHandle) Info() api.ResourceInfo {
	return api.ResourceInfo{
		Name:          h.doc.name,
		Path:          h.path,
		Type:          h.work.typ,
		MimeType:      h.work.mime,
		ContentLength: int64(len(h.work.content)),
		Permission:    h.work.perm,
		Created:       h.work.created,
		Modified:      h.work.modified,
		LockOwner:     h.work.lockOwner,
	}
}

func (h *docHandle) Content() ([]byte, error) {
	return append([]byte(nil), h.work.content...), nil
}

func (h *docHandle) writable() error {
	if h.mode != access.WriteLock {
		return api.Errorf(api.CodeLockError, h.path, "document is not write-locked")
	}
	return nil
}

func (h *docHandle) SetContent(data []byte) error {
	if err := h.writable(); err != nil {
		return err
	}
	h.work.content = append([]byte(nil), data...)
	h.work.modified = h.b.engine.now().UTC()
	return nil
}

func (h *docHandle) SetMimeType(mime string) {
	if mime != "" {
		h.work.mime = mime
	}
}

func (h *docHandle) SetCreated(t time.Time) {
	if !t.IsZero() {
		h.work.created = t.UTC()
	}
}

func (h *docHandle) SetModified(t time.Time) {
	if !t.IsZero() {
		h.work.modified = t.UTC()
	}
}

func (h *docHandle) SetPermission(perm api.Permission) error {
	if err := h.writable(); err != nil {
		return err
	}
	if err := h.b.canChangePermission(h.path, h.work.perm, perm); err != nil {
		return err
	}
	h.work.perm = perm
	return nil
}

func (h *docHandle) SetLockOwner(owner string) error {
	if err := h.writable(); err != nil {
		return err
	}
	cur := h.work.lockOwner
	if cur != "" && cur != h.b.user.name && h.b.user.name != api.DBA {
		return h.b.denied(h.path, "resource is locked by %s", cur)
	}
	h.work.lockOwner = owner
	return nil
}

func (h *docHandle) Unlock() {
	h.doc.lock.release(h.mode)
	h.b.engine.emit(Event{Kind: EventUnlockDocument, Path: h.path, Mode: h.mode, User: h.b.user.name})
}
