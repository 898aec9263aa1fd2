package access

import "sync"

// LockedCollection releases its collection lock exactly once. A borrowed
// handle belongs to an enclosing operation and is never unlocked here.
type LockedCollection struct {
	CollectionHandle
	once      sync.Once
	borrowed  bool
	onRelease func()
}

// LockCollection wraps h. A nil handle yields nil.
func LockCollection(h CollectionHandle) *LockedCollection {
	if h == nil {
		return nil
	}
	return &LockedCollection{CollectionHandle: h}
}

// Release unlocks the collection; later calls do nothing.
func (l *LockedCollection) Release() {
	if l == nil || l.borrowed {
		return
	}
	l.once.Do(func() {
		if l.onRelease != nil {
			l.onRelease()
		}
		l.CollectionHandle.Unlock()
	})
}

// LockedDocument releases its document lock exactly once.
type LockedDocument struct {
	DocumentHandle
	once      sync.Once
	borrowed  bool
	onRelease func()
}

// LockDocument wraps h. A nil handle yields nil.
func LockDocument(h DocumentHandle) *LockedDocument {
	if h == nil {
		return nil
	}
	return &LockedDocument{DocumentHandle: h}
}

// Release unlocks the document; later calls do nothing.
func (l *LockedDocument) Release() {
	if l == nil || l.borrowed {
		return
	}
	l.once.Do(func() {
		if l.onRelease != nil {
			l.onRelease()
		}
		l.DocumentHandle.Unlock()
	})
}

// covers reports whether a lock held in mode held satisfies want.
func covers(held, want LockMode) bool {
	return held == WriteLock || want == ReadLock
}

type heldCollection struct {
	lock *LockedCollection
	mode LockMode
}

type heldDocument struct {
	lock *LockedDocument
	mode LockMode
}

// heldLocks records the locks taken inside one transaction scope. Joined
// scopes share it so nested operations reuse a lock their caller already
// holds instead of waiting on it.
type heldLocks struct {
	mu   sync.Mutex
	cols map[string]heldCollection
	docs map[string]heldDocument
}

func newHeldLocks() *heldLocks {
	return &heldLocks{
		cols: make(map[string]heldCollection),
		docs: make(map[string]heldDocument),
	}
}

func (h *heldLocks) collection(path string) (heldCollection, bool) {
	if h == nil {
		return heldCollection{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	held, ok := h.cols[path]
	return held, ok
}

func (h *heldLocks) document(path string) (heldDocument, bool) {
	if h == nil {
		return heldDocument{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	held, ok := h.docs[path]
	return held, ok
}

func (h *heldLocks) trackCollection(path string, l *LockedCollection, mode LockMode) {
	if h == nil || l == nil {
		return
	}
	h.mu.Lock()
	h.cols[path] = heldCollection{lock: l, mode: mode}
	h.mu.Unlock()
	l.onRelease = func() {
		h.mu.Lock()
		if cur, ok := h.cols[path]; ok && cur.lock == l {
			delete(h.cols, path)
		}
		h.mu.Unlock()
	}
}

func (h *heldLocks) trackDocument(path string, l *LockedDocument, mode LockMode) {
	if h == nil || l == nil {
		return
	}
	h.mu.Lock()
	h.docs[path] = heldDocument{lock: l, mode: mode}
	h.mu.Unlock()
	l.onRelease = func() {
		h.mu.Lock()
		if cur, ok := h.docs[path]; ok && cur.lock == l {
			delete(h.docs, path)
		}
		h.mu.Unlock()
	}
}

func borrowCollection(held heldCollection) *LockedCollection {
	return &LockedCollection{CollectionHandle: held.lock.CollectionHandle, borrowed: true}
}

func borrowDocument(held heldDocument) *LockedDocument {
	return &LockedDocument{DocumentHandle: held.lock.DocumentHandle, borrowed: true}
}
