package embedded

import (
	"time"

	"github.com/google/btree"

	"pkt.systems/xmldb/api"
)

const defaultBTreeDegree = 16

var (
	_ btree.Item = (*collection)(nil)
	_ btree.Item = (*document)(nil)
)

type collection struct {
	name     string
	path     string
	lock     *rwLock
	perm     api.Permission
	created  time.Time
	children *btree.BTree
	docs     *btree.BTree
}

func newCollection(name, path string, perm api.Permission, created time.Time) *collection {
	return &collection{
		name:     name,
		path:     path,
		lock:     newRWLock(),
		perm:     perm,
		created:  created,
		children: btree.New(defaultBTreeDegree),
		docs:     btree.New(defaultBTreeDegree),
	}
}

// Less orders siblings by name.
func (c *collection) Less(other btree.Item) bool {
	return c.name < other.(*collection).name
}

func (c *collection) child(name string) *collection {
	item := c.children.Get(&collection{name: name})
	if item == nil {
		return nil
	}
	return item.(*collection)
}

func (c *collection) doc(name string) *document {
	item := c.docs.Get(&document{name: name})
	if item == nil {
		return nil
	}
	return item.(*document)
}

func (c *collection) childNames() []string {
	out := make([]string, 0, c.children.Len())
	c.children.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*collection).name)
		return true
	})
	return out
}

func (c *collection) docNames() []string {
	out := make([]string, 0, c.docs.Len())
	c.docs.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*document).name)
		return true
	})
	return out
}

// walk visits c and every descendant collection, parents first.
func (c *collection) walk(fn func(*collection)) {
	fn(c)
	c.children.Ascend(func(i btree.Item) bool {
		i.(*collection).walk(fn)
		return true
	})
}

// docState is the mutable part of a document; handles edit a copy.
type docState struct {
	typ       api.ResourceType
	mime      string
	content   []byte
	perm      api.Permission
	created   time.Time
	modified  time.Time
	lockOwner string
}

type document struct {
	name  string
	lock  *rwLock
	state docState
}

// Less orders documents by name.
func (d *document) Less(other btree.Item) bool {
	return d.name < other.(*document).name
}
