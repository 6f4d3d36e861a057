package corekv

// Cursor walks an ordered database as the path of (page, child-index)
// pairs from root to current leaf, plus the decoded leaf entries and an
// index into them (§4.5). A read transaction's cursor holds a stable
// path for the life of its snapshot; a write transaction's cursor
// re-validates its path from the root after every Put/Delete, since the
// writer may have COW-ed pages out from under it.
type Cursor struct {
	txn *Txn
	dbi DBI
	t   *tree
	cmp func(a, b []byte) int

	path    []pathStep
	entries []node
	idx     int
	valid   bool
}

// Cursor opens a cursor over dbi within txn (§6.2).
func (txn *Txn) Cursor(dbi DBI) *Cursor {
	return txn.newCursor(dbi)
}

func (txn *Txn) newCursor(dbi DBI) *Cursor {
	return &Cursor{
		txn: txn,
		dbi: dbi,
		t:   txn.treeFor(dbi),
		cmp: txn.comparator(dbi),
	}
}

func (c *Cursor) currentKV() ([]byte, []byte, error) {
	e := c.entries[c.idx]
	if e.Flags&nodeBig != 0 {
		v, err := c.txn.readOverflow(e.OverflowPgno, e.OverflowSize)
		if err != nil {
			return nil, nil, err
		}
		return e.Key, v, nil
	}
	return e.Key, e.Value, nil
}

func (c *Cursor) descendLeftmost(pn pgno) error {
	c.path = c.path[:0]
	return c.descendLeftmostFrom(pn)
}

func (c *Cursor) descendRightmost(pn pgno) error {
	c.path = c.path[:0]
	return c.descendRightmostFrom(pn)
}

func (c *Cursor) first() ([]byte, []byte, error) {
	c.t = c.txn.treeFor(c.dbi)
	if c.t == nil || c.t.Root == invalidPgno {
		c.valid = false
		return nil, nil, ErrKeyNotFound
	}
	if err := c.descendLeftmost(c.t.Root); err != nil {
		return nil, nil, err
	}
	if len(c.entries) == 0 {
		c.valid = false
		return nil, nil, ErrKeyNotFound
	}
	c.valid = true
	return c.currentKV()
}

func (c *Cursor) last() ([]byte, []byte, error) {
	c.t = c.txn.treeFor(c.dbi)
	if c.t == nil || c.t.Root == invalidPgno {
		c.valid = false
		return nil, nil, ErrKeyNotFound
	}
	if err := c.descendRightmost(c.t.Root); err != nil {
		return nil, nil, err
	}
	if len(c.entries) == 0 {
		c.valid = false
		return nil, nil, ErrKeyNotFound
	}
	c.valid = true
	return c.currentKV()
}

func (c *Cursor) seek(key []byte) ([]byte, []byte, error) {
	c.t = c.txn.treeFor(c.dbi)
	if c.t == nil || c.t.Root == invalidPgno {
		c.valid = false
		return nil, nil, ErrKeyNotFound
	}
	path, entries, idx, _, err := c.txn.descend(c.t, key, c.cmp)
	if err != nil {
		return nil, nil, err
	}
	c.path = path
	c.entries = entries
	if idx >= len(entries) {
		c.idx = len(entries)
		c.valid = false
		if err := c.stepForwardFromEnd(); err != nil {
			return nil, nil, err
		}
	} else {
		c.idx = idx
		c.path[len(c.path)-1].Idx = idx
		c.valid = true
	}
	if !c.valid {
		return nil, nil, ErrKeyNotFound
	}
	return c.currentKV()
}

// descendLeftmostFrom continues a path already truncated to its parent
// level, descending pn to its leftmost leaf.
func (c *Cursor) descendLeftmostFrom(pn pgno) error {
	for {
		p, err := c.txn.getPage(pn)
		if err != nil {
			return err
		}
		entries := decodeEntries(p)
		c.path = append(c.path, pathStep{Pgno: pn, Idx: 0})
		if p.isLeaf() {
			c.entries = entries
			c.idx = 0
			return nil
		}
		pn = entries[0].Child
	}
}

func (c *Cursor) descendRightmostFrom(pn pgno) error {
	for {
		p, err := c.txn.getPage(pn)
		if err != nil {
			return err
		}
		entries := decodeEntries(p)
		idx := len(entries) - 1
		if idx < 0 {
			idx = 0
		}
		c.path = append(c.path, pathStep{Pgno: pn, Idx: idx})
		if p.isLeaf() {
			c.entries = entries
			c.idx = idx
			return nil
		}
		pn = entries[idx].Child
	}
}

// stepForwardFromEnd climbs from the leaf looking for the nearest
// ancestor with an unvisited right sibling, then descends that
// sibling's leftmost path. Leaves c.valid false if the tree is
// exhausted.
func (c *Cursor) stepForwardFromEnd() error {
	for level := len(c.path) - 2; level >= 0; level-- {
		p, err := c.txn.getPage(c.path[level].Pgno)
		if err != nil {
			return err
		}
		entries := decodeEntries(p)
		nextIdx := c.path[level].Idx + 1
		if nextIdx < len(entries) {
			c.path[level].Idx = nextIdx
			c.path = c.path[:level+1]
			if err := c.descendLeftmostFrom(entries[nextIdx].Child); err != nil {
				return err
			}
			c.valid = len(c.entries) > 0
			return nil
		}
	}
	c.valid = false
	return nil
}

func (c *Cursor) stepBackwardFromStart() error {
	for level := len(c.path) - 2; level >= 0; level-- {
		prevIdx := c.path[level].Idx - 1
		if prevIdx < 0 {
			continue
		}
		p, err := c.txn.getPage(c.path[level].Pgno)
		if err != nil {
			return err
		}
		entries := decodeEntries(p)
		c.path[level].Idx = prevIdx
		c.path = c.path[:level+1]
		if err := c.descendRightmostFrom(entries[prevIdx].Child); err != nil {
			return err
		}
		c.valid = len(c.entries) > 0
		return nil
	}
	c.valid = false
	return nil
}

func (c *Cursor) next() ([]byte, []byte, error) {
	if !c.valid {
		return c.first()
	}
	if c.idx+1 < len(c.entries) {
		c.idx++
		return c.currentKV()
	}
	if err := c.stepForwardFromEnd(); err != nil {
		return nil, nil, err
	}
	if !c.valid {
		return nil, nil, ErrKeyNotFound
	}
	return c.currentKV()
}

func (c *Cursor) prev() ([]byte, []byte, error) {
	if !c.valid {
		return c.last()
	}
	if c.idx > 0 {
		c.idx--
		return c.currentKV()
	}
	if err := c.stepBackwardFromStart(); err != nil {
		return nil, nil, err
	}
	if !c.valid {
		return nil, nil, ErrKeyNotFound
	}
	return c.currentKV()
}

// First positions the cursor at the smallest key (§6.2).
func (c *Cursor) First() ([]byte, []byte, error) { return c.first() }

// Last positions the cursor at the largest key (§6.2).
func (c *Cursor) Last() ([]byte, []byte, error) { return c.last() }

// Seek positions the cursor at the smallest key >= key (§6.2).
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) { return c.seek(key) }

// Next advances the cursor; called before any positioning call it
// behaves like First (§6.2).
func (c *Cursor) Next() ([]byte, []byte, error) { return c.next() }

// Prev moves the cursor backward; called before any positioning call it
// behaves like Last (§6.2).
func (c *Cursor) Prev() ([]byte, []byte, error) { return c.prev() }

// Put inserts or updates key through the cursor's database, then
// re-validates the cursor's path from the root at the new key (§4.5).
func (c *Cursor) Put(key, value []byte, flags uint) error {
	if err := c.txn.Put(c.dbi, key, value, flags); err != nil {
		return err
	}
	_, _, err := c.seek(key)
	if err != nil && !errorsIsKeyNotFound(err) {
		return err
	}
	return nil
}

// Delete removes the key the cursor is currently positioned at, then
// re-validates the path at the following key, if any (§4.5, §6.2).
func (c *Cursor) Delete() error {
	if !c.valid {
		return newErr(InvalidParameter, "cursor not positioned")
	}
	key := append([]byte(nil), c.entries[c.idx].Key...)
	if err := c.txn.Delete(c.dbi, key); err != nil {
		return err
	}
	_, _, err := c.seek(key)
	if err != nil && !errorsIsKeyNotFound(err) {
		return err
	}
	return nil
}
