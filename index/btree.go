// Package index implements the secondary B+-tree: composite byte keys
// mapping to document locations, backed by index-type pages from the same
// page pool as document storage. Nodes occupy one page each; leaves are
// linked for range scans.
package index

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/rthomasv3/galdrdb/errs"
	"github.com/rthomasv3/galdrdb/storage"
)

const (
	nodeTypeOff     = storage.PageHeaderSize // byte: 0=internal, 1=leaf
	numKeysOff      = nodeTypeOff + 1        // uint16
	nextLeafOff     = numKeysOff + 2         // uint32, leaf only
	leafDataOff     = nextLeafOff + 4
	internalDataOff = numKeysOff + 2

	nodeTypeInternal = byte(0)
	nodeTypeLeaf      = byte(1)

	locationSize = 4 + 2 // PageID + SlotIndex
)

// underflowNumerator/Denominator set the quarter-full threshold below
// which a node after a delete triggers borrow-or-merge rebalancing. Nodes
// here are size-bounded rather than fixed-order, following the split
// logic below, so "minimum keys" is expressed as a fraction of payload
// capacity instead of a fixed count.
const (
	underflowNumerator   = 1
	underflowDenominator = 4
)

// entry is one (key, location) pair stored in a leaf.
type entry struct {
	Key []byte
	Loc storage.DocumentLocation
}

// internalNode is an in-memory decoding of an internal page: len(children)
// == len(keys)+1.
type internalNode struct {
	keys     [][]byte
	children []uint32
}

// BTree is a B+-tree backed by index-type pages. Writers to the same tree
// must be externally serialized (see concurrency.LockManager.IndexMu);
// reads may run concurrently with each other.
type BTree struct {
	RootPageID uint32
	pages      *storage.PageManager
	cache      *storage.PageCache
	pageSize   int
	unique     bool
}

func maxLeafPayload(pageSize int) int     { return pageSize - leafDataOff }
func maxInternalPayload(pageSize int) int { return pageSize - internalDataOff }

// NewBTree allocates a fresh B+-tree with a single empty leaf as root.
// unique controls whether Insert rejects a second entry under the same
// user key (composite keys already disambiguate non-unique entries by
// appended DocId, so this only matters for the unique case).
func NewBTree(pages *storage.PageManager, cache *storage.PageCache, pageSize int, unique bool) (*BTree, error) {
	rootID, err := pages.AllocatePage()
	if err != nil {
		return nil, err
	}
	root := storage.NewPage(pageSize, storage.PageTypeIndex, rootID)
	writeLeafNode(root, nil, 0)
	if err := cache.WritePage(rootID, root.Data); err != nil {
		return nil, err
	}
	return &BTree{RootPageID: rootID, pages: pages, cache: cache, pageSize: pageSize, unique: unique}, nil
}

// OpenBTree attaches to an existing tree given its root page id.
func OpenBTree(pages *storage.PageManager, cache *storage.PageCache, pageSize int, rootPageID uint32, unique bool) *BTree {
	return &BTree{RootPageID: rootPageID, pages: pages, cache: cache, pageSize: pageSize, unique: unique}
}

func (bt *BTree) readPage(pageID uint32) (*storage.Page, error) {
	buf := make([]byte, bt.pageSize)
	if err := bt.cache.ReadPage(pageID, buf); err != nil {
		return nil, err
	}
	return &storage.Page{Data: buf}, nil
}

func (bt *BTree) writePage(pageID uint32, p *storage.Page) error {
	return bt.cache.WritePage(pageID, p.Data)
}

func isLeafPage(p *storage.Page) bool { return p.Data[nodeTypeOff] == nodeTypeLeaf }

// ---------- node codecs ----------

func readLeafEntries(p *storage.Page) []entry {
	num := binary.LittleEndian.Uint16(p.Data[numKeysOff:])
	off := leafDataOff
	out := make([]entry, 0, num)
	for i := 0; i < int(num); i++ {
		kl := int(binary.LittleEndian.Uint16(p.Data[off:]))
		off += 2
		key := append([]byte(nil), p.Data[off:off+kl]...)
		off += kl
		loc := storage.DocumentLocation{
			PageID:    binary.LittleEndian.Uint32(p.Data[off:]),
			SlotIndex: binary.LittleEndian.Uint16(p.Data[off+4:]),
		}
		off += locationSize
		out = append(out, entry{Key: key, Loc: loc})
	}
	return out
}

func readLeafNext(p *storage.Page) uint32 {
	return binary.LittleEndian.Uint32(p.Data[nextLeafOff:])
}

func writeLeafNode(p *storage.Page, entries []entry, nextLeaf uint32) {
	p.Data[nodeTypeOff] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(p.Data[numKeysOff:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(p.Data[nextLeafOff:], nextLeaf)
	off := leafDataOff
	for _, e := range entries {
		binary.LittleEndian.PutUint16(p.Data[off:], uint16(len(e.Key)))
		off += 2
		copy(p.Data[off:], e.Key)
		off += len(e.Key)
		binary.LittleEndian.PutUint32(p.Data[off:], e.Loc.PageID)
		binary.LittleEndian.PutUint16(p.Data[off+4:], e.Loc.SlotIndex)
		off += locationSize
	}
}

func leafEntriesSize(entries []entry) int {
	s := 0
	for _, e := range entries {
		s += 2 + len(e.Key) + locationSize
	}
	return s
}

func readInternalNode(p *storage.Page) internalNode {
	numKeys := binary.LittleEndian.Uint16(p.Data[numKeysOff:])
	off := internalDataOff
	node := internalNode{
		keys:     make([][]byte, 0, numKeys),
		children: make([]uint32, 0, numKeys+1),
	}
	child0 := binary.LittleEndian.Uint32(p.Data[off:])
	off += 4
	node.children = append(node.children, child0)
	for i := 0; i < int(numKeys); i++ {
		kl := int(binary.LittleEndian.Uint16(p.Data[off:]))
		off += 2
		key := append([]byte(nil), p.Data[off:off+kl]...)
		off += kl
		child := binary.LittleEndian.Uint32(p.Data[off:])
		off += 4
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
	}
	return node
}

func writeInternalNode(p *storage.Page, node internalNode) {
	p.Data[nodeTypeOff] = nodeTypeInternal
	binary.LittleEndian.PutUint16(p.Data[numKeysOff:], uint16(len(node.keys)))
	off := internalDataOff
	binary.LittleEndian.PutUint32(p.Data[off:], node.children[0])
	off += 4
	for i, key := range node.keys {
		binary.LittleEndian.PutUint16(p.Data[off:], uint16(len(key)))
		off += 2
		copy(p.Data[off:], key)
		off += len(key)
		binary.LittleEndian.PutUint32(p.Data[off:], node.children[i+1])
		off += 4
	}
}

func internalNodeSize(node internalNode) int {
	s := 4
	for _, k := range node.keys {
		s += 2 + len(k) + 4
	}
	return s
}

// ---------- search ----------

// findLeafPath walks from the root to the leaf that would hold key,
// returning the ancestor page ids and the child index taken at each
// ancestor (so a delete can later locate siblings via the ancestor's
// children slice), plus the leaf's own page id and contents.
func (bt *BTree) findLeafPath(key []byte) ([]uint32, []int, uint32, *storage.Page, error) {
	var pathPages []uint32
	var pathChildIdx []int
	pageID := bt.RootPageID
	for {
		page, err := bt.readPage(pageID)
		if err != nil {
			return nil, nil, 0, nil, err
		}
		if isLeafPage(page) {
			return pathPages, pathChildIdx, pageID, page, nil
		}
		node := readInternalNode(page)
		childIdx := sort.Search(len(node.keys), func(i int) bool {
			return bytes.Compare(node.keys[i], key) > 0
		})
		pathPages = append(pathPages, pageID)
		pathChildIdx = append(pathChildIdx, childIdx)
		pageID = node.children[childIdx]
	}
}

func (bt *BTree) findLeftmostLeaf() (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.readPage(pageID)
		if err != nil {
			return nil, err
		}
		if isLeafPage(page) {
			return page, nil
		}
		node := readInternalNode(page)
		pageID = node.children[0]
	}
}

// Search returns the location for an exact key match, if present.
func (bt *BTree) Search(key []byte) (storage.DocumentLocation, bool, error) {
	_, _, _, leaf, err := bt.findLeafPath(key)
	if err != nil {
		return storage.DocumentLocation{}, false, err
	}
	for _, e := range readLeafEntries(leaf) {
		if bytes.Equal(e.Key, key) {
			return e.Loc, true, nil
		}
	}
	return storage.DocumentLocation{}, false, nil
}

// Range returns every (key, location) pair with low <= key <= high. A nil
// bound is unbounded on that side.
func (bt *BTree) Range(low, high []byte) ([]entry, error) {
	var page *storage.Page
	var err error
	if low != nil {
		_, _, _, page, err = bt.findLeafPath(low)
	} else {
		page, err = bt.findLeftmostLeaf()
	}
	if err != nil {
		return nil, err
	}
	var out []entry
	for {
		for _, e := range readLeafEntries(page) {
			if low != nil && bytes.Compare(e.Key, low) < 0 {
				continue
			}
			if high != nil && bytes.Compare(e.Key, high) > 0 {
				return out, nil
			}
			out = append(out, e)
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.readPage(next)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllEntries returns every entry in key order, for rebuild and debugging.
func (bt *BTree) AllEntries() ([]entry, error) { return bt.Range(nil, nil) }

// ---------- insert ----------

type splitResult struct {
	key       []byte
	newPageID uint32
}

// Insert adds key -> loc. If the tree is unique and key already exists,
// it returns a UniqueConstraintViolation error without mutating the tree.
func (bt *BTree) Insert(key []byte, loc storage.DocumentLocation, collection, field string) error {
	if bt.unique {
		if _, ok, err := bt.Search(key); err != nil {
			return err
		} else if ok {
			return errs.UniqueViolation(collection, field, string(key))
		}
	}
	split, err := bt.insertRecursive(bt.RootPageID, key, loc)
	if err != nil {
		return err
	}
	if split != nil {
		newRootID, err := bt.pages.AllocatePage()
		if err != nil {
			return err
		}
		newRoot := storage.NewPage(bt.pageSize, storage.PageTypeIndex, newRootID)
		writeInternalNode(newRoot, internalNode{
			keys:     [][]byte{split.key},
			children: []uint32{bt.RootPageID, split.newPageID},
		})
		if err := bt.writePage(newRootID, newRoot); err != nil {
			return err
		}
		bt.RootPageID = newRootID
	}
	return nil
}

func (bt *BTree) insertRecursive(pageID uint32, key []byte, loc storage.DocumentLocation) (*splitResult, error) {
	page, err := bt.readPage(pageID)
	if err != nil {
		return nil, err
	}
	if isLeafPage(page) {
		return bt.insertIntoLeaf(pageID, page, key, loc)
	}
	node := readInternalNode(page)
	childIdx := sort.Search(len(node.keys), func(i int) bool {
		return bytes.Compare(node.keys[i], key) > 0
	})
	childSplit, err := bt.insertRecursive(node.children[childIdx], key, loc)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(pageID, page, node, childIdx, childSplit)
}

func (bt *BTree) insertIntoLeaf(pageID uint32, page *storage.Page, key []byte, loc storage.DocumentLocation) (*splitResult, error) {
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)

	pos := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	entries = append(entries, entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry{Key: append([]byte(nil), key...), Loc: loc}

	if leafEntriesSize(entries) <= maxLeafPayload(bt.pageSize) {
		writeLeafNode(page, entries, nextLeaf)
		return nil, bt.writePage(pageID, page)
	}

	mid := len(entries) / 2
	left := append([]entry(nil), entries[:mid]...)
	right := append([]entry(nil), entries[mid:]...)

	newPageID, err := bt.pages.AllocatePage()
	if err != nil {
		return nil, err
	}
	newPage := storage.NewPage(bt.pageSize, storage.PageTypeIndex, newPageID)
	writeLeafNode(newPage, right, nextLeaf)
	if err := bt.writePage(newPageID, newPage); err != nil {
		return nil, err
	}
	writeLeafNode(page, left, newPageID)
	if err := bt.writePage(pageID, page); err != nil {
		return nil, err
	}
	return &splitResult{key: right[0].Key, newPageID: newPageID}, nil
}

func (bt *BTree) insertIntoInternal(pageID uint32, page *storage.Page, node internalNode, childIdx int, split *splitResult) (*splitResult, error) {
	node.keys = append(node.keys, nil)
	copy(node.keys[childIdx+1:], node.keys[childIdx:])
	node.keys[childIdx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[childIdx+2:], node.children[childIdx+1:])
	node.children[childIdx+1] = split.newPageID

	if internalNodeSize(node) <= maxInternalPayload(bt.pageSize) {
		writeInternalNode(page, node)
		return nil, bt.writePage(pageID, page)
	}

	mid := len(node.keys) / 2
	pushUp := node.keys[mid]

	left := internalNode{keys: append([][]byte(nil), node.keys[:mid]...), children: append([]uint32(nil), node.children[:mid+1]...)}
	right := internalNode{keys: append([][]byte(nil), node.keys[mid+1:]...), children: append([]uint32(nil), node.children[mid+1:]...)}

	newPageID, err := bt.pages.AllocatePage()
	if err != nil {
		return nil, err
	}
	newPage := storage.NewPage(bt.pageSize, storage.PageTypeIndex, newPageID)
	writeInternalNode(newPage, right)
	if err := bt.writePage(newPageID, newPage); err != nil {
		return nil, err
	}
	writeInternalNode(page, left)
	if err := bt.writePage(pageID, page); err != nil {
		return nil, err
	}
	return &splitResult{key: pushUp, newPageID: newPageID}, nil
}

// ---------- delete ----------

func leafUnderflowThreshold(pageSize int) int {
	return maxLeafPayload(pageSize) * underflowNumerator / underflowDenominator
}

func internalUnderflowThreshold(pageSize int) int {
	return maxInternalPayload(pageSize) * underflowNumerator / underflowDenominator
}

// removeParentChild removes the separator at keys[keyIdx] along with the
// child immediately to its right, after that child has been merged into
// its left neighbor.
func removeParentChild(node *internalNode, keyIdx int) {
	node.keys = append(node.keys[:keyIdx], node.keys[keyIdx+1:]...)
	node.children = append(node.children[:keyIdx+1], node.children[keyIdx+2:]...)
}

// Remove deletes key from the tree, returning whether it was present.
// Underflowing leaves and internal nodes borrow from a sibling when one
// has room to spare, merge with a sibling otherwise, and a root reduced
// to a single child collapses in its place.
func (bt *BTree) Remove(key []byte) (bool, error) {
	pathPages, pathChildIdx, leafPageID, leaf, err := bt.findLeafPath(key)
	if err != nil {
		return false, err
	}
	entries := readLeafEntries(leaf)
	pos := -1
	for i, e := range entries {
		if bytes.Equal(e.Key, key) {
			pos = i
			break
		}
	}
	if pos == -1 {
		return false, nil
	}
	entries = append(entries[:pos], entries[pos+1:]...)
	nextLeaf := readLeafNext(leaf)
	writeLeafNode(leaf, entries, nextLeaf)
	if err := bt.writePage(leafPageID, leaf); err != nil {
		return false, err
	}

	if len(pathPages) == 0 {
		return true, nil
	}
	if leafEntriesSize(entries) >= leafUnderflowThreshold(bt.pageSize) {
		return true, nil
	}
	return true, bt.rebalanceAfterDelete(pathPages, pathChildIdx, leafPageID)
}

// rebalanceAfterDelete walks from the underflowing node up toward the
// root, fixing one level at a time. A borrow stops propagation since the
// parent's key changed but its key/child count did not; a merge removes
// a key/child from the parent, so the parent itself must then be checked.
func (bt *BTree) rebalanceAfterDelete(pathPages []uint32, pathChildIdx []int, currentPageID uint32) error {
	for level := len(pathPages) - 1; level >= 0; level-- {
		parentPageID := pathPages[level]
		childIdx := pathChildIdx[level]

		parentPage, err := bt.readPage(parentPageID)
		if err != nil {
			return err
		}
		parentNode := readInternalNode(parentPage)

		current, err := bt.readPage(currentPageID)
		if err != nil {
			return err
		}

		merged, err := bt.fixUnderflow(parentPageID, parentPage, parentNode, childIdx, currentPageID, current)
		if err != nil {
			return err
		}
		if !merged {
			return nil
		}
		currentPageID = parentPageID
	}
	return bt.collapseRootIfNeeded()
}

func (bt *BTree) fixUnderflow(parentPageID uint32, parentPage *storage.Page, parentNode internalNode, childIdx int, currentPageID uint32, current *storage.Page) (merged bool, err error) {
	if isLeafPage(current) {
		return bt.fixLeafUnderflow(parentPageID, parentPage, parentNode, childIdx, currentPageID, current)
	}
	return bt.fixInternalUnderflow(parentPageID, parentPage, parentNode, childIdx, currentPageID, current)
}

func (bt *BTree) fixLeafUnderflow(parentPageID uint32, parentPage *storage.Page, parentNode internalNode, childIdx int, currentPageID uint32, current *storage.Page) (bool, error) {
	entries := readLeafEntries(current)
	if leafEntriesSize(entries) >= leafUnderflowThreshold(bt.pageSize) {
		return false, nil
	}
	nextLeaf := readLeafNext(current)

	if childIdx > 0 {
		leftID := parentNode.children[childIdx-1]
		leftPage, err := bt.readPage(leftID)
		if err != nil {
			return false, err
		}
		leftEntries := readLeafEntries(leftPage)
		leftNext := readLeafNext(leftPage)
		if len(leftEntries) > 1 && leafEntriesSize(leftEntries[:len(leftEntries)-1]) >= leafUnderflowThreshold(bt.pageSize) {
			borrowed := leftEntries[len(leftEntries)-1]
			leftEntries = leftEntries[:len(leftEntries)-1]
			entries = append([]entry{borrowed}, entries...)

			writeLeafNode(leftPage, leftEntries, leftNext)
			if err := bt.writePage(leftID, leftPage); err != nil {
				return false, err
			}
			writeLeafNode(current, entries, nextLeaf)
			if err := bt.writePage(currentPageID, current); err != nil {
				return false, err
			}
			parentNode.keys[childIdx-1] = entries[0].Key
			writeInternalNode(parentPage, parentNode)
			return false, bt.writePage(parentPageID, parentPage)
		}
	}

	if childIdx+1 < len(parentNode.children) {
		rightID := parentNode.children[childIdx+1]
		rightPage, err := bt.readPage(rightID)
		if err != nil {
			return false, err
		}
		rightEntries := readLeafEntries(rightPage)
		rightNext := readLeafNext(rightPage)
		if len(rightEntries) > 1 && leafEntriesSize(rightEntries[1:]) >= leafUnderflowThreshold(bt.pageSize) {
			borrowed := rightEntries[0]
			rightEntries = rightEntries[1:]
			entries = append(entries, borrowed)

			writeLeafNode(rightPage, rightEntries, rightNext)
			if err := bt.writePage(rightID, rightPage); err != nil {
				return false, err
			}
			writeLeafNode(current, entries, nextLeaf)
			if err := bt.writePage(currentPageID, current); err != nil {
				return false, err
			}
			parentNode.keys[childIdx] = rightEntries[0].Key
			writeInternalNode(parentPage, parentNode)
			return false, bt.writePage(parentPageID, parentPage)
		}
	}

	if childIdx > 0 {
		leftID := parentNode.children[childIdx-1]
		leftPage, err := bt.readPage(leftID)
		if err != nil {
			return false, err
		}
		leftEntries := readLeafEntries(leftPage)
		merged := append(leftEntries, entries...)
		writeLeafNode(leftPage, merged, nextLeaf)
		if err := bt.writePage(leftID, leftPage); err != nil {
			return false, err
		}
		bt.cache.Invalidate(currentPageID)
		if err := bt.pages.DeallocatePage(currentPageID); err != nil {
			return false, err
		}
		removeParentChild(&parentNode, childIdx-1)
		writeInternalNode(parentPage, parentNode)
		return true, bt.writePage(parentPageID, parentPage)
	}

	rightID := parentNode.children[childIdx+1]
	rightPage, err := bt.readPage(rightID)
	if err != nil {
		return false, err
	}
	rightEntries := readLeafEntries(rightPage)
	rightNext := readLeafNext(rightPage)
	merged := append(entries, rightEntries...)
	writeLeafNode(current, merged, rightNext)
	if err := bt.writePage(currentPageID, current); err != nil {
		return false, err
	}
	bt.cache.Invalidate(rightID)
	if err := bt.pages.DeallocatePage(rightID); err != nil {
		return false, err
	}
	removeParentChild(&parentNode, childIdx)
	writeInternalNode(parentPage, parentNode)
	return true, bt.writePage(parentPageID, parentPage)
}

func (bt *BTree) fixInternalUnderflow(parentPageID uint32, parentPage *storage.Page, parentNode internalNode, childIdx int, currentPageID uint32, current *storage.Page) (bool, error) {
	node := readInternalNode(current)
	if internalNodeSize(node) >= internalUnderflowThreshold(bt.pageSize) {
		return false, nil
	}

	if childIdx > 0 {
		leftID := parentNode.children[childIdx-1]
		leftPage, err := bt.readPage(leftID)
		if err != nil {
			return false, err
		}
		leftNode := readInternalNode(leftPage)
		if len(leftNode.keys) > 0 {
			shrunk := internalNode{keys: leftNode.keys[:len(leftNode.keys)-1], children: leftNode.children[:len(leftNode.children)-1]}
			if internalNodeSize(shrunk) >= internalUnderflowThreshold(bt.pageSize) {
				borrowedChild := leftNode.children[len(leftNode.children)-1]
				borrowedKey := leftNode.keys[len(leftNode.keys)-1]
				leftNode.children = leftNode.children[:len(leftNode.children)-1]
				leftNode.keys = leftNode.keys[:len(leftNode.keys)-1]

				node.keys = append([][]byte{parentNode.keys[childIdx-1]}, node.keys...)
				node.children = append([]uint32{borrowedChild}, node.children...)
				parentNode.keys[childIdx-1] = borrowedKey

				writeInternalNode(leftPage, leftNode)
				if err := bt.writePage(leftID, leftPage); err != nil {
					return false, err
				}
				writeInternalNode(current, node)
				if err := bt.writePage(currentPageID, current); err != nil {
					return false, err
				}
				writeInternalNode(parentPage, parentNode)
				return false, bt.writePage(parentPageID, parentPage)
			}
		}
	}

	if childIdx+1 < len(parentNode.children) {
		rightID := parentNode.children[childIdx+1]
		rightPage, err := bt.readPage(rightID)
		if err != nil {
			return false, err
		}
		rightNode := readInternalNode(rightPage)
		if len(rightNode.keys) > 0 {
			shrunk := internalNode{keys: rightNode.keys[1:], children: rightNode.children[1:]}
			if internalNodeSize(shrunk) >= internalUnderflowThreshold(bt.pageSize) {
				borrowedChild := rightNode.children[0]
				borrowedKey := rightNode.keys[0]
				rightNode.children = rightNode.children[1:]
				rightNode.keys = rightNode.keys[1:]

				node.keys = append(node.keys, parentNode.keys[childIdx])
				node.children = append(node.children, borrowedChild)
				parentNode.keys[childIdx] = borrowedKey

				writeInternalNode(rightPage, rightNode)
				if err := bt.writePage(rightID, rightPage); err != nil {
					return false, err
				}
				writeInternalNode(current, node)
				if err := bt.writePage(currentPageID, current); err != nil {
					return false, err
				}
				writeInternalNode(parentPage, parentNode)
				return false, bt.writePage(parentPageID, parentPage)
			}
		}
	}

	if childIdx > 0 {
		leftID := parentNode.children[childIdx-1]
		leftPage, err := bt.readPage(leftID)
		if err != nil {
			return false, err
		}
		leftNode := readInternalNode(leftPage)
		leftNode.keys = append(leftNode.keys, parentNode.keys[childIdx-1])
		leftNode.keys = append(leftNode.keys, node.keys...)
		leftNode.children = append(leftNode.children, node.children...)
		writeInternalNode(leftPage, leftNode)
		if err := bt.writePage(leftID, leftPage); err != nil {
			return false, err
		}
		bt.cache.Invalidate(currentPageID)
		if err := bt.pages.DeallocatePage(currentPageID); err != nil {
			return false, err
		}
		removeParentChild(&parentNode, childIdx-1)
		writeInternalNode(parentPage, parentNode)
		return true, bt.writePage(parentPageID, parentPage)
	}

	rightID := parentNode.children[childIdx+1]
	rightPage, err := bt.readPage(rightID)
	if err != nil {
		return false, err
	}
	rightNode := readInternalNode(rightPage)
	node.keys = append(node.keys, parentNode.keys[childIdx])
	node.keys = append(node.keys, rightNode.keys...)
	node.children = append(node.children, rightNode.children...)
	writeInternalNode(current, node)
	if err := bt.writePage(currentPageID, current); err != nil {
		return false, err
	}
	bt.cache.Invalidate(rightID)
	if err := bt.pages.DeallocatePage(rightID); err != nil {
		return false, err
	}
	removeParentChild(&parentNode, childIdx)
	writeInternalNode(parentPage, parentNode)
	return true, bt.writePage(parentPageID, parentPage)
}

// collapseRootIfNeeded replaces the root with its sole child when a merge
// has reduced it to an internal node with zero separator keys.
func (bt *BTree) collapseRootIfNeeded() error {
	root, err := bt.readPage(bt.RootPageID)
	if err != nil {
		return err
	}
	if isLeafPage(root) {
		return nil
	}
	node := readInternalNode(root)
	if len(node.keys) > 0 {
		return nil
	}
	oldRoot := bt.RootPageID
	bt.RootPageID = node.children[0]
	bt.cache.Invalidate(oldRoot)
	return bt.pages.DeallocatePage(oldRoot)
}
