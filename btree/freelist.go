package btree

import (
	"context"
	"encoding/binary"

	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/pager"
)

// freeList manages released pages as a trunk-leaf structure rooted at the
// database header's FirstFreelistPage field (spec §4.C Free list). Each
// trunk page starts with a 4-byte next-trunk pointer and a 4-byte leaf
// count, followed by that many 4-byte leaf page numbers; a leaf page's
// content is never read, it is pure free space awaiting reuse.
type freeList struct {
	tree *Tree
}

const trunkHeaderSize = 8
const maxLeavesPerTrunk = 200 // upper bound; leavesCapacity() caps it lower on small pages (126 on a 512-byte page)

func (fl *freeList) leavesCapacity() int {
	return (fl.tree.usable - trunkHeaderSize) / 4
}

// Pop removes and returns one page id from the free list, or 0 if empty.
func (fl *freeList) Pop(ctx context.Context, wt *pager.WriteTxn) (pager.PageId, error) {
	hdr := fl.tree.header
	if hdr.FirstFreelistPage == 0 {
		return 0, nil
	}
	trunkID := pager.PageId(hdr.FirstFreelistPage)
	trunkPage, err := wt.GetForUpdate(trunkID)
	if err != nil {
		return 0, err
	}
	leafCount := int(binary.BigEndian.Uint32(trunkPage.Data[4:8]))
	if leafCount > 0 {
		off := trunkHeaderSize + (leafCount-1)*4
		id := pager.PageId(binary.BigEndian.Uint32(trunkPage.Data[off : off+4]))
		binary.BigEndian.PutUint32(trunkPage.Data[4:8], uint32(leafCount-1))
		hdr.FreelistPages--
		return id, nil
	}
	// Trunk itself is now empty of leaves; pop the trunk page as the
	// allocated page and advance the list head.
	next := binary.BigEndian.Uint32(trunkPage.Data[0:4])
	hdr.FirstFreelistPage = next
	hdr.FreelistPages--
	return trunkID, nil
}

// Push returns id to the free list, creating a new trunk if the current
// one is full.
func (fl *freeList) Push(ctx context.Context, wt *pager.WriteTxn, id pager.PageId) error {
	hdr := fl.tree.header
	if hdr.FirstFreelistPage != 0 {
		trunkID := pager.PageId(hdr.FirstFreelistPage)
		trunkPage, err := wt.GetForUpdate(trunkID)
		if err != nil {
			return err
		}
		leafCount := int(binary.BigEndian.Uint32(trunkPage.Data[4:8]))
		if leafCount < fl.leavesCapacity() && leafCount < maxLeavesPerTrunk {
			off := trunkHeaderSize + leafCount*4
			binary.BigEndian.PutUint32(trunkPage.Data[off:off+4], uint32(id))
			binary.BigEndian.PutUint32(trunkPage.Data[4:8], uint32(leafCount+1))
			hdr.FreelistPages++
			return nil
		}
	}
	// Make id itself the new trunk head, pointing at the old head.
	page, err := wt.GetForUpdate(id)
	if err != nil {
		return err
	}
	for i := range page.Data {
		page.Data[i] = 0
	}
	binary.BigEndian.PutUint32(page.Data[0:4], hdr.FirstFreelistPage)
	binary.BigEndian.PutUint32(page.Data[4:8], 0)
	hdr.FirstFreelistPage = uint32(id)
	hdr.FreelistPages++
	return nil
}

// Alloc returns a page ready for reuse: from the free list if non-empty,
// else by extending the file by one page.
func (fl *freeList) Alloc(ctx context.Context, wt *pager.WriteTxn) (*pager.Page, error) {
	id, err := fl.Pop(ctx, wt)
	if err != nil {
		return nil, err
	}
	if id != 0 {
		page, err := wt.GetForUpdate(id)
		if err != nil {
			return nil, err
		}
		for i := range page.Data {
			page.Data[i] = 0
		}
		return page, nil
	}
	page, err := wt.Allocate()
	if err != nil {
		return nil, dberr.Wrap(dberr.IOErr, err, "btree: allocate page")
	}
	return page, nil
}
