package buf

import (
	"github.com/mit-pdos/bfs-journal/common"
)

//
// A map from block numbers to bufs.
//

type BufMap struct {
	bufs map[common.Bnum]*Buf
}

func MkBufMap() *BufMap {
	a := &BufMap{
		bufs: make(map[common.Bnum]*Buf),
	}
	return a
}

func (bmap *BufMap) Insert(buf *Buf) {
	bmap.bufs[buf.Bn] = buf
}

func (bmap *BufMap) Lookup(bn common.Bnum) *Buf {
	return bmap.bufs[bn]
}

func (bmap *BufMap) Del(bn common.Bnum) {
	delete(bmap.bufs, bn)
}

func (bmap *BufMap) Len() int {
	return len(bmap.bufs)
}

func (bmap *BufMap) Ndirty() uint64 {
	n := uint64(0)
	for _, buf := range bmap.bufs {
		if buf.IsDirty() {
			n += 1
		}
	}
	return n
}

func (bmap *BufMap) Bufs() []*Buf {
	bufs := make([]*Buf, 0, len(bmap.bufs))
	for _, b := range bmap.bufs {
		bufs = append(bufs, b)
	}
	return bufs
}
