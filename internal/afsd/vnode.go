package afsd

import "time"

// VNodeKind identifies what a vnode represents.
type VNodeKind int

const (
	KindFile VNodeKind = iota
	KindDir
	KindSymlink
	KindSpecial
)

// vnode is the internal filesystem node. Per spec.md §3.2 A5, a vnode may
// be multiply-linked (hard links): every link name is a directory entry
// holding the same inode number, so all names share this one vnode and its
// content. No separate link count is kept.
//
// vnodes are treated as immutable once they are part of a branch's tree
// snapshot: any mutation first clones the vnode (see Branch.cloneInto)
// so that earlier Snapshots (which hold the old *vnode pointer) are
// unaffected — this is the structural COW required by spec.md I2/A3.
type vnode struct {
	Ino   uint64
	Kind  VNodeKind
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Btime time.Time
	Flags uint32

	Xattrs map[string][]byte // ordered-by-insertion not required by spec; plain map suffices
	ACL    []byte

	Content []byte // file content (KindFile); target path (KindSymlink, as bytes)
	Entries map[string]uint64 // dir name -> child inode (KindDir)
}

func (n *vnode) clone() *vnode {
	c := *n
	c.Xattrs = make(map[string][]byte, len(n.Xattrs))
	for k, v := range n.Xattrs {
		cp := make([]byte, len(v))
		copy(cp, v)
		c.Xattrs[k] = cp
	}
	if n.Content != nil {
		c.Content = make([]byte, len(n.Content))
		copy(c.Content, n.Content)
	}
	if n.Entries != nil {
		c.Entries = make(map[string]uint64, len(n.Entries))
		for k, v := range n.Entries {
			c.Entries[k] = v
		}
	}
	if n.ACL != nil {
		c.ACL = append([]byte(nil), n.ACL...)
	}
	return &c
}

func newRootDir(uid, gid uint32) *vnode {
	now := time.Now()
	return &vnode{
		Ino:     1,
		Kind:    KindDir,
		Mode:    0o755,
		Uid:     uid,
		Gid:     gid,
		Atime:   now,
		Mtime:   now,
		Ctime:   now,
		Btime:   now,
		Xattrs:  map[string][]byte{},
		Entries: map[string]uint64{},
	}
}
