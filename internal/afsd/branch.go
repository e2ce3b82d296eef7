package afsd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-harbor/ah/internal/afsd/wire"
)

// Branch is a writable vnode tree forked from a Snapshot (or the initial
// empty tree). Mutations are serialized under mu per spec.md A2
// (linearizable per-branch schedule).
type Branch struct {
	mu              sync.RWMutex
	id              string
	tree            map[uint64]*vnode
	nextIno         uint64
	mutationCounter uint64
	snapshots       []*Snapshot
	createdAtNs     int64
}

// Snapshot is an immutable, structurally-shared copy of a Branch's tree at
// a point in time (spec.md A3: immutable; branches derived from it start
// byte-identical).
type Snapshot struct {
	ID       string
	BranchID string
	TsNs     int64
	Label    string
	tree     map[uint64]*vnode // shared *vnode pointers with the branch at capture time
	nextIno  uint64
	refs     int32 // export/branch reference count
}

func newBranch(id string) *Branch {
	root := newRootDir(0, 0)
	return &Branch{
		id:      id,
		tree:    map[uint64]*vnode{1: root},
		nextIno: 2,
		createdAtNs: time.Now().UnixNano(),
	}
}

func (b *Branch) ID() string { return b.id }

// --- path resolution ---

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// resolve walks from root and returns the target vnode's inode and its
// parent's inode (0 if target is root). Must be called with mu held.
func (b *Branch) resolve(path string) (ino uint64, parentIno uint64, err *DaemonError) {
	parts := splitPath(path)
	cur := uint64(1)
	var parent uint64
	for _, name := range parts {
		node, ok := b.tree[cur]
		if !ok || node.Kind != KindDir {
			return 0, 0, errf(wire.KindNotADirectory, "%s is not a directory", path)
		}
		child, ok := node.Entries[name]
		if !ok {
			return 0, 0, errf(wire.KindNotFound, "%s not found", path)
		}
		parent = cur
		cur = child
	}
	return cur, parent, nil
}

func (b *Branch) get(ino uint64) (*vnode, *DaemonError) {
	n, ok := b.tree[ino]
	if !ok {
		return nil, errf(wire.KindNotFound, "inode %d not found", ino)
	}
	return n, nil
}

// cloneInto clones n and installs the clone in the tree under the same
// inode, returning the clone for the caller to mutate in place.
func (b *Branch) cloneInto(ino uint64, n *vnode) *vnode {
	c := n.clone()
	b.tree[ino] = c
	return c
}

// Mkdir creates a directory at path (parent must exist). Returns the new
// vnode's inode.
func (b *Branch) Mkdir(path string, uid, gid, mode uint32) (uint64, *DaemonError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createNode(path, KindDir, uid, gid, mode)
}

func (b *Branch) createNode(path string, kind VNodeKind, uid, gid, mode uint32) (uint64, *DaemonError) {
	dir := parentDir(path)
	name := baseName(path)
	if name == "" {
		return 0, errf(wire.KindInvalid, "empty path component")
	}
	parentIno, _, derr := b.resolve(dir)
	if derr != nil {
		return 0, derr
	}
	parent, derr := b.get(parentIno)
	if derr != nil {
		return 0, derr
	}
	if _, exists := parent.Entries[name]; exists {
		return 0, errf(wire.KindAlreadyExists, "%s already exists", path)
	}
	now := time.Now()
	ino := b.nextIno
	b.nextIno++
	nv := &vnode{
		Ino: ino, Kind: kind, Mode: mode, Uid: uid, Gid: gid,
		Atime: now, Mtime: now, Ctime: now, Btime: now,
		Xattrs: map[string][]byte{},
	}
	if kind == KindDir {
		nv.Entries = map[string]uint64{}
	}
	b.tree[ino] = nv
	pclone := b.cloneInto(parentIno, parent)
	pclone.Entries[name] = ino
	pclone.Mtime = now
	b.mutationCounter++
	return ino, nil
}

func parentDir(path string) string {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "/"
	}
	return "/" + path[:i]
}

func baseName(path string) string {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return path
	}
	return path[i+1:]
}

// CreateFile creates an empty file at path, or returns its existing inode
// if it already exists and create-exclusive was not requested.
func (b *Branch) CreateFile(path string, uid, gid, mode uint32, excl bool) (uint64, *DaemonError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino, _, derr := b.resolve(path)
	if derr == nil {
		if excl {
			return 0, errf(wire.KindAlreadyExists, "%s already exists", path)
		}
		return ino, nil
	}
	return b.createNode(path, KindFile, uid, gid, mode)
}

// Write overwrites file content starting at offset, extending as needed.
func (b *Branch) Write(ino uint64, offset int64, data []byte) (int, *DaemonError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, derr := b.get(ino)
	if derr != nil {
		return 0, derr
	}
	if n.Kind != KindFile {
		return 0, errf(wire.KindInvalid, "inode %d is not a file", ino)
	}
	c := b.cloneInto(ino, n)
	end := offset + int64(len(data))
	if end > int64(len(c.Content)) {
		grown := make([]byte, end)
		copy(grown, c.Content)
		c.Content = grown
	}
	copy(c.Content[offset:], data)
	c.Size = uint64(len(c.Content))
	c.Mtime = time.Now()
	b.mutationCounter++
	return len(data), nil
}

// Read returns up to len(buf) bytes of file content starting at offset.
func (b *Branch) Read(ino uint64, offset int64, buf []byte) (int, *DaemonError) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, derr := b.get(ino)
	if derr != nil {
		return 0, derr
	}
	if n.Kind != KindFile {
		return 0, errf(wire.KindInvalid, "inode %d is not a file", ino)
	}
	if offset >= int64(len(n.Content)) {
		return 0, nil
	}
	c := copy(buf, n.Content[offset:])
	return c, nil
}

// SetXattr sets an extended attribute on the vnode at path.
func (b *Branch) SetXattr(path, name string, value []byte) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return derr
	}
	n, derr := b.get(ino)
	if derr != nil {
		return derr
	}
	c := b.cloneInto(ino, n)
	c.Xattrs[name] = append([]byte(nil), value...)
	c.Ctime = time.Now()
	return nil
}

// GetXattr reads an extended attribute from the vnode at path.
func (b *Branch) GetXattr(path, name string) ([]byte, *DaemonError) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return nil, derr
	}
	n, derr := b.get(ino)
	if derr != nil {
		return nil, derr
	}
	v, ok := n.Xattrs[name]
	if !ok {
		return nil, errf(wire.KindNotFound, "xattr %s not set on %s", name, path)
	}
	return v, nil
}

// ReadFile is a convenience wrapper resolving path then reading the whole
// file; used by tests and by snapshot export.
func (b *Branch) ReadFile(path string) ([]byte, *DaemonError) {
	b.mu.RLock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		b.mu.RUnlock()
		return nil, derr
	}
	n, derr := b.get(ino)
	b.mu.RUnlock()
	if derr != nil {
		return nil, derr
	}
	if n.Kind != KindFile {
		return nil, errf(wire.KindInvalid, "%s is not a file", path)
	}
	out := make([]byte, len(n.Content))
	copy(out, n.Content)
	return out, nil
}

// WriteFile is a convenience wrapper that creates-or-truncates path and
// writes data in one call.
func (b *Branch) WriteFile(path string, uid, gid uint32, data []byte) *DaemonError {
	ino, derr := b.CreateFile(path, uid, gid, 0o644, false)
	if derr != nil {
		return derr
	}
	b.mu.Lock()
	n, derr := b.get(ino)
	if derr != nil {
		b.mu.Unlock()
		return derr
	}
	c := b.cloneInto(ino, n)
	c.Content = append([]byte(nil), data...)
	c.Size = uint64(len(data))
	c.Mtime = time.Now()
	b.mu.Unlock()
	return nil
}

// ReadDir lists the entries of the directory at path.
func (b *Branch) ReadDir(path string) ([]wire.DirEntry, *DaemonError) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return nil, derr
	}
	n, derr := b.get(ino)
	if derr != nil {
		return nil, derr
	}
	if n.Kind != KindDir {
		return nil, errf(wire.KindNotADirectory, "%s is not a directory", path)
	}
	out := make([]wire.DirEntry, 0, len(n.Entries))
	for name, childIno := range n.Entries {
		child, derr := b.get(childIno)
		if derr != nil {
			continue
		}
		out = append(out, wire.DirEntry{Name: name, Kind: kindName(child.Kind), Ino: childIno})
	}
	return out, nil
}

func kindName(k VNodeKind) string {
	switch k {
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindSpecial:
		return "special"
	default:
		return "file"
	}
}

// Unlink removes a directory entry. It does not remove the vnode itself
// immediately if other links remain (spec.md A5: hard-link aliases share
// one content object); this implementation's Entries map IS the link
// table, so removing the last entry referencing an inode simply leaves it
// unreachable (garbage, collected implicitly since nothing resolves to it).
func (b *Branch) Unlink(path string) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, parentIno, derr := b.resolve(path)
	if derr != nil {
		return derr
	}
	parent, derr := b.get(parentIno)
	if derr != nil {
		return derr
	}
	name := baseName(path)
	if _, ok := parent.Entries[name]; !ok {
		return errf(wire.KindNotFound, "%s not found", path)
	}
	c := b.cloneInto(parentIno, parent)
	delete(c.Entries, name)
	c.Mtime = time.Now()
	return nil
}

// Link creates a new directory entry newPath pointing at the same inode
// as existingPath (a hard link; spec.md A5).
func (b *Branch) Link(existingPath, newPath string) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino, _, derr := b.resolve(existingPath)
	if derr != nil {
		return derr
	}
	dir := parentDir(newPath)
	name := baseName(newPath)
	parentIno, _, derr := b.resolve(dir)
	if derr != nil {
		return derr
	}
	parent, derr := b.get(parentIno)
	if derr != nil {
		return derr
	}
	if _, exists := parent.Entries[name]; exists {
		return errf(wire.KindAlreadyExists, "%s already exists", newPath)
	}
	c := b.cloneInto(parentIno, parent)
	c.Entries[name] = ino
	c.Mtime = time.Now()
	return nil
}

// Rename moves a directory entry from oldPath to newPath.
func (b *Branch) Rename(oldPath, newPath string) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino, oldParentIno, derr := b.resolve(oldPath)
	if derr != nil {
		return derr
	}
	newDir := parentDir(newPath)
	newName := baseName(newPath)
	newParentIno, _, derr := b.resolve(newDir)
	if derr != nil {
		return derr
	}
	oldParent, derr := b.get(oldParentIno)
	if derr != nil {
		return derr
	}
	newParent, derr := b.get(newParentIno)
	if derr != nil {
		return derr
	}
	oldName := baseName(oldPath)
	oc := b.cloneInto(oldParentIno, oldParent)
	delete(oc.Entries, oldName)
	nc := oc
	if newParentIno != oldParentIno {
		nc = b.cloneInto(newParentIno, newParent)
	}
	nc.Entries[newName] = ino
	now := time.Now()
	oc.Mtime = now
	nc.Mtime = now
	return nil
}

// Symlink creates a symlink at path pointing at target.
func (b *Branch) Symlink(target, path string, uid, gid uint32) *DaemonError {
	ino, derr := func() (uint64, *DaemonError) {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.createNode(path, KindSymlink, uid, gid, 0o777)
	}()
	if derr != nil {
		return derr
	}
	b.mu.Lock()
	n, derr := b.get(ino)
	if derr != nil {
		b.mu.Unlock()
		return derr
	}
	c := b.cloneInto(ino, n)
	c.Content = []byte(target)
	b.mu.Unlock()
	return nil
}

// Readlink returns the target of a symlink.
func (b *Branch) Readlink(path string) (string, *DaemonError) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return "", derr
	}
	n, derr := b.get(ino)
	if derr != nil {
		return "", derr
	}
	if n.Kind != KindSymlink {
		return "", errf(wire.KindInvalid, "%s is not a symlink", path)
	}
	return string(n.Content), nil
}

// Chmod changes the permission bits of the vnode at path.
func (b *Branch) Chmod(path string, mode uint32) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return derr
	}
	n, derr := b.get(ino)
	if derr != nil {
		return derr
	}
	c := b.cloneInto(ino, n)
	c.Mode = mode
	c.Ctime = time.Now()
	return nil
}

// FChmod is Chmod resolved via an already-open fd's inode (fchmod()).
func (b *Branch) FChmod(ino uint64, mode uint32) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, derr := b.get(ino)
	if derr != nil {
		return derr
	}
	c := b.cloneInto(ino, n)
	c.Mode = mode
	c.Ctime = time.Now()
	return nil
}

// Chown changes the owning uid/gid of the vnode at path.
func (b *Branch) Chown(path string, uid, gid uint32) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return derr
	}
	n, derr := b.get(ino)
	if derr != nil {
		return derr
	}
	c := b.cloneInto(ino, n)
	c.Uid = uid
	c.Gid = gid
	c.Ctime = time.Now()
	return nil
}

// FChown is Chown resolved via an already-open fd's inode (fchown()).
func (b *Branch) FChown(ino uint64, uid, gid uint32) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, derr := b.get(ino)
	if derr != nil {
		return derr
	}
	c := b.cloneInto(ino, n)
	c.Uid = uid
	c.Gid = gid
	c.Ctime = time.Now()
	return nil
}

// Truncate grows or shrinks the file at path to exactly size bytes.
func (b *Branch) Truncate(path string, size uint64) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return derr
	}
	return b.truncateIno(ino, size)
}

// FTruncate is Truncate resolved via an already-open fd's inode (ftruncate()).
func (b *Branch) FTruncate(ino uint64, size uint64) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncateIno(ino, size)
}

// truncateIno must be called with mu held.
func (b *Branch) truncateIno(ino uint64, size uint64) *DaemonError {
	n, derr := b.get(ino)
	if derr != nil {
		return derr
	}
	if n.Kind != KindFile {
		return errf(wire.KindInvalid, "inode %d is not a file", ino)
	}
	c := b.cloneInto(ino, n)
	switch {
	case size < uint64(len(c.Content)):
		c.Content = c.Content[:size]
	case size > uint64(len(c.Content)):
		grown := make([]byte, size)
		copy(grown, c.Content)
		c.Content = grown
	}
	c.Size = size
	now := time.Now()
	c.Mtime = now
	c.Ctime = now
	b.mutationCounter++
	return nil
}

// SetTimes updates the access/modification times of the vnode at path
// (utimes()/utimensat()). A nil atime or mtime leaves that field unchanged.
func (b *Branch) SetTimes(path string, atime, mtime *time.Time) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return derr
	}
	return b.setTimesIno(ino, atime, mtime)
}

// FSetTimes is SetTimes resolved via an already-open fd's inode (futimes()).
func (b *Branch) FSetTimes(ino uint64, atime, mtime *time.Time) *DaemonError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setTimesIno(ino, atime, mtime)
}

func (b *Branch) setTimesIno(ino uint64, atime, mtime *time.Time) *DaemonError {
	n, derr := b.get(ino)
	if derr != nil {
		return derr
	}
	c := b.cloneInto(ino, n)
	if atime != nil {
		c.Atime = *atime
	}
	if mtime != nil {
		c.Mtime = *mtime
	}
	c.Ctime = time.Now()
	return nil
}

// Stat returns the vnode at path (a copy, safe for the caller to read).
func (b *Branch) Stat(path string) (*vnode, *DaemonError) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ino, _, derr := b.resolve(path)
	if derr != nil {
		return nil, derr
	}
	n, derr := b.get(ino)
	if derr != nil {
		return nil, derr
	}
	cp := n.clone()
	return cp, nil
}

// Snapshot captures the branch's current tree as an immutable Snapshot,
// following the "InMemory" algorithm in spec.md §4.2 step 3: a structural
// COW of the vnode tree (a fresh map sharing *vnode pointers; subsequent
// writes clone-before-mutate so the snapshot is unaffected).
func (b *Branch) Snapshot(label string) *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	tree := make(map[uint64]*vnode, len(b.tree))
	for k, v := range b.tree {
		tree[k] = v
	}
	snap := &Snapshot{
		ID:       "snap-" + uuid.NewString(),
		BranchID: b.id,
		TsNs:     time.Now().UnixNano(),
		Label:    label,
		tree:     tree,
		nextIno:  b.nextIno,
		refs:     1,
	}
	b.snapshots = append(b.snapshots, snap)
	b.mutationCounter++
	return snap
}

// NewBranchFromSnapshot allocates a new Branch whose initial tree equals
// snap (spec.md A3: branches derived from the same snapshot start
// byte-identical).
func NewBranchFromSnapshot(snap *Snapshot, id string) *Branch {
	tree := make(map[uint64]*vnode, len(snap.tree))
	for k, v := range snap.tree {
		tree[k] = v
	}
	return &Branch{
		id:          id,
		tree:        tree,
		nextIno:     snap.nextIno,
		createdAtNs: time.Now().UnixNano(),
	}
}

func (b *Branch) MutationCounter() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mutationCounter
}

func (b *Branch) String() string {
	return fmt.Sprintf("Branch(%s)", b.id)
}
