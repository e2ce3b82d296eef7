package afsd

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/agent-harbor/ah/internal/afsd/watch"
	"github.com/agent-harbor/ah/internal/afsd/wire"
	"github.com/agent-harbor/ah/internal/logger"
)

// exportEntry tracks a temporary host-fs materialization of a Snapshot
// (spec.md §4.2 "Readonly export"). Refcounted: SnapshotExportRelease
// decrements and, on zero, removes the shadow tree (spec.md §5 "Shared-resource
// policy"). watcher bridges real host-fs edits made directly against the
// exported path (by tools unaware of the daemon) back into the watch
// service's fanout, so callers watching through AFSD still observe them.
type exportEntry struct {
	snapshot *Snapshot
	path     string
	refs     int32
	watcher  *fsnotify.Watcher
}

type exportTable struct {
	mu      sync.Mutex
	byToken map[string]*exportEntry
}

func newExportTable() *exportTable {
	return &exportTable{byToken: make(map[string]*exportEntry)}
}

// export materializes snap as a directory of real files under base, using
// a hardlink-copy-equivalent (actual copy, since the in-memory backstore
// has no host inode to hardlink) so the export is byte-identical and
// remains valid until release, per spec.md A4.
func (d *Daemon) export(snap *Snapshot, base string) (string, *DaemonError) {
	dir := filepath.Join(base, "export-"+uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", wrapf(wire.KindIO, err, "create export dir")
	}
	if err := writeTree(snap.tree, 1, dir); err != nil {
		return "", wrapf(wire.KindIO, err, "materialize export tree")
	}
	return dir, nil
}

// writeTree recursively writes the subtree rooted at ino into hostDir.
func writeTree(tree map[uint64]*vnode, ino uint64, hostDir string) error {
	n, ok := tree[ino]
	if !ok {
		return nil
	}
	switch n.Kind {
	case KindDir:
		if err := os.MkdirAll(hostDir, os.FileMode(n.Mode)|0o700); err != nil {
			return err
		}
		for name, childIno := range n.Entries {
			if err := writeTree(tree, childIno, filepath.Join(hostDir, name)); err != nil {
				return err
			}
		}
		return nil
	case KindSymlink:
		return os.Symlink(string(n.Content), hostDir)
	default:
		return os.WriteFile(hostDir, n.Content, os.FileMode(n.Mode)|0o600)
	}
}

// Mask bits reported for host-fs-originated export events, loosely mirroring
// fsnotify.Op so DaemonStateFilesystem/watch callers can distinguish them.
const (
	maskWrite  uint32 = 1 << 0
	maskCreate uint32 = 1 << 1
	maskRemove uint32 = 1 << 2
	maskRename uint32 = 1 << 3
)

// SnapshotExport materializes snap under the daemon's export base dir,
// starts an fsnotify bridge on the export's top-level directory
// (backstore-mode HostFs only — an InMemory export has no host editor to
// watch for; subdirectories are not watched), and returns a cleanup token.
func (d *Daemon) SnapshotExport(snapshotID string) (string, string, *DaemonError) {
	d.mu.Lock()
	snap, ok := d.snapshots[snapshotID]
	backstore := d.backstore
	d.mu.Unlock()
	if !ok {
		return "", "", errf(wire.KindNotFound, "snapshot %s not found", snapshotID)
	}
	path, derr := d.export(snap, d.exportBaseDir)
	if derr != nil {
		return "", "", derr
	}
	token := uuid.NewString()
	entry := &exportEntry{snapshot: snap, path: path, refs: 1}
	if backstore == BackstoreHostFs {
		if w, err := fsnotify.NewWatcher(); err == nil {
			if err := w.Add(path); err == nil {
				entry.watcher = w
				go d.bridgeExportWatch(w)
			} else {
				w.Close()
			}
		}
	}
	d.exports.mu.Lock()
	d.exports.byToken[token] = entry
	d.exports.mu.Unlock()
	return path, token, nil
}

// bridgeExportWatch forwards fsnotify events on an exported directory into
// the watch service's fanout, so clients watching the owning snapshot's
// paths through AFSD still see edits made directly against the exported
// host path (e.g. by an editor that isn't AFSD-aware).
func (d *Daemon) bridgeExportWatch(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			d.watch.Dispatch(watch.Event{Path: ev.Name, Mask: fsnotifyMask(ev.Op), TsNs: time.Now().UnixNano()})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Error("afsd: export watch error", "error", err)
		}
	}
}

func fsnotifyMask(op fsnotify.Op) uint32 {
	var m uint32
	if op&fsnotify.Write != 0 {
		m |= maskWrite
	}
	if op&fsnotify.Create != 0 {
		m |= maskCreate
	}
	if op&fsnotify.Remove != 0 {
		m |= maskRemove
	}
	if op&fsnotify.Rename != 0 {
		m |= maskRename
	}
	return m
}

// SnapshotExportRelease decrements the export's refcount, removing the
// shadow tree and closing its watch bridge at zero.
func (d *Daemon) SnapshotExportRelease(token string) *DaemonError {
	d.exports.mu.Lock()
	e, ok := d.exports.byToken[token]
	if !ok {
		d.exports.mu.Unlock()
		return errf(wire.KindNotFound, "export token %s not found", token)
	}
	e.refs--
	remove := e.refs <= 0
	if remove {
		delete(d.exports.byToken, token)
	}
	d.exports.mu.Unlock()
	if remove {
		if e.watcher != nil {
			e.watcher.Close()
		}
		_ = os.RemoveAll(e.path)
	}
	return nil
}
