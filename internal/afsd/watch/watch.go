// Package watch implements AFSD's per-PID change-notification routing:
// kqueue doorbell, FSEvents stream, and FSEvents CFMessagePort indices,
// kept consistent through one mutation API per spec.md §9
// ("Back-references / cyclic graphs: implement as three plain maps").
package watch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Event is a single file-change notification routed to a client.
type Event struct {
	Path string
	Mask uint32
	TsNs int64
}

// kqueueReg is one watched fd registered against a client's kqueue. A
// single (pid, kqFd) kqueue can hold many of these, one per watched fd,
// each with its own watch_id and fflags (spec.md §4.2 WatchRegisterKqueue:
// pid, kq_fd, watch_id, fd, fflags).
type kqueueReg struct {
	pid     uint32
	kqFd    int32
	watchID uint64
	fd      int32
	fflags  uint32
	queued  []Event
	ring    func() // wake callback, triggers the client's doorbell
}

type fseventsReg struct {
	pid      uint32
	streamID uint64
	roots    []string
	latency  time.Duration
	flags    uint32
	buffer   []Event
	limiter  *rate.Limiter // latency-collapsing per spec.md §4.2 "Watch routing"
}

type machPortReg struct {
	pid  uint32
	port string
}

// pidKqKey identifies a client's kqueue: (pid, kqFd).
type pidKqKey [2]uint64

// pidKqFdKey identifies one watched fd within a client's kqueue:
// (pid, kqFd, fd).
type pidKqFdKey [3]uint64

// Service owns the three watch indices and dispatches vnode write events
// against all of them.
type Service struct {
	mu        sync.Mutex
	nextRegID uint64
	kqueues   map[uint64]*kqueueReg    // registration_id -> one watched fd
	kqGroups  map[pidKqKey][]uint64    // (pid,kqFd) -> registration ids sharing that kqueue
	kqByFd    map[pidKqFdKey]uint64    // (pid,kqFd,fd) -> registration id, for per-fd lookup
	doorbells map[pidKqKey]uint64      // (pid,kqFd) -> current EVFILT_USER ident
	fsevents  map[uint64]*fseventsReg  // registration_id -> reg
	machPorts map[uint32]*machPortReg  // pid -> port (best-effort, spec.md §9)
}

func New() *Service {
	return &Service{
		kqueues:   make(map[uint64]*kqueueReg),
		kqGroups:  make(map[pidKqKey][]uint64),
		kqByFd:    make(map[pidKqFdKey]uint64),
		doorbells: make(map[pidKqKey]uint64),
		fsevents:  make(map[uint64]*fseventsReg),
		machPorts: make(map[uint32]*machPortReg),
	}
}

// RegisterKqueue adds a watch on fd (with the given watchID/fflags) inside
// client pid's kqueue kqFd. wake is called whenever an event is enqueued
// for this registration, so the caller can trigger the client's
// EVFILT_USER doorbell (the primary wakeup path per spec.md §9 Open
// Questions). Multiple calls with the same (pid, kqFd) but different fd
// each get their own registration instead of colliding into one.
func (s *Service) RegisterKqueue(pid uint32, kqFd int32, watchID uint64, fd int32, fflags uint32, wake func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRegID++
	id := s.nextRegID
	s.kqueues[id] = &kqueueReg{pid: pid, kqFd: kqFd, watchID: watchID, fd: fd, fflags: fflags, ring: wake}
	group := pidKqKey{uint64(pid), uint64(kqFd)}
	s.kqGroups[group] = append(s.kqGroups[group], id)
	s.kqByFd[pidKqFdKey{uint64(pid), uint64(kqFd), uint64(fd)}] = id
	return id
}

// RegisterFSEvents adds an FSEvents-style stream watch over roots, with
// latency collapsing applied per spec.md's "Latency collapsing (coalescing
// bursts)".
func (s *Service) RegisterFSEvents(pid uint32, streamID uint64, roots []string, flags uint32, latency time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRegID++
	id := s.nextRegID
	var lim *rate.Limiter
	if latency > 0 {
		lim = rate.NewLimiter(rate.Every(latency), 1)
	}
	s.fsevents[id] = &fseventsReg{pid: pid, streamID: streamID, roots: roots, latency: latency, flags: flags, limiter: lim}
	return id
}

// RegisterMachPort records a CFMessagePort name for pid. Best-effort: the
// exact Mach-port lifecycle across agent restarts is left unpinned by
// spec.md §9; callers should still maintain a kqueue doorbell registration
// as the primary wakeup.
func (s *Service) RegisterMachPort(pid uint32, port string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machPorts[pid] = &machPortReg{pid: pid, port: port}
}

func (s *Service) removeKqueueReg(id uint64) {
	kq, ok := s.kqueues[id]
	if !ok {
		return
	}
	group := pidKqKey{uint64(kq.pid), uint64(kq.kqFd)}
	delete(s.kqByFd, pidKqFdKey{uint64(kq.pid), uint64(kq.kqFd), uint64(kq.fd)})
	delete(s.kqueues, id)
	ids := s.kqGroups[group]
	for i, gid := range ids {
		if gid == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.kqGroups, group)
		delete(s.doorbells, group)
	} else {
		s.kqGroups[group] = ids
	}
}

// Unregister removes a registration by id, searching both indices.
func (s *Service) Unregister(registrationID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kqueues[registrationID]; ok {
		s.removeKqueueReg(registrationID)
		return
	}
	delete(s.fsevents, registrationID)
}

// UnregisterFdAnyKqueue drops the watched-fd registration for (pid, fd)
// without requiring the caller to know which kqFd it was registered
// under (spec.md §4.2 WatchUnregisterFd: pid, fd — no kq_fd field).
func (s *Service) UnregisterFdAnyKqueue(pid uint32, fd int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var match uint64
	found := false
	for key, id := range s.kqByFd {
		if key[0] == uint64(pid) && key[2] == uint64(fd) {
			match = id
			found = true
			break
		}
	}
	if found {
		s.removeKqueueReg(match)
	}
}

// UnregisterKqueueFd drops every watched-fd registration sharing (pid,
// kqFd) — the whole kqueue going away, e.g. on close(kq_fd).
func (s *Service) UnregisterKqueueFd(pid uint32, kqFd int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := pidKqKey{uint64(pid), uint64(kqFd)}
	for _, id := range append([]uint64(nil), s.kqGroups[group]...) {
		delete(s.kqueues, id)
	}
	for fd := range s.kqByFd {
		if fd[0] == group[0] && fd[1] == group[1] {
			delete(s.kqByFd, fd)
		}
	}
	delete(s.kqGroups, group)
	delete(s.doorbells, group)
}

// ReleaseAll drops every registration owned by pid (connection close).
func (s *Service) ReleaseAll(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for group := range s.kqGroups {
		if group[0] == uint64(pid) {
			for _, id := range s.kqGroups[group] {
				delete(s.kqueues, id)
			}
			delete(s.kqGroups, group)
			delete(s.doorbells, group)
		}
	}
	for fd := range s.kqByFd {
		if fd[0] == uint64(pid) {
			delete(s.kqByFd, fd)
		}
	}
	for id, fe := range s.fsevents {
		if fe.pid == pid {
			delete(s.fsevents, id)
		}
	}
	delete(s.machPorts, pid)
}

// Dispatch fans a vnode write event out to every registration, per spec.md
// §4.2 "Watch routing": each kqueue registration enqueues it + rings the
// doorbell; each FSEvents registration buffers it subject to latency
// collapsing. Registrations are not filtered by path, roots or fflags.
func (s *Service) Dispatch(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kq := range s.kqueues {
		kq.queued = append(kq.queued, ev)
		if kq.ring != nil {
			kq.ring()
		}
	}
	for _, fe := range s.fsevents {
		if fe.limiter != nil && !fe.limiter.Allow() {
			continue // dropped: within one latency window only the first event is kept
		}
		fe.buffer = append(fe.buffer, ev)
	}
}

// DrainKqueue returns and clears queued events across every watched fd
// sharing (pid, kqFd), honoring maxEvents — mirroring how a single
// kevent() call on one kqueue fd drains events from all of its watches.
func (s *Service) DrainKqueue(pid uint32, kqFd int32, maxEvents int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := pidKqKey{uint64(pid), uint64(kqFd)}
	var out []Event
	for _, id := range s.kqGroups[group] {
		kq, ok := s.kqueues[id]
		if !ok {
			continue
		}
		n := len(kq.queued)
		if maxEvents > 0 {
			remaining := maxEvents - len(out)
			if remaining <= 0 {
				break
			}
			if n > remaining {
				n = remaining
			}
		}
		out = append(out, kq.queued[:n]...)
		kq.queued = kq.queued[n:]
	}
	return out
}

// UpdateDoorbellIdent changes the EVFILT_USER ident used to wake (pid, kqFd).
func (s *Service) UpdateDoorbellIdent(pid uint32, kqFd int32, newIdent uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := pidKqKey{uint64(pid), uint64(kqFd)}
	s.doorbells[group] = newIdent
	return true
}

// QueryDoorbellIdent returns the current doorbell ident for (pid, kqFd).
func (s *Service) QueryDoorbellIdent(pid uint32, kqFd int32) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.doorbells[pidKqKey{uint64(pid), uint64(kqFd)}]
	return ident, ok
}
