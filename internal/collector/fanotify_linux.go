//go:build linux

package collector

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fanotifyEventMask is the set of fanotify events the privileged backend
// subscribes to. FAN_OPEN_EXEC is checked first by maskToKind regardless of
// bit position, matching the spec's documented precedence.
const fanotifyEventMask = unix.FAN_OPEN_EXEC | unix.FAN_CREATE | unix.FAN_MODIFY |
	unix.FAN_DELETE | unix.FAN_MOVED_FROM | unix.FAN_MOVED_TO |
	unix.FAN_CLOSE_WRITE | unix.FAN_OPEN | unix.FAN_CLOSE_NOWRITE

// fanotifyBackend is the privileged collector backend. It uses filesystem-
// scoped (not mount-scoped) fanotify marks so that a daemon running inside
// its own mount namespace still observes host-side events, and resolves
// each delivered event's file descriptor to a pathname via the process's
// own fd table before closing it.
type fanotifyBackend struct {
	fd int

	mu     sync.Mutex
	marked map[string]bool

	eventsCh chan candidateEvent
	errCh    chan error
	done     chan struct{}
	wg       sync.WaitGroup
	closeOnce sync.Once
}

func newPrivilegedBackend() (backend, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_NOTIF|unix.FAN_CLOEXEC, uint(unix.O_RDONLY|unix.O_LARGEFILE))
	if err != nil {
		return nil, fmt.Errorf("collector: fanotify_init: %w (requires CAP_SYS_ADMIN)", err)
	}

	b := &fanotifyBackend{
		fd:       fd,
		marked:   make(map[string]bool),
		eventsCh: make(chan candidateEvent, 256),
		errCh:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b, nil
}

func (b *fanotifyBackend) privileged() bool { return true }

func (b *fanotifyBackend) addWatch(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.marked[path] {
		return nil
	}
	if err := unix.FanotifyMark(
		b.fd,
		unix.FAN_MARK_ADD|unix.FAN_MARK_FILESYSTEM,
		fanotifyEventMask,
		-1,
		path,
	); err != nil {
		return fmt.Errorf("collector: fanotify_mark %q: %w", path, err)
	}
	b.marked[path] = true
	return nil
}

func (b *fanotifyBackend) next() (candidateEvent, error) {
	select {
	case ev := <-b.eventsCh:
		return ev, nil
	case err := <-b.errCh:
		return candidateEvent{}, err
	}
}

func (b *fanotifyBackend) tryNext() (candidateEvent, bool) {
	select {
	case ev := <-b.eventsCh:
		return ev, true
	default:
		return candidateEvent{}, false
	}
}

func (b *fanotifyBackend) close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = unix.Close(b.fd)
		b.wg.Wait()
	})
	return err
}

// run polls the fanotify fd and decodes events until done is closed or a
// read error occurs.
func (b *fanotifyBackend) run() {
	defer b.wg.Done()

	buf := make([]byte, 4096)
	pfd := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-b.done:
			b.fatal(errBackendClosed)
			return
		default:
		}

		n, err := unix.Poll(pfd, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-b.done:
				b.fatal(errBackendClosed)
				return
			default:
			}
			b.fatal(fmt.Errorf("collector: fanotify poll: %w", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(b.fd, buf)
		if err != nil {
			select {
			case <-b.done:
				b.fatal(errBackendClosed)
				return
			default:
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			b.fatal(fmt.Errorf("collector: fanotify read: %w", err))
			return
		}
		if nr <= 0 {
			continue
		}

		b.parseEvents(buf[:nr])
	}
}

func (b *fanotifyBackend) fatal(err error) {
	select {
	case b.errCh <- err:
	default:
	}
}

func (b *fanotifyBackend) parseEvents(buf []byte) {
	metaSize := int(unix.SizeofFanotifyEventMetadata)
	for offset := 0; offset+metaSize <= len(buf); {
		meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[offset]))
		evLen := int(meta.Event_len)
		if evLen < metaSize || offset+evLen > len(buf) {
			break
		}

		fd := meta.Fd
		mask := meta.Mask
		pid := meta.Pid
		offset += evLen

		if fd < 0 {
			continue
		}

		kind, ok := maskToKind(mask)
		if !ok {
			unix.Close(int(fd))
			continue
		}

		path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
		unix.Close(int(fd))
		if err != nil {
			continue
		}

		ev := candidateEvent{kind: kind, path: path}
		ev.hasPID = true
		ev.pid = pid
		if uid, ok := readProcUID(pid); ok {
			ev.hasUID = true
			ev.uid = uid
		}
		comm, cmdline, cwd, hasCwd := readProcInfo(pid)
		if len(cmdline) == 0 && comm != "" {
			cmdline = []string{comm}
		}
		ev.cmdline = cmdline
		ev.cwd = cwd
		ev.hasCwd = hasCwd

		select {
		case b.eventsCh <- ev:
		default:
			// Channel saturated; drop rather than block the poll loop.
		}
	}
}

// maskToKind maps a fanotify event mask to a FileEventKind following the
// spec's documented precedence: exec is always checked first.
func maskToKind(mask uint64) (FileEventKind, bool) {
	switch {
	case mask&unix.FAN_OPEN_EXEC != 0:
		return FileExec, true
	case mask&unix.FAN_CREATE != 0, mask&unix.FAN_MOVED_TO != 0:
		return FileCreate, true
	case mask&unix.FAN_DELETE != 0, mask&unix.FAN_MOVED_FROM != 0:
		return FileDelete, true
	case mask&unix.FAN_CLOSE_WRITE != 0:
		return FileModify, true
	case mask&unix.FAN_OPEN != 0, mask&unix.FAN_CLOSE_NOWRITE != 0:
		return FileAccess, true
	default:
		return 0, false
	}
}

// readProcUID reads the real UID of pid from /proc/<pid>/status. It returns
// ok=false if the process has already exited or the field is unreadable.
func readProcUID(pid int32) (uint32, bool) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		v, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(v), true
	}
	return 0, false
}

// readProcInfo reads the short comm, NUL-split cmdline, and cwd of pid from
// /proc. Fields that cannot be read are returned zero-valued.
func readProcInfo(pid int32) (comm string, cmdline []string, cwd string, hasCwd bool) {
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		comm = strings.TrimRight(string(b), "\n\r")
	}
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		raw := strings.TrimRight(string(b), "\x00")
		if raw != "" {
			cmdline = strings.Split(raw, "\x00")
		}
	}
	if link, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil {
		cwd = link
		hasCwd = true
	}
	return comm, cmdline, cwd, hasCwd
}
