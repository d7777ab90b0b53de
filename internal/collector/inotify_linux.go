//go:build linux

package collector

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"unsafe"
)

// inotifyMask is the set of inotify events the unprivileged backend
// subscribes to on each watched path. There is no exec-capable event in
// this API; exec events are exclusively a privileged-backend concern.
const inotifyMask uint32 = syscall.IN_ACCESS |
	syscall.IN_MODIFY |
	syscall.IN_CLOSE_WRITE |
	syscall.IN_CREATE |
	syscall.IN_MOVED_TO |
	syscall.IN_DELETE |
	syscall.IN_MOVED_FROM

var inotifyEventHeaderSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

// inotifyBackend is the unprivileged fallback collector backend. It carries
// no process attribution: every event is later tagged with the collector's
// own pid/uid. Development-only, per the spec.
type inotifyBackend struct {
	fd int

	mu  sync.Mutex
	wds map[int32]string // watch descriptor -> watched path

	eventsCh  chan candidateEvent
	errCh     chan error
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newUnprivilegedBackend() (backend, error) {
	fd, err := syscall.InotifyInit1(syscall.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("collector: inotify_init: %w", err)
	}
	b := &inotifyBackend{
		fd:       fd,
		wds:      make(map[int32]string),
		eventsCh: make(chan candidateEvent, 256),
		errCh:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b, nil
}

func (b *inotifyBackend) privileged() bool { return false }

func (b *inotifyBackend) addWatch(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wd, err := syscall.InotifyAddWatch(b.fd, path, inotifyMask)
	if err != nil {
		return fmt.Errorf("collector: inotify_add_watch %q: %w", path, err)
	}
	b.wds[int32(wd)] = path
	return nil
}

func (b *inotifyBackend) next() (candidateEvent, error) {
	select {
	case ev := <-b.eventsCh:
		return ev, nil
	case err := <-b.errCh:
		return candidateEvent{}, err
	}
}

func (b *inotifyBackend) tryNext() (candidateEvent, bool) {
	select {
	case ev := <-b.eventsCh:
		return ev, true
	default:
		return candidateEvent{}, false
	}
}

func (b *inotifyBackend) close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = syscall.Close(b.fd)
		b.wg.Wait()
	})
	return err
}

func (b *inotifyBackend) run() {
	defer b.wg.Done()

	buf := make([]byte, 4096)
	pfd := []syscall.PollFd{{Fd: int32(b.fd), Events: syscall.POLLIN}}

	for {
		select {
		case <-b.done:
			b.fatal(errBackendClosed)
			return
		default:
		}

		n, err := syscall.Poll(pfd, 100)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			select {
			case <-b.done:
				b.fatal(errBackendClosed)
				return
			default:
			}
			b.fatal(fmt.Errorf("collector: inotify poll: %w", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := syscall.Read(b.fd, buf)
		if err != nil {
			select {
			case <-b.done:
				b.fatal(errBackendClosed)
				return
			default:
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				continue
			}
			b.fatal(fmt.Errorf("collector: inotify read: %w", err))
			return
		}
		if nr <= 0 {
			continue
		}

		b.parseEvents(buf[:nr])
	}
}

func (b *inotifyBackend) fatal(err error) {
	select {
	case b.errCh <- err:
	default:
	}
}

func (b *inotifyBackend) parseEvents(buf []byte) {
	for offset := 0; offset < len(buf); {
		if offset+inotifyEventHeaderSize > len(buf) {
			break
		}

		raw := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventHeaderSize

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			nameBytes := buf[offset:end]
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
			offset = end
		}

		b.mu.Lock()
		base, ok := b.wds[raw.Wd]
		b.mu.Unlock()
		if !ok {
			continue
		}

		kind, ok := inotifyMaskToKind(raw.Mask)
		if !ok {
			continue
		}

		path := base
		if name != "" {
			path = filepath.Join(base, name)
		}

		select {
		case b.eventsCh <- candidateEvent{kind: kind, path: path}:
		default:
		}
	}
}

// inotifyMaskToKind preserves the documented asymmetry with the privileged
// backend: CLOSE_WRITE/MODIFY both map to "modify" and there is no "access"
// kind produced here, unless the ruleset is later extended to consume it.
func inotifyMaskToKind(mask uint32) (FileEventKind, bool) {
	switch {
	case mask&syscall.IN_CREATE != 0, mask&syscall.IN_MOVED_TO != 0:
		return FileCreate, true
	case mask&syscall.IN_CLOSE_WRITE != 0, mask&syscall.IN_MODIFY != 0:
		return FileModify, true
	case mask&syscall.IN_DELETE != 0, mask&syscall.IN_MOVED_FROM != 0:
		return FileDelete, true
	default:
		return 0, false
	}
}
