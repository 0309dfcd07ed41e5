//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package cachepool

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// poller is the kqueue-backed readiness primitive for BSD-family kernels,
// the direct counterpart of poller_linux.go and of the teacher's build tag
// (`//go:build linux || darwin || netbsd || freebsd || openbsd ||
// dragonfly`) on watcher.go, which implies a matching kqueue file existed
// alongside the epoll one in gaio's real tree even though only one poller
// file was retrieved into this corpus.
type poller struct {
	kq int
}

func openPoll() (*poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	return &poller{kq: fd}, nil
}

func (p *poller) watch(fd int) error {
	// Register both filters disabled (EV_DISABLE) so setInterest fully
	// controls which ones fire, mirroring epoll's explicit interest mask.
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_DISABLE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_DISABLE},
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return errors.Wrap(err, "kevent add")
	}
	return nil
}

func (p *poller) unwatch(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// Best-effort: either filter may already be absent.
	unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

func (p *poller) setInterest(fd int, in interest) error {
	wantRead := in.read
	wantWrite := in.write || in.connect // connect completion surfaces as writable

	readFlag := unix.EV_DISABLE
	if wantRead {
		readFlag = unix.EV_ENABLE
	}
	writeFlag := unix.EV_DISABLE
	if wantWrite {
		writeFlag = unix.EV_ENABLE
	}

	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: uint16(unix.EV_ADD | readFlag)},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: uint16(unix.EV_ADD | writeFlag)},
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return errors.Wrap(err, "kevent mod")
	}
	return nil
}

func (p *poller) wait(timeout time.Duration, wasConnect map[int]bool) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	events := make([]unix.Kevent_t, 256)
	n, err := unix.Kevent(p.kq, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "kevent wait")
	}

	byFd := make(map[int]*readyEvent, n)
	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		e := events[i]
		fd := int(e.Ident)
		re, ok := byFd[fd]
		if !ok {
			out = append(out, readyEvent{fd: fd})
			re = &out[len(out)-1]
			byFd[fd] = re
		}
		switch e.Filter {
		case unix.EVFILT_READ:
			re.readable = true
		case unix.EVFILT_WRITE:
			if wasConnect[fd] {
				re.connectable = true
			} else {
				re.writable = true
			}
		}
	}
	return out, nil
}

func (p *poller) close() error {
	return errors.Wrap(unix.Close(p.kq), "close kqueue fd")
}
