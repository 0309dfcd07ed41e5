//go:build linux

package cachepool

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// poller is the epoll-backed readiness primitive for linux, grounded on the
// raw epoll_create1/epoll_ctl/epoll_wait sequence used throughout the
// corpus's low-level networking code (e.g. the zero-copy proxy's epoll
// path and go-ublk's queue runner), both via golang.org/x/sys/unix rather
// than the bare syscall package the teacher used — x/sys/unix is the
// ecosystem-standard wrapper for these calls on every other OS this repo
// targets, so using it uniformly avoids a raw-syscall/x-sys split between
// poller files.
type poller struct {
	epfd int
}

func openPoll() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) watch(fd int) error {
	ev := &unix.EpollEvent{Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	return nil
}

func (p *poller) unwatch(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrap(err, "epoll_ctl del")
	}
	return nil
}

func (p *poller) setInterest(fd int, in interest) error {
	var mask uint32
	switch {
	case in.connect:
		mask = unix.EPOLLOUT
	default:
		if in.read {
			mask |= unix.EPOLLIN
		}
		if in.write {
			mask |= unix.EPOLLOUT
		}
	}
	ev := &unix.EpollEvent{Fd: int32(fd), Events: mask}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return errors.Wrap(err, "epoll_ctl mod")
	}
	return nil
}

func (p *poller) wait(timeout time.Duration, wasConnect map[int]bool) ([]readyEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
	}

	events := make([]unix.EpollEvent, 256)
	n, err := unix.EpollWait(p.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "epoll_wait")
	}

	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		e := events[i]
		fd := int(e.Fd)
		re := readyEvent{fd: fd}
		if wasConnect[fd] {
			re.connectable = e.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0
		} else {
			re.readable = e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
			re.writable = e.Events&unix.EPOLLOUT != 0
		}
		out = append(out, re)
	}
	return out, nil
}

func (p *poller) close() error {
	return errors.Wrap(unix.Close(p.epfd), "close epoll fd")
}
