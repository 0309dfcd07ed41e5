package cachepool

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// resolveTCP4 parses a "host:port" address into the raw components
// syscall.Connect needs. Only IPv4 is resolved here; a production build
// would also support AF_INET6, omitted to keep the socket path in one
// straight line matching spec §4.F's "open a new non-blocking socket,
// call connect()".
func resolveTCP4(address string) (ip [4]byte, port int, err error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return ip, 0, errors.Wrap(err, "split host port")
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return ip, 0, errors.Wrap(err, "parse port")
	}

	ipAddrs, err := net.LookupIP(host)
	if err != nil {
		return ip, 0, errors.Wrap(err, "resolve host")
	}
	for _, a := range ipAddrs {
		if v4 := a.To4(); v4 != nil {
			copy(ip[:], v4)
			return ip, port, nil
		}
	}
	return ip, 0, errors.Errorf("no A record for %q", host)
}

// dialNonBlocking opens a non-blocking socket and issues connect(2),
// returning immediately whether or not the handshake has completed —
// spec §4.F: "open a new non-blocking socket, call connect(); if
// immediate success, interest set will be recomputed as READ/WRITE as
// appropriate; otherwise register with CONNECT."
//
// net.Dial is deliberately not used here: it blocks synchronously until
// the TCP handshake completes (or times out) and offers no portable way
// to observe EINPROGRESS, which the interest-set rule (spec §4.E.iv) needs
// as a first-class CONNECT state.
func dialNonBlocking(address string) (fd int, immediate bool, err error) {
	ip, port, err := resolveTCP4(address)
	if err != nil {
		return -1, false, err
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, errors.Wrap(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, errors.Wrap(err, "set nonblock")
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}
	unix.Close(fd)
	return -1, false, errors.Wrap(err, "connect")
}

// finishConnect checks whether a non-blocking connect completed
// successfully once the fd reports writable/connectable (spec §4.E.i).
func finishConnect(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if errno != 0 {
		return errors.Wrap(unix.Errno(errno), "connect")
	}
	return nil
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

func socketRead(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, errEAGAIN
		}
		return 0, errors.Wrap(err, "read")
	}
	if n == 0 {
		return 0, errConnClosed
	}
	return n, nil
}

func socketWrite(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, errEAGAIN
		}
		return 0, errors.Wrap(err, "write")
	}
	return n, nil
}

// errEAGAIN signals "would block" up through the read/write paths; it
// never escapes handleIO (spec §7 propagation policy).
var errEAGAIN = errors.New("cachepool: eagain")

// openWakeupPipe opens a non-blocking self-pipe used solely to interrupt a
// blocked poll.wait() the instant a producer submits work (spec §4.C: "the
// selector wakeup is the sole synchronization signal; it must be invoked
// after every enqueue"). The read end is registered with the poller like any
// other fd; the write end is never registered, only written to.
func openWakeupPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, errors.Wrap(err, "pipe")
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, errors.Wrap(err, "set nonblock (read end)")
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, errors.Wrap(err, "set nonblock (write end)")
	}
	return fds[0], fds[1], nil
}
