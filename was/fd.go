package was

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// setNonblock puts f's descriptor into non-blocking mode.
//
// Grounded on tcplisten/socket.go's newSocketCloexecOld: every WAS
// descriptor is treated the same way a freshly created listening
// socket is there, via unix.SetNonblock, rather than relying on the
// os package's internal (and non-exported) non-blocking plumbing.
func setNonblock(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), true)
}

// pollReadiness describes which of a set of descriptors poll(2)
// reported ready, and in which direction.
type pollReadiness struct {
	readable map[int]bool
	writable map[int]bool
	err      map[int]bool
}

// pollFds waits up to timeoutMs (0 = peek, -1 = infinite) for any of
// the given descriptors to become ready for the requested events.
// EINTR is retried internally, per spec §5.
func pollFds(fds []int, events []int16, timeoutMs int) (pollReadiness, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: events[i]}
	}
	for {
		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return pollReadiness{}, err
		}
		res := pollReadiness{
			readable: make(map[int]bool, n),
			writable: make(map[int]bool, n),
			err:      make(map[int]bool, n),
		}
		for _, pfd := range pfds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
				res.readable[int(pfd.Fd)] = true
			}
			if pfd.Revents&unix.POLLOUT != 0 {
				res.writable[int(pfd.Fd)] = true
			}
			if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				res.err[int(pfd.Fd)] = true
			}
		}
		return res, nil
	}
}

// isAgain reports whether err is the non-blocking "try again" errno.
func isAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
