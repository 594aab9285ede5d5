// Package poll waits for readability on a changing set of sockets.
package poll

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

// Socket is anything backed by a pollable file descriptor.
type Socket interface {
	Fd() int
}

// Poller tracks registered sockets by descriptor and waits on all of them
// for readable interest. It is not safe for concurrent use.
type Poller struct {
	sockets map[int]Socket
	fds     []unix.PollFd
}

func New() *Poller {
	return &Poller{sockets: make(map[int]Socket)}
}

// Add registers s. Adding an already registered descriptor replaces it.
func (p *Poller) Add(s Socket) error {
	fd := s.Fd()
	if fd < 0 {
		return fmt.Errorf("poll: invalid descriptor %d", fd)
	}
	p.sockets[fd] = s
	return nil
}

// Remove deregisters s. Removing an unknown socket is a no-op.
func (p *Poller) Remove(s Socket) error {
	delete(p.sockets, s.Fd())
	return nil
}

// Registered returns the registered sockets ordered by descriptor.
func (p *Poller) Registered() []Socket {
	fds := make([]int, 0, len(p.sockets))
	for fd := range p.sockets {
		fds = append(fds, fd)
	}
	slices.Sort(fds)
	out := make([]Socket, len(fds))
	for i, fd := range fds {
		out[i] = p.sockets[fd]
	}
	return out
}

// Wait blocks for up to timeout and returns the sockets that became
// readable, hung up or failed. A timeout <= 0 polls without blocking. An
// interrupted wait reports nothing ready.
func (p *Poller) Wait(timeout time.Duration) ([]Socket, error) {
	registered := p.Registered()
	p.fds = p.fds[:0]
	for _, s := range registered {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(s.Fd()), Events: unix.POLLIN})
	}

	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]Socket, 0, n)
	for i, pfd := range p.fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ready = append(ready, registered[i])
		}
	}
	return ready, nil
}

func timeoutMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		return 1
	}
	return int(ms)
}
