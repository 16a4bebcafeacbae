// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !windows

package eventloop

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const initialPollCapacity = 64

// pollPoller is the fallback for platforms without epoll. The pollfd
// buffer doubles whenever the watch set outgrows it. A pipe interrupts
// Wait from other goroutines. The watch set is mutated from caller
// goroutines while the loop goroutine snapshots it, so it is locked.
type pollPoller struct {
	mu      sync.Mutex
	watched map[int]Event
	fds     []unix.PollFd
	rpipe   int
	wpipe   int
}

// NewPoller creates the platform poller.
func NewPoller() (Poller, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	unix.SetNonblock(p[0], true)
	unix.SetNonblock(p[1], true)

	return &pollPoller{
		watched: make(map[int]Event),
		fds:     make([]unix.PollFd, 0, initialPollCapacity),
		rpipe:   p[0],
		wpipe:   p[1],
	}, nil
}

func (p *pollPoller) Add(fd int, events Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[fd]; ok {
		return fmt.Errorf("fd %d already watched", fd)
	}
	p.watched[fd] = events
	return nil
}

func (p *pollPoller) Mod(fd int, events Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[fd]; !ok {
		return fmt.Errorf("fd %d not watched", fd)
	}
	p.watched[fd] = events
	return nil
}

func (p *pollPoller) Del(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[fd]; !ok {
		return fmt.Errorf("fd %d not watched", fd)
	}
	delete(p.watched, fd)
	return nil
}

func pollEvents(events Event) int16 {
	var ev int16
	if events&EventRead != 0 {
		ev |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (p *pollPoller) Wait(timeout time.Duration, fn func(fd int, events Event)) (int, error) {
	p.mu.Lock()
	needed := len(p.watched) + 1
	for cap(p.fds) < needed {
		p.fds = make([]unix.PollFd, 0, 2*cap(p.fds))
	}

	p.fds = p.fds[:0]
	p.fds = append(p.fds, unix.PollFd{Fd: int32(p.rpipe), Events: unix.POLLIN})
	for fd, ev := range p.watched {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: pollEvents(ev)})
	}
	p.mu.Unlock()

	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == p.rpipe {
			p.drainWakeup()
			continue
		}

		var eventType Event
		if pfd.Revents&unix.POLLIN != 0 {
			eventType |= EventRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			eventType |= EventWrite
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			eventType |= EventError
		}
		fn(int(pfd.Fd), eventType)
		dispatched++
	}
	return dispatched, nil
}

func (p *pollPoller) drainWakeup() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.rpipe, buf[:]); err != nil {
			return
		}
	}
}

func (p *pollPoller) Wakeup() error {
	_, err := unix.Write(p.wpipe, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *pollPoller) Close() error {
	unix.Close(p.rpipe)
	unix.Close(p.wpipe)
	return nil
}
