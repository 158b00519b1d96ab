package reactor

import (
	"context"
	"os"

	"golang.org/x/sys/unix"
)

// ExternalEvent reports the readiness flags observed on a registered fd.
type ExternalEvent struct {
	Readable bool
	Writable bool
	HangUp   bool
}

// ExternalEventSource lets a protocol engine's goroutines wait for
// readiness on an auxiliary fd (a scheme socket, a timer) using the same
// "await, don't poll" discipline as Submit, rather than busy-looping.
// Grounded on ExternalEventSource/register_external_event, substituting
// Redox's RawEventQueue subscription for a dedicated poller goroutine
// around golang.org/x/sys/unix.Poll — the teacher links x/sys directly,
// and no event-queue-alike library appears anywhere else in the pack.
type ExternalEventSource struct {
	fd     int
	events chan ExternalEvent
	done   chan struct{}
}

// RegisterExternalEvent starts watching fd for the given poll events
// (unix.POLLIN, unix.POLLOUT, ...) and returns a source whose Next blocks
// until one of them fires.
func RegisterExternalEvent(fd int, pollMask int16) *ExternalEventSource {
	s := &ExternalEventSource{
		fd:     fd,
		events: make(chan ExternalEvent, 1),
		done:   make(chan struct{}),
	}

	go s.loop(pollMask)

	return s
}

func (s *ExternalEventSource) loop(pollMask int16) {
	defer close(s.events)

	fds := []unix.PollFd{{Fd: int32(s.fd), Events: pollMask}}

	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := unix.Poll(fds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		ev := ExternalEvent{
			Readable: fds[0].Revents&unix.POLLIN != 0,
			Writable: fds[0].Revents&unix.POLLOUT != 0,
			HangUp:   fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0,
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Next blocks until the next readiness event or ctx is done.
func (s *ExternalEventSource) Next(ctx context.Context) (ExternalEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return ExternalEvent{}, os.ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return ExternalEvent{}, ctx.Err()
	}
}

// Close stops the poller goroutine. It does not close the underlying fd.
func (s *ExternalEventSource) Close() {
	close(s.done)
}
