// Package reactor implements the single-IRQ-vector cooperative executor
// shared by every protocol engine in this repository (xHCI, NVMe): one
// goroutine drains a single interrupt vector, matches completions against
// outstanding commands, and wakes the goroutines blocked submitting or
// awaiting them.
//
// This is a goroutine-and-channel translation of a raw-waker/poll-based
// async executor: where the original holds a slab of hand-polled futures
// and a waker vtable, Go already has a scheduler that parks and resumes
// goroutines natively, so each in-flight command is simply a goroutine
// blocked receiving from its own completion channel instead of a future
// re-polled by a reactor. The bracket around hardware completion draining
// — mask the vector, drain every ready completion, unmask — is kept
// unchanged, because it is dictated by the hardware (an unmasked vector
// can retrigger while the driver is still servicing the current batch),
// not by the language.
package reactor

import (
	"io"
	"sync"
)

// Hardware is the set of operations a protocol engine (xhci, nvme) must
// provide for its submission/completion queues to be driven by a Reactor.
// Grounded directly on original_source/executor/src/lib.rs's Hardware
// trait, generalized from Rust associated types to Go type parameters.
type Hardware[SqId comparable, CqId comparable, CmdId comparable, Sqe any, Cqe any] interface {
	// MaskVector and UnmaskVector bracket one round of completion draining.
	MaskVector()
	UnmaskVector()

	// TrySubmit attempts to push a command onto sqId's submission ring.
	// build is invoked with the command id that will be assigned only if
	// submission succeeds, and must return the encoded command to write
	// into the ring slot. ok is false if the ring has no free slot.
	TrySubmit(sqId SqId, build func(CmdId) Sqe) (cqId CqId, cmdId CmdId, ok bool)

	// PollCqes drains every completion ready on every completion queue,
	// invoking handle once per entry.
	PollCqes(handle func(cqId CqId, cmdId CmdId, cqe Cqe))

	// SqForCq returns the submission queue paired with a completion queue,
	// so a freed slot can wake the next queued submitter.
	SqForCq(cqId CqId) SqId
}

type pendingCompletion[Cqe any] chan Cqe

// Reactor drains a single interrupt vector and dispatches completions to
// the goroutines awaiting them. One Reactor exists per driver process,
// matching the "single IV, thread-per-core" architecture of the original.
type Reactor[SqId comparable, CqId comparable, CmdId comparable, Sqe any, Cqe any] struct {
	hw      Hardware[SqId, CqId, CmdId, Sqe, Cqe]
	irqFile io.ReadWriter
	intx    bool

	mu                 sync.Mutex
	awaitingSubmission map[SqId][]chan struct{}
	awaitingCompletion map[CqId]map[CmdId]pendingCompletion[Cqe]

	stop chan struct{}
}

// New builds a Reactor driving hw's queues off irqFile. intx selects the
// level-triggered INTx# acknowledgement protocol (read a marker word, write
// it back) used when no MSI/MSI-X vector was negotiated (§4.3).
func New[SqId comparable, CqId comparable, CmdId comparable, Sqe any, Cqe any](
	hw Hardware[SqId, CqId, CmdId, Sqe, Cqe], irqFile io.ReadWriter, intx bool,
) *Reactor[SqId, CqId, CmdId, Sqe, Cqe] {
	return &Reactor[SqId, CqId, CmdId, Sqe, Cqe]{
		hw:                 hw,
		irqFile:            irqFile,
		intx:               intx,
		awaitingSubmission: make(map[SqId][]chan struct{}),
		awaitingCompletion: make(map[CqId]map[CmdId]pendingCompletion[Cqe]),
		stop:               make(chan struct{}),
	}
}

// Submit enqueues cmd on sqId (built lazily once a ring slot is known to be
// free) and blocks the calling goroutine until its completion arrives.
// Grounded on CqeFuture's Submitting/Completing state machine: the two
// states become, respectively, "blocked on the retry channel" and "blocked
// on the completion channel".
func (r *Reactor[SqId, CqId, CmdId, Sqe, Cqe]) Submit(sqId SqId, build func(CmdId) Sqe) Cqe {
	for {
		r.mu.Lock()
		cqId, cmdId, ok := r.hw.TrySubmit(sqId, build)
		if ok {
			ch := make(pendingCompletion[Cqe], 1)
			perCmd, exists := r.awaitingCompletion[cqId]
			if !exists {
				perCmd = make(map[CmdId]pendingCompletion[Cqe])
				r.awaitingCompletion[cqId] = perCmd
			}
			perCmd[cmdId] = ch
			r.mu.Unlock()
			return <-ch
		}

		retry := make(chan struct{})
		r.awaitingSubmission[sqId] = append(r.awaitingSubmission[sqId], retry)
		r.mu.Unlock()

		<-retry
	}
}

// Run drives the reactor loop until Stop is called. It must run on its own
// goroutine; every other goroutine interacts with the Reactor only via
// Submit.
func (r *Reactor[SqId, CqId, CmdId, Sqe, Cqe]) Run() error {
	for {
		select {
		case <-r.stop:
			return nil
		default:
		}

		if err := r.react(); err != nil {
			return err
		}
	}
}

// react blocks for the next interrupt, then masks the vector, drains every
// ready completion, wakes the goroutines they unblock, and unmasks.
// Grounded verbatim on LocalExecutor::react's mask/drain/unmask bracket.
func (r *Reactor[SqId, CqId, CmdId, Sqe, Cqe]) react() error {
	var buf [8]byte
	n, err := r.irqFile.Read(buf[:])
	if err != nil {
		return err
	}

	if r.intx && n != 0 {
		if _, err := r.irqFile.Write(buf[:n]); err != nil {
			return err
		}
	}

	r.hw.MaskVector()

	r.mu.Lock()
	r.hw.PollCqes(func(cqId CqId, cmdId CmdId, cqe Cqe) {
		perCmd, ok := r.awaitingCompletion[cqId]
		if !ok {
			return
		}
		ch, ok := perCmd[cmdId]
		if !ok {
			return
		}
		delete(perCmd, cmdId)
		ch <- cqe

		sqId := r.hw.SqForCq(cqId)
		if waiters := r.awaitingSubmission[sqId]; len(waiters) > 0 {
			close(waiters[0])
			r.awaitingSubmission[sqId] = waiters[1:]
		}
	})
	r.mu.Unlock()

	r.hw.UnmaskVector()
	return nil
}

// Stop ends the next iteration of Run.
func (r *Reactor[SqId, CqId, CmdId, Sqe, Cqe]) Stop() {
	close(r.stop)
}
