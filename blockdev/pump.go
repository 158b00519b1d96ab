package blockdev

import (
	"errors"
	"fmt"
	"sync"
)

// CallOp selects which Scheme operation a Call request services (§4.5,
// §6 "open, read(offset,buf), write(offset,buf), fstat, fsize, close").
type CallOp int

const (
	OpOpen CallOp = iota
	OpRead
	OpWrite
	OpClose
	OpFstat
)

// RequestKind discriminates the three request shapes the pump dispatches
// (§4.5 "Request pump ... dispatches by kind (Call, OnClose,
// Cancellation)").
type RequestKind int

const (
	ReqCall RequestKind = iota
	ReqOnClose
	ReqCancellation
)

// Request is one front-end operation delivered by the kernel scheme
// socket. Path/Handle/Offset/Buf are populated depending on Op.
type Request struct {
	Kind   RequestKind
	ID     uint64
	Op     CallOp
	Path   string
	Handle int
	Offset uint64
	Buf    []byte
}

// Response answers a Request by ID. Result carries bytes transferred for
// Read/Write, the new handle id for Open, or the byte size for Fstat.
type Response struct {
	ID     uint64
	Result int
	Err    error
}

// Socket is the narrow external collaborator this package consumes: the
// kernel's scheme socket (§1 "treated as external collaborators with
// named interfaces", §6). Its wire framing is out of scope for this
// repository; NextRequest blocks for the next decoded request and
// Respond delivers the matching response.
type Socket interface {
	NextRequest() (Request, error)
	Respond(Response) error
}

// ErrCancelled is returned to a Cancellation request acknowledging that
// the parked request (if still in flight below the kernel scheme layer)
// was interrupted (§4.5, §7 "Cancellation ... responds with interrupt
// error").
var ErrCancelled = errors.New("blockdev: request cancelled")

// Pump runs the blocking request-read/dispatch/response-write loop of
// §4.5 against scheme. Each request is dispatched on its own goroutine so
// a blocking Read/Write (an asynchronous driver awaiting its completion
// future, §4.5 "bridge ... by awaiting the completion future in a
// blocking adapter") never stalls delivery of a Cancellation aimed at a
// different handle. Pump returns when NextRequest returns a non-nil
// error (the scheme socket closed).
//
// Grounded on original_source/storage/nvmed/src/scheme.rs and
// storage/ahcid/src/scheme.rs's SchemeBlock dispatch loops, generalized
// from their single-threaded Option<usize>-returning poll into Go
// goroutines, since those originals cooperatively re-poll a blocked
// request rather than parking an OS thread on it.
func Pump(sock Socket, scheme *Scheme) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		req, err := sock.NextRequest()
		if err != nil {
			return err
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			resp := dispatch(scheme, req)
			sock.Respond(resp)
		}(req)
	}
}

func dispatch(scheme *Scheme, req Request) Response {
	switch req.Kind {
	case ReqCall:
		return dispatchCall(scheme, req)

	case ReqOnClose:
		err := scheme.Close(req.Handle)
		return Response{ID: req.ID, Err: err}

	case ReqCancellation:
		// Nothing below the kernel scheme layer is cancellable from here
		// (§1 non-goal: scheme IPC itself); the pump only acknowledges.
		return Response{ID: req.ID, Err: ErrCancelled}

	default:
		return Response{ID: req.ID, Err: fmt.Errorf("blockdev: unknown request kind %d", req.Kind)}
	}
}

func dispatchCall(scheme *Scheme, req Request) Response {
	switch req.Op {
	case OpOpen:
		id, err := scheme.Open(req.Path)
		return Response{ID: req.ID, Result: id, Err: err}

	case OpRead:
		n, err := scheme.Read(req.Handle, req.Buf, req.Offset)
		return Response{ID: req.ID, Result: n, Err: err}

	case OpWrite:
		n, err := scheme.Write(req.Handle, req.Buf, req.Offset)
		return Response{ID: req.ID, Result: n, Err: err}

	case OpClose:
		err := scheme.Close(req.Handle)
		return Response{ID: req.ID, Err: err}

	case OpFstat:
		size, err := scheme.Size(req.Handle)
		return Response{ID: req.ID, Result: int(size), Err: err}

	default:
		return Response{ID: req.ID, Err: fmt.Errorf("blockdev: unknown call op %d", req.Op)}
	}
}
