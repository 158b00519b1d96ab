package blockdev

import (
	"io"
	"sync"
	"testing"
)

// fakeSocket is an in-memory Socket fixture: requests are fed in by the
// test, responses are collected for inspection, keyed by request ID since
// Pump dispatches each request on its own goroutine and responses can
// arrive out of order.
type fakeSocket struct {
	mu   sync.Mutex
	in   []Request
	pos  int
	resp map[uint64]Response
	done chan struct{}
	want int
}

func newFakeSocket(reqs []Request) *fakeSocket {
	return &fakeSocket{
		in:   reqs,
		resp: make(map[uint64]Response),
		done: make(chan struct{}),
		want: len(reqs),
	}
}

func (s *fakeSocket) NextRequest() (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.in) {
		return Request{}, io.EOF
	}
	r := s.in[s.pos]
	s.pos++
	return r, nil
}

func (s *fakeSocket) Respond(resp Response) error {
	s.mu.Lock()
	s.resp[resp.ID] = resp
	done := len(s.resp) == s.want
	s.mu.Unlock()
	if done {
		close(s.done)
	}
	return nil
}

func TestPumpDispatchesOpenReadWriteClose(t *testing.T) {
	disk := newMemDisk(512, 4)
	scheme := NewScheme("disk", []Disk{disk}, []*PartitionTable{nil})

	open := Request{Kind: ReqCall, ID: 1, Op: OpOpen, Path: "0"}

	sock := newFakeSocket([]Request{open})
	if err := Pump(sock, scheme); err != io.EOF {
		t.Fatalf("Pump: got %v, want io.EOF", err)
	}
	openResp, ok := sock.resp[1]
	if !ok || openResp.Err != nil {
		t.Fatalf("open response: %+v", openResp)
	}
	handle := openResp.Result

	payload := []byte{1, 2, 3, 4}
	write := Request{Kind: ReqCall, ID: 2, Op: OpWrite, Handle: handle, Offset: 0, Buf: payload}

	sock2 := newFakeSocket([]Request{write})
	if err := Pump(sock2, scheme); err != io.EOF {
		t.Fatalf("Pump (write): got %v, want io.EOF", err)
	}
	writeResp := sock2.resp[2]
	if writeResp.Err != nil || writeResp.Result != len(payload) {
		t.Fatalf("write response: %+v", writeResp)
	}

	readBuf := make([]byte, len(payload))
	read := Request{Kind: ReqCall, ID: 3, Op: OpRead, Handle: handle, Offset: 0, Buf: readBuf}

	sock3 := newFakeSocket([]Request{read})
	if err := Pump(sock3, scheme); err != io.EOF {
		t.Fatalf("Pump (read): got %v, want io.EOF", err)
	}
	readResp := sock3.resp[3]
	if readResp.Err != nil || readResp.Result != len(payload) {
		t.Fatalf("read response: %+v", readResp)
	}
	for i, b := range payload {
		if readBuf[i] != b {
			t.Fatalf("read buf[%d] = %d, want %d", i, readBuf[i], b)
		}
	}

	closeReq := Request{Kind: ReqCall, ID: 4, Op: OpClose, Handle: handle}
	sock4 := newFakeSocket([]Request{closeReq})
	if err := Pump(sock4, scheme); err != io.EOF {
		t.Fatalf("Pump (close): got %v, want io.EOF", err)
	}
	if closeResp := sock4.resp[4]; closeResp.Err != nil {
		t.Fatalf("close response: %+v", closeResp)
	}
}

func TestPumpDispatchesOnCloseAndCancellation(t *testing.T) {
	disk := newMemDisk(512, 4)
	scheme := NewScheme("disk", []Disk{disk}, []*PartitionTable{nil})

	id, err := scheme.Open("0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	onClose := Request{Kind: ReqOnClose, ID: 10, Handle: id}
	cancel := Request{Kind: ReqCancellation, ID: 11}

	sock := newFakeSocket([]Request{onClose, cancel})
	if err := Pump(sock, scheme); err != io.EOF {
		t.Fatalf("Pump: got %v, want io.EOF", err)
	}

	if resp := sock.resp[10]; resp.Err != nil {
		t.Fatalf("OnClose response: %+v", resp)
	}
	if resp := sock.resp[11]; resp.Err != ErrCancelled {
		t.Fatalf("Cancellation response: got %v, want ErrCancelled", resp.Err)
	}

	// The disk was released by the OnClose dispatch, so it should be
	// openable again.
	if _, err := scheme.Open("0"); err != nil {
		t.Fatalf("reopening after OnClose: %v", err)
	}
}

func TestPumpReturnsOnSocketError(t *testing.T) {
	disk := newMemDisk(512, 4)
	scheme := NewScheme("disk", []Disk{disk}, []*PartitionTable{nil})

	sock := newFakeSocket(nil)
	if err := Pump(sock, scheme); err != io.EOF {
		t.Fatalf("Pump with no requests: got %v, want io.EOF", err)
	}
}
