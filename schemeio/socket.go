// Package schemeio adapts blockdev.Scheme's block I/O pump to a Unix
// domain socket, standing in for the kernel scheme socket named interface
// (§1, §6) so the daemons in this repository can be driven end to end
// without a microkernel host.
//
// Grounded on the same length-prefixed framing the pci package's driver
// channel uses (§6: "a small self-describing binary envelope"); both are
// instances of the wire format SPEC_FULL.md §6 specifies for the variably
// shaped request/response sum types neither fixed-size encoding/binary
// struct fits.
package schemeio

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/redox-os/drivers-sub001/blockdev"
)

const maxFrameLen = 0x100_000

// wireRequest mirrors blockdev.Request field-for-field.
type wireRequest struct {
	Kind   blockdev.RequestKind
	ID     uint64
	Op     blockdev.CallOp
	Path   string
	Handle int
	Offset uint64
	Buf    []byte
}

// wireResponse mirrors blockdev.Response, substituting a plain string for
// the error interface (gob cannot decode the unexported concrete type
// errors.New returns) and adding Data for a read's filled buffer, since
// the real kernel scheme IPC copies a caller-supplied buffer in place
// (§1 "external collaborators") and blockdev's own Response therefore
// carries only a transfer count.
type wireResponse struct {
	ID     uint64
	Result int
	Err    string
	Data   []byte
}

// unixSocket implements blockdev.Socket over one accepted net.Conn.
type unixSocket struct {
	conn net.Conn

	mu      sync.Mutex
	pending map[uint64][]byte
}

// NewSocket wraps an already-accepted connection as a blockdev.Socket.
func NewSocket(conn net.Conn) blockdev.Socket {
	return &unixSocket{conn: conn, pending: make(map[uint64][]byte)}
}

func (s *unixSocket) NextRequest() (blockdev.Request, error) {
	var wr wireRequest
	if err := readFrame(s.conn, &wr); err != nil {
		return blockdev.Request{}, err
	}

	req := blockdev.Request{
		Kind:   wr.Kind,
		ID:     wr.ID,
		Op:     wr.Op,
		Path:   wr.Path,
		Handle: wr.Handle,
		Offset: wr.Offset,
		Buf:    wr.Buf,
	}

	if wr.Kind == blockdev.ReqCall && wr.Op == blockdev.OpRead {
		s.mu.Lock()
		s.pending[wr.ID] = req.Buf
		s.mu.Unlock()
	}

	return req, nil
}

func (s *unixSocket) Respond(resp blockdev.Response) error {
	wr := wireResponse{ID: resp.ID, Result: resp.Result}
	if resp.Err != nil {
		wr.Err = resp.Err.Error()
	}

	s.mu.Lock()
	if buf, ok := s.pending[resp.ID]; ok {
		delete(s.pending, resp.ID)
		if resp.Result >= 0 && resp.Result <= len(buf) {
			wr.Data = buf[:resp.Result]
		}
	}
	s.mu.Unlock()

	return writeFrame(s.conn, wr)
}

func writeFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("schemeio: encoding frame: %w", err)
	}

	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(buf.Len()))

	if _, err := w.Write(lenBytes[:]); err != nil {
		return fmt.Errorf("schemeio: writing frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("schemeio: writing frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var lenBytes [8]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return err
	}

	length := binary.LittleEndian.Uint64(lenBytes[:])
	if length > maxFrameLen {
		return fmt.Errorf("schemeio: frame too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("schemeio: reading frame body: %w", err)
	}

	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// ErrClosed wraps net.Listener's accept-after-close error into a sentinel
// ListenAndPump's caller can match with errors.Is, for the common "parent
// closed the scheme during shutdown" exit path (§4.9 step 7).
var ErrClosed = errors.New("schemeio: scheme socket closed")

// ListenAndPump opens a Unix-domain stand-in for the kernel scheme socket
// at path (§4.9 step 4) and runs blockdev.Pump against every accepted
// connection, one goroutine per connection, until the listener closes.
func ListenAndPump(path string, scheme *blockdev.Scheme) error {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("schemeio: listening on %s: %w", path, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}

		go func(conn net.Conn) {
			defer conn.Close()
			if err := blockdev.Pump(NewSocket(conn), scheme); err != nil && err != io.EOF {
				log.Printf("schemeio: connection closed: %v", err)
			}
		}(conn)
	}
}
