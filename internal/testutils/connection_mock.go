package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pior/memcachebin/binprot"
)

// ConnectionMock is a net.Conn whose reads are fed by the test and whose
// writes are recorded. Reads block until Respond or Close.
type ConnectionMock struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	writeBuf bytes.Buffer
	closed   bool
	written  chan struct{}
}

// NewConnectionMock creates a mock connection with nothing to read yet.
func NewConnectionMock() *ConnectionMock {
	pr, pw := io.Pipe()
	return &ConnectionMock{
		pr:      pr,
		pw:      pw,
		written: make(chan struct{}, 1),
	}
}

func (m *ConnectionMock) Read(b []byte) (n int, err error) {
	return m.pr.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	select {
	case m.written <- struct{}{}:
	default:
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.pr.CloseWithError(net.ErrClosed)
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11211}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Respond makes raw bytes available to the reader. It blocks until the bytes
// are consumed.
func (m *ConnectionMock) Respond(data []byte) error {
	_, err := m.pw.Write(data)
	return err
}

// RespondTo answers req with resp, copying the opcode and opaque from req.
func (m *ConnectionMock) RespondTo(req *binprot.Request, resp *binprot.Response) error {
	resp.Opcode = req.Opcode
	resp.Opaque = req.Opaque
	return m.Respond(binprot.AppendResponse(nil, resp))
}

// Hangup ends the read stream as if the server closed the connection.
func (m *ConnectionMock) Hangup() {
	m.pw.Close()
}

// Requests decodes every request frame written so far.
func (m *ConnectionMock) Requests() []*binprot.Request {
	m.mu.Lock()
	data := bytes.Clone(m.writeBuf.Bytes())
	m.mu.Unlock()

	var reqs []*binprot.Request
	for len(data) > 0 {
		req, n, err := binprot.DecodeRequest(data)
		if err != nil {
			break
		}
		reqs = append(reqs, req)
		data = data[n:]
	}
	return reqs
}

// WaitRequests waits until at least n requests have been written, and
// returns them. It returns what it has after timeout.
func (m *ConnectionMock) WaitRequests(n int, timeout time.Duration) []*binprot.Request {
	deadline := time.After(timeout)
	for {
		reqs := m.Requests()
		if len(reqs) >= n {
			return reqs
		}
		select {
		case <-m.written:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return reqs
		}
	}
}
