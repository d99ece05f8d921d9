// Package memdtest provides an in-memory memcached binary protocol server for
// tests. It implements every opcode the client speaks with the server's CAS,
// counter, expiration and flush semantics, and can inject transport faults.
package memdtest

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pior/memcachebin/binprot"
)

// Version is reported by the Version opcode and the version stat.
const Version = "1.6.21-memdtest"

// MaxItemSize is the largest value the server stores.
const MaxItemSize = 1 << 20

// relativeExpirationLimit is the boundary above which expirations are
// absolute Unix timestamps.
const relativeExpirationLimit = 60 * 60 * 24 * 30

// Fault changes how the server answers requests.
type Fault int32

const (
	FaultNone Fault = iota
	// FaultSilent reads requests and never answers.
	FaultSilent
	// FaultBadMagic answers with a frame whose magic byte is wrong.
	FaultBadMagic
	// FaultWrongOpaque answers with an opaque no request carried.
	FaultWrongOpaque
	// FaultClose closes the connection as soon as a request arrives.
	FaultClose
)

type item struct {
	value   []byte
	flags   uint32
	expires time.Time // zero means never
	cas     uint64
}

// Server is a memcached binary protocol server backed by a map.
type Server struct {
	ln net.Listener

	mu      sync.Mutex
	items   map[string]*item
	cas     uint64
	offset  time.Duration
	flushAt time.Time
	conns   map[net.Conn]struct{}
	stats   map[string]uint64

	fault    atomic.Int32
	delay    atomic.Int64
	requests atomic.Uint64
	accepted atomic.Uint64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// Start listens on a random local port and serves until Close.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:    ln,
		items: make(map[string]*item),
		conns: make(map[net.Conn]struct{}),
		stats: make(map[string]uint64),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// MustStart starts a server and registers its shutdown with t.Cleanup.
func MustStart(t testing.TB) *Server {
	t.Helper()
	s, err := Start()
	if err != nil {
		t.Fatalf("memdtest: start server: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

// DropConnections closes all open client connections. The listener keeps
// accepting, so clients can reconnect.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// SetFault changes the answer mode for subsequent requests.
func (s *Server) SetFault(f Fault) {
	s.fault.Store(int32(f))
}

// SetDelay makes the server wait d before answering each request.
func (s *Server) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// Advance moves the server clock forward.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

// Requests returns the number of request frames received.
func (s *Server) Requests() uint64 {
	return s.requests.Load()
}

// Accepted returns the number of connections accepted.
func (s *Server) Accepted() uint64 {
	return s.accepted.Load()
}

// Len returns the number of live items.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyFlushLocked()
	n := 0
	now := s.nowLocked()
	for _, it := range s.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

// Has reports whether key holds a live item.
func (s *Server) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key) != nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		req, err := binprot.ReadRequest(r)
		if err != nil {
			return
		}
		s.requests.Add(1)

		if d := time.Duration(s.delay.Load()); d > 0 {
			w.Flush()
			time.Sleep(d)
		}

		switch Fault(s.fault.Load()) {
		case FaultSilent:
			continue
		case FaultClose:
			return
		case FaultBadMagic:
			frame := binprot.AppendResponse(nil, binprot.NewResponse(req, binprot.StatusSuccess))
			frame[0] = 0x42
			w.Write(frame)
			w.Flush()
			continue
		case FaultWrongOpaque:
			resp := binprot.NewResponse(req, binprot.StatusSuccess)
			resp.Opaque = req.Opaque ^ 0x5a5a5a5a
			binprot.WriteResponse(w, resp)
			w.Flush()
			continue
		}

		for _, resp := range s.handle(req) {
			if err := binprot.WriteResponse(w, resp); err != nil {
				return
			}
		}

		// Batch pipelined answers, flush once the client stops sending.
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (it *item) expired(now time.Time) bool {
	return !it.expires.IsZero() && !now.Before(it.expires)
}

func (s *Server) nowLocked() time.Time {
	return time.Now().Add(s.offset)
}

func (s *Server) expiresAt(exp uint32) time.Time {
	switch {
	case exp == 0:
		return time.Time{}
	case exp <= relativeExpirationLimit:
		return s.nowLocked().Add(time.Duration(exp) * time.Second)
	default:
		return time.Unix(int64(exp), 0)
	}
}

func (s *Server) applyFlushLocked() {
	if !s.flushAt.IsZero() && !s.nowLocked().Before(s.flushAt) {
		s.items = make(map[string]*item)
		s.flushAt = time.Time{}
	}
}

func (s *Server) lookupLocked(key string) *item {
	s.applyFlushLocked()
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if it.expired(s.nowLocked()) {
		delete(s.items, key)
		return nil
	}
	return it
}

func (s *Server) nextCASLocked() uint64 {
	s.cas++
	return s.cas
}

func reply(req *binprot.Request, status binprot.Status) []*binprot.Response {
	resp := binprot.NewResponse(req, status)
	if status != binprot.StatusSuccess {
		resp.Value = []byte(status.String())
	}
	return []*binprot.Response{resp}
}

func (s *Server) handle(req *binprot.Request) []*binprot.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Opcode {
	case binprot.OpGet, binprot.OpGets:
		return s.get(req)
	case binprot.OpSet, binprot.OpAdd, binprot.OpReplace:
		return s.store(req)
	case binprot.OpAppend, binprot.OpPrepend:
		return s.concat(req)
	case binprot.OpDelete:
		return s.delete(req)
	case binprot.OpIncrement, binprot.OpDecrement:
		return s.counter(req)
	case binprot.OpTouch:
		return s.touch(req)
	case binprot.OpFlush:
		return s.flush(req)
	case binprot.OpStat:
		return s.stat(req)
	case binprot.OpVersion:
		resp := binprot.NewResponse(req, binprot.StatusSuccess)
		resp.Value = []byte(Version)
		return []*binprot.Response{resp}
	case binprot.OpNoop:
		return reply(req, binprot.StatusSuccess)
	}
	return reply(req, binprot.StatusUnknownCommand)
}

func (s *Server) get(req *binprot.Request) []*binprot.Response {
	s.stats["cmd_get"]++
	it := s.lookupLocked(req.Key)
	if it == nil {
		s.stats["get_misses"]++
		if req.Opcode.Quiet() {
			return nil
		}
		return reply(req, binprot.StatusKeyNotFound)
	}
	s.stats["get_hits"]++

	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.Extras = binprot.GetExtras(it.flags)
	resp.Value = append([]byte(nil), it.value...)
	resp.CAS = it.cas
	return []*binprot.Response{resp}
}

func (s *Server) store(req *binprot.Request) []*binprot.Response {
	s.stats["cmd_set"]++
	flags, exp, ok := req.StoreFields()
	if !ok {
		return reply(req, binprot.StatusInvalidArguments)
	}
	if len(req.Value) > MaxItemSize {
		return reply(req, binprot.StatusValueTooLarge)
	}

	existing := s.lookupLocked(req.Key)
	switch {
	case req.Opcode == binprot.OpAdd && existing != nil:
		return reply(req, binprot.StatusKeyExists)
	case req.Opcode == binprot.OpReplace && existing == nil:
		return reply(req, binprot.StatusKeyNotFound)
	case req.CAS != 0 && existing == nil:
		return reply(req, binprot.StatusKeyNotFound)
	case req.CAS != 0 && existing.cas != req.CAS:
		return reply(req, binprot.StatusKeyExists)
	}

	it := &item{
		value:   append([]byte(nil), req.Value...),
		flags:   flags,
		expires: s.expiresAt(exp),
		cas:     s.nextCASLocked(),
	}
	s.items[req.Key] = it

	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.CAS = it.cas
	return []*binprot.Response{resp}
}

func (s *Server) concat(req *binprot.Request) []*binprot.Response {
	it := s.lookupLocked(req.Key)
	if it == nil {
		return reply(req, binprot.StatusItemNotStored)
	}
	if req.CAS != 0 && it.cas != req.CAS {
		return reply(req, binprot.StatusKeyExists)
	}
	if len(it.value)+len(req.Value) > MaxItemSize {
		return reply(req, binprot.StatusValueTooLarge)
	}

	if req.Opcode == binprot.OpAppend {
		it.value = append(it.value, req.Value...)
	} else {
		it.value = append(append([]byte(nil), req.Value...), it.value...)
	}
	it.cas = s.nextCASLocked()

	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.CAS = it.cas
	return []*binprot.Response{resp}
}

func (s *Server) delete(req *binprot.Request) []*binprot.Response {
	it := s.lookupLocked(req.Key)
	if it == nil {
		return reply(req, binprot.StatusKeyNotFound)
	}
	if req.CAS != 0 && it.cas != req.CAS {
		return reply(req, binprot.StatusKeyExists)
	}
	delete(s.items, req.Key)
	return reply(req, binprot.StatusSuccess)
}

func (s *Server) counter(req *binprot.Request) []*binprot.Response {
	delta, initial, exp, ok := req.CounterFields()
	if !ok {
		return reply(req, binprot.StatusInvalidArguments)
	}

	it := s.lookupLocked(req.Key)
	if it == nil {
		if exp == binprot.NoCreateExpiration {
			return reply(req, binprot.StatusKeyNotFound)
		}
		it = &item{
			value:   binprot.FormatCounter(initial),
			expires: s.expiresAt(exp),
			cas:     s.nextCASLocked(),
		}
		s.items[req.Key] = it

		resp := binprot.NewResponse(req, binprot.StatusSuccess)
		resp.CAS = it.cas
		resp.Value = binprot.CounterValue(initial)
		return []*binprot.Response{resp}
	}

	if req.CAS != 0 && it.cas != req.CAS {
		return reply(req, binprot.StatusKeyExists)
	}

	current, ok := binprot.ParseCounter(it.value)
	if !ok {
		return reply(req, binprot.StatusNonNumericValue)
	}

	var next uint64
	if req.Opcode == binprot.OpIncrement {
		next = binprot.IncrementCounter(current, delta)
	} else {
		next = binprot.DecrementCounter(current, delta)
	}
	it.value = binprot.FormatCounter(next)
	it.cas = s.nextCASLocked()

	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.CAS = it.cas
	resp.Value = binprot.CounterValue(next)
	return []*binprot.Response{resp}
}

func (s *Server) touch(req *binprot.Request) []*binprot.Response {
	exp, ok := req.ExpirationField()
	if !ok {
		return reply(req, binprot.StatusInvalidArguments)
	}
	it := s.lookupLocked(req.Key)
	if it == nil {
		return reply(req, binprot.StatusKeyNotFound)
	}
	it.expires = s.expiresAt(exp)
	it.cas = s.nextCASLocked()

	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.CAS = it.cas
	return []*binprot.Response{resp}
}

func (s *Server) flush(req *binprot.Request) []*binprot.Response {
	s.stats["cmd_flush"]++
	delay, _ := req.ExpirationField()
	if delay == 0 {
		s.items = make(map[string]*item)
		s.flushAt = time.Time{}
	} else {
		s.flushAt = s.expiresAt(delay)
	}
	return reply(req, binprot.StatusSuccess)
}

func (s *Server) stat(req *binprot.Request) []*binprot.Response {
	var pairs [][2]string
	switch req.Key {
	case "":
		s.applyFlushLocked()
		pairs = [][2]string{
			{"pid", strconv.Itoa(os.Getpid())},
			{"version", Version},
			{"curr_items", strconv.Itoa(len(s.items))},
			{"curr_connections", strconv.Itoa(len(s.conns))},
			{"total_connections", strconv.FormatUint(s.accepted.Load(), 10)},
			{"cmd_get", strconv.FormatUint(s.stats["cmd_get"], 10)},
			{"cmd_set", strconv.FormatUint(s.stats["cmd_set"], 10)},
			{"cmd_flush", strconv.FormatUint(s.stats["cmd_flush"], 10)},
			{"get_hits", strconv.FormatUint(s.stats["get_hits"], 10)},
			{"get_misses", strconv.FormatUint(s.stats["get_misses"], 10)},
		}
	case "settings":
		pairs = [][2]string{
			{"item_size_max", strconv.Itoa(MaxItemSize)},
			{"binding_protocol", "binary"},
		}
	default:
		return reply(req, binprot.StatusKeyNotFound)
	}

	out := make([]*binprot.Response, 0, len(pairs)+1)
	for _, p := range pairs {
		resp := binprot.NewResponse(req, binprot.StatusSuccess)
		resp.Key = p[0]
		resp.Value = []byte(p[1])
		out = append(out, resp)
	}
	return append(out, binprot.NewResponse(req, binprot.StatusSuccess))
}
