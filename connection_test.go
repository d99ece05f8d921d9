package memcachebin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/memcachebin/binprot"
	"github.com/pior/memcachebin/internal/testutils"
)

func newMockConnection(t *testing.T) (*Connection, *testutils.ConnectionMock) {
	t.Helper()
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock)
	t.Cleanup(func() { conn.Close() })
	return conn, mock
}

func successFor(req *binprot.Request, value string) *binprot.Response {
	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.Value = []byte(value)
	return resp
}

func TestConnection_Execute(t *testing.T) {
	conn, mock := newMockConnection(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reqs := mock.WaitRequests(1, time.Second)
		if assert.Len(t, reqs, 1) {
			assert.Equal(t, "k", reqs[0].Key)
			assert.NoError(t, mock.RespondTo(reqs[0], successFor(reqs[0], "v")))
		}
	}()

	frames, err := conn.Execute(context.Background(), binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "v", string(frames[0].Value))
	<-done

	require.Equal(t, 0, conn.InFlight())
	require.Equal(t, "127.0.0.1:11211", conn.Addr())
}

func TestConnection_PipelinedOutOfOrder(t *testing.T) {
	conn, mock := newMockConnection(t)
	ctx := context.Background()

	t1, err := conn.Send(ctx, binprot.NewRequest(binprot.OpGet, "a", nil, nil))
	require.NoError(t, err)
	t2, err := conn.Send(ctx, binprot.NewRequest(binprot.OpGet, "b", nil, nil))
	require.NoError(t, err)
	require.NotEqual(t, t1, t2)
	require.Equal(t, 2, conn.InFlight())

	reqs := mock.WaitRequests(2, time.Second)
	require.Len(t, reqs, 2)

	// answer the second request first
	go func() {
		mock.RespondTo(reqs[1], successFor(reqs[1], "B"))
		mock.RespondTo(reqs[0], successFor(reqs[0], "A"))
	}()

	frames, err := conn.Receive(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, "A", string(frames[0].Value))

	frames, err = conn.Receive(ctx, t2)
	require.NoError(t, err)
	require.Equal(t, "B", string(frames[0].Value))

	_, err = conn.Receive(ctx, t1)
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestConnection_CallerOpaque(t *testing.T) {
	conn, mock := newMockConnection(t)
	ctx := context.Background()

	req := binprot.NewRequest(binprot.OpNoop, "", nil, nil)
	req.Opaque = 77

	token, err := conn.Send(ctx, req)
	require.NoError(t, err)
	require.Equal(t, uint32(77), token)

	_, err = conn.Send(ctx, req)
	require.ErrorIs(t, err, ErrOpaqueInUse)
	require.False(t, conn.IsClosed())

	reqs := mock.WaitRequests(1, time.Second)
	require.Len(t, reqs, 1, "rejected request must not be written")
	go mock.RespondTo(reqs[0], binprot.NewResponse(reqs[0], binprot.StatusSuccess))

	_, err = conn.Receive(ctx, token)
	require.NoError(t, err)

	// the opaque is free again
	_, err = conn.Send(ctx, req)
	require.NoError(t, err)
}

func TestConnection_UnknownOpaqueIsFatal(t *testing.T) {
	conn, mock := newMockConnection(t)
	ctx := context.Background()

	token, err := conn.Send(ctx, binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.NoError(t, err)

	reqs := mock.WaitRequests(1, time.Second)
	bogus := binprot.NewResponse(reqs[0], binprot.StatusSuccess)
	bogus.Opaque = reqs[0].Opaque + 1000
	go mock.Respond(binprot.AppendResponse(nil, bogus))

	_, err = conn.Receive(ctx, token)
	var protoErr *binprot.ProtocolError
	require.ErrorAs(t, err, &protoErr)

	require.Eventually(t, mock.IsClosed, time.Second, time.Millisecond)
	require.True(t, conn.IsClosed())

	_, err = conn.Send(ctx, binprot.NewRequest(binprot.OpNoop, "", nil, nil))
	require.ErrorAs(t, err, &protoErr)
}

func TestConnection_OpcodeMismatchIsFatal(t *testing.T) {
	conn, mock := newMockConnection(t)

	token, err := conn.Send(context.Background(), binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.NoError(t, err)

	reqs := mock.WaitRequests(1, time.Second)
	resp := binprot.NewResponse(reqs[0], binprot.StatusSuccess)
	resp.Opcode = binprot.OpDelete
	go mock.Respond(binprot.AppendResponse(nil, resp))

	_, err = conn.Receive(context.Background(), token)
	var protoErr *binprot.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestConnection_BadMagicIsFatal(t *testing.T) {
	conn, mock := newMockConnection(t)

	token, err := conn.Send(context.Background(), binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.NoError(t, err)

	reqs := mock.WaitRequests(1, time.Second)
	frame := binprot.AppendResponse(nil, binprot.NewResponse(reqs[0], binprot.StatusSuccess))
	frame[0] = 0x80
	go mock.Respond(frame)

	_, err = conn.Receive(context.Background(), token)
	var protoErr *binprot.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.True(t, binprot.ShouldCloseConnection(err))
}

func TestConnection_HangupFailsAllOutstanding(t *testing.T) {
	conn, mock := newMockConnection(t)
	ctx := context.Background()

	var tokens []uint32
	for _, key := range []string{"a", "b", "c"} {
		token, err := conn.Send(ctx, binprot.NewRequest(binprot.OpGet, key, nil, nil))
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	mock.Hangup()

	for _, token := range tokens {
		_, err := conn.Receive(ctx, token)
		var connErr *binprot.ConnectionError
		require.ErrorAs(t, err, &connErr)
		require.Equal(t, "read", connErr.Op)
	}
	require.True(t, conn.IsClosed())
	require.Equal(t, 0, conn.InFlight())
}

func TestConnection_TimeoutKeepsLateResponseHarmless(t *testing.T) {
	conn, mock := newMockConnection(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := conn.Execute(ctx, binprot.NewRequest(binprot.OpSet, "k", binprot.StoreExtras(0, 0), []byte("v")))
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, binprot.OpSet, timeoutErr.Op)
	require.False(t, binprot.ShouldCloseConnection(err))

	// the late answer is recognized and dropped
	reqs := mock.WaitRequests(1, time.Second)
	require.NoError(t, mock.RespondTo(reqs[0], binprot.NewResponse(reqs[0], binprot.StatusSuccess)))
	require.Eventually(t, func() bool { return conn.InFlight() == 0 }, time.Second, time.Millisecond)
	require.False(t, conn.IsClosed())

	// and the connection keeps working
	go func() {
		reqs := mock.WaitRequests(2, time.Second)
		mock.RespondTo(reqs[1], successFor(reqs[1], "after"))
	}()
	frames, err := conn.Execute(context.Background(), binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.NoError(t, err)
	require.Equal(t, "after", string(frames[0].Value))
}

func TestConnection_TooManyAbandonedCallsFailConnection(t *testing.T) {
	conn, mock := newMockConnection(t)
	conn.maxAbandoned = 2

	timeout := func() {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := conn.Execute(ctx, binprot.NewRequest(binprot.OpGet, "k", nil, nil))
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
	}

	// a late answer no longer counts against the connection
	timeout()
	reqs := mock.WaitRequests(1, time.Second)
	require.NoError(t, mock.RespondTo(reqs[0], binprot.NewResponse(reqs[0], binprot.StatusKeyNotFound)))
	require.Eventually(t, func() bool { return conn.InFlight() == 0 }, time.Second, time.Millisecond)

	timeout()
	require.False(t, conn.IsClosed())

	timeout()
	require.True(t, conn.IsClosed())
	require.ErrorIs(t, conn.Err(), ErrUnresponsive)
	var connErr *binprot.ConnectionError
	require.ErrorAs(t, conn.Err(), &connErr)
}

func TestConnection_Cancellation(t *testing.T) {
	conn, _ := newMockConnection(t)

	ctx, cancel := context.WithCancel(context.Background())
	token, err := conn.Send(ctx, binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.NoError(t, err)
	cancel()

	_, err = conn.Receive(ctx, token)
	require.ErrorIs(t, err, context.Canceled)

	var timeoutErr *TimeoutError
	require.False(t, errors.As(err, &timeoutErr))

	_, err = conn.Receive(context.Background(), token)
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestConnection_QuietMissesResolvedByNoop(t *testing.T) {
	conn, mock := newMockConnection(t)
	ctx := context.Background()

	tokens, err := conn.SendBatch(ctx, []*binprot.Request{
		binprot.NewRequest(binprot.OpGets, "miss", nil, nil),
		binprot.NewRequest(binprot.OpGets, "hit", nil, nil),
		binprot.NewRequest(binprot.OpNoop, "", nil, nil),
	})
	require.NoError(t, err)
	require.Len(t, tokens, 3)

	reqs := mock.WaitRequests(3, time.Second)
	require.Len(t, reqs, 3)
	go func() {
		mock.RespondTo(reqs[1], successFor(reqs[1], "here"))
		mock.RespondTo(reqs[2], binprot.NewResponse(reqs[2], binprot.StatusSuccess))
	}()

	frames, err := conn.Receive(ctx, tokens[0])
	require.NoError(t, err)
	require.Empty(t, frames)

	frames, err = conn.Receive(ctx, tokens[1])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "here", string(frames[0].Value))

	frames, err = conn.Receive(ctx, tokens[2])
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestConnection_StatFrames(t *testing.T) {
	conn, mock := newMockConnection(t)

	go func() {
		reqs := mock.WaitRequests(1, time.Second)
		for _, kv := range [][2]string{{"pid", "1"}, {"uptime", "2"}} {
			resp := binprot.NewResponse(reqs[0], binprot.StatusSuccess)
			resp.Key = kv[0]
			resp.Value = []byte(kv[1])
			mock.RespondTo(reqs[0], resp)
		}
		mock.RespondTo(reqs[0], binprot.NewResponse(reqs[0], binprot.StatusSuccess))
	}()

	frames, err := conn.Execute(context.Background(), binprot.NewRequest(binprot.OpStat, "", nil, nil))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, "pid", frames[0].Key)
	require.Equal(t, "uptime", frames[1].Key)
}

func TestConnection_InvalidRequestNotSent(t *testing.T) {
	conn, mock := newMockConnection(t)

	_, err := conn.Send(context.Background(), binprot.NewRequest(binprot.OpSet, "k", nil, []byte("v")))
	var argErr *binprot.ArgumentError
	require.ErrorAs(t, err, &argErr)

	_, err = conn.Send(context.Background(), binprot.NewRequest(binprot.OpGet, string(make([]byte, 251)), nil, nil))
	var keyErr *binprot.InvalidKeyError
	require.ErrorAs(t, err, &keyErr)

	require.Empty(t, mock.Requests())
	require.False(t, conn.IsClosed())
}

func TestConnection_WriteErrorClosesConnection(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.Close()

	_, err := conn.Send(context.Background(), binprot.NewRequest(binprot.OpNoop, "", nil, nil))
	var connErr *binprot.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.True(t, conn.IsClosed())
}

func TestConnection_Close(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock)

	token, err := conn.Send(context.Background(), binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.True(t, mock.IsClosed())

	_, err = conn.Receive(context.Background(), token)
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, conn.Err(), ErrConnectionClosed)
}

func TestConnection_ConcurrentCallers(t *testing.T) {
	conn, mock := newMockConnection(t)

	// echo server: answer every request with its key
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		answered := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			reqs := mock.WaitRequests(answered+1, 10*time.Millisecond)
			for _, req := range reqs[answered:] {
				mock.RespondTo(req, successFor(req, req.Key))
			}
			answered = len(reqs)
		}
	}()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := string(rune('a' + i))
			frames, err := conn.Execute(context.Background(), binprot.NewRequest(binprot.OpGet, key, nil, nil))
			if assert.NoError(t, err) {
				assert.Equal(t, key, string(frames[0].Value))
			}
		}()
	}
	wg.Wait()
}
