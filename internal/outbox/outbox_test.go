package outbox

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type fakeConn struct {
	transport.ReadyHooks

	mu        sync.Mutex
	down      bool
	failAfter int // fail once this many sends succeeded; <0 disables
	reject    string
	got       []string
}

func newFakeConn() *fakeConn { return &fakeConn{failAfter: -1} }

func (f *fakeConn) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *fakeConn) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeConn) SendToChannel(ctx context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || (f.failAfter >= 0 && len(f.got) >= f.failAfter) {
		return transport.ErrUnavailable
	}
	if text == f.reject {
		return errors.New("bad request")
	}
	f.got = append(f.got, text)
	return nil
}

func (f *fakeConn) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func newTestOutbox(conn transport.Adapter, maxAttempts int) *Outbox {
	return New(Config{MaxAttempts: maxAttempts, RatePerSec: 10000, Burst: 100}, conn, logx.Nop())
}

func TestSendDeliversImmediately(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	o := newTestOutbox(conn, 3)
	committed := 0
	res, err := o.SendBatch(context.Background(), "@c", []string{"a", "b"}, func() { committed++ })
	if err != nil {
		t.Fatalf("SendBatch error: %v", err)
	}
	if res.Delivered != 2 || res.Queued != 0 || committed != 1 {
		t.Fatalf("res=%+v committed=%d", res, committed)
	}
}

func TestOrderingUnderReconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := newFakeConn()
	conn.setDown(true)
	o := newTestOutbox(conn, 5)

	for _, m := range []string{"A", "B", "C"} {
		res, err := o.Send(ctx, "@c", m)
		if err != nil || res.Queued != 1 {
			t.Fatalf("Send(%s) = %+v, %v", m, res, err)
		}
	}
	if d := o.Depth(); d != 3 {
		t.Fatalf("depth = %d, want 3", d)
	}

	conn.setDown(false)
	// A new message while older ones wait must queue behind them.
	if res, _ := o.Send(ctx, "@c", "D"); res.Queued != 1 {
		t.Fatalf("expected D to queue behind backlog, got %+v", res)
	}

	rep := o.Flush(ctx)
	if rep.Delivered != 4 || rep.Remaining != 0 {
		t.Fatalf("flush report %+v", rep)
	}
	if got := conn.delivered(); !reflect.DeepEqual(got, []string{"A", "B", "C", "D"}) {
		t.Fatalf("delivered %v, want A B C D", got)
	}
}

func TestBatchCommitsOnlyAfterFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := newFakeConn()
	conn.failAfter = 1
	o := newTestOutbox(conn, 5)

	committed := 0
	res, err := o.SendBatch(ctx, "@c", []string{"p1", "p2", "p3"}, func() { committed++ })
	if err != nil {
		t.Fatalf("SendBatch error: %v", err)
	}
	if res.Delivered != 1 || res.Queued != 2 || committed != 0 {
		t.Fatalf("res=%+v committed=%d", res, committed)
	}

	conn.mu.Lock()
	conn.failAfter = -1
	conn.mu.Unlock()
	o.Flush(ctx)
	if committed != 1 {
		t.Fatalf("commit count after flush = %d, want 1", committed)
	}
	o.Flush(ctx)
	if committed != 1 {
		t.Fatalf("commit ran again on empty flush")
	}
	if got := conn.delivered(); !reflect.DeepEqual(got, []string{"p1", "p2", "p3"}) {
		t.Fatalf("delivered %v", got)
	}
}

func TestFlushBoundedCycles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := newFakeConn()
	conn.setDown(true)
	o := newTestOutbox(conn, 3)

	committed := false
	_, _ = o.SendBatch(ctx, "@c", []string{"x1", "x2"}, func() { committed = true })
	_, _ = o.Send(ctx, "@c", "y")

	for i := 0; i < 2; i++ {
		rep := o.Flush(ctx)
		if rep.Dropped != 0 || rep.Remaining != 3 {
			t.Fatalf("cycle %d: %+v", i, rep)
		}
	}
	rep := o.Flush(ctx)
	if rep.Dropped != 2 || rep.Remaining != 1 {
		t.Fatalf("third cycle should drop batch x: %+v", rep)
	}
	if committed {
		t.Fatalf("dropped batch must not commit")
	}

	conn.setDown(false)
	o.Flush(ctx)
	if got := conn.delivered(); !reflect.DeepEqual(got, []string{"y"}) {
		t.Fatalf("delivered %v, want [y]", got)
	}
	if st := o.Status(); st.Dropped != 2 || st.Depth != 0 || st.Delivered != 1 {
		t.Fatalf("status %+v", st)
	}
}

func TestFlushDropsRejectedBatchAndContinues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := newFakeConn()
	conn.setDown(true)
	conn.reject = "bad"
	o := newTestOutbox(conn, 5)

	_, _ = o.SendBatch(ctx, "@c", []string{"bad", "tail"}, nil)
	_, _ = o.Send(ctx, "@c", "good")

	conn.setDown(false)
	rep := o.Flush(ctx)
	if rep.Dropped != 2 || rep.Delivered != 1 {
		t.Fatalf("report %+v", rep)
	}
	if got := conn.delivered(); !reflect.DeepEqual(got, []string{"good"}) {
		t.Fatalf("delivered %v", got)
	}
}

func TestSendNonConnectivityErrorIsReturned(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.reject = "bad"
	o := newTestOutbox(conn, 5)
	committed := false
	_, err := o.SendBatch(context.Background(), "@c", []string{"bad"}, func() { committed = true })
	if err == nil || committed || o.Depth() != 0 {
		t.Fatalf("err=%v committed=%v depth=%d", err, committed, o.Depth())
	}
}
