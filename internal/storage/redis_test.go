package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	logx "digestbot/pkg/logx"
)

func openTestRedis(t *testing.T) (*miniredis.Miniredis, Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := Open(Config{Driver: "redis", RedisAddr: mr.Addr(), KeyPrefix: "test"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return mr, st
}

func TestRedisStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, st := openTestRedis(t)

	if _, ok, err := st.GetRun(ctx, "morning"); ok || err != nil {
		t.Fatalf("GetRun on empty store = ok %v err %v", ok, err)
	}

	at := time.Date(2025, 3, 10, 8, 0, 5, 0, time.UTC)
	if err := st.PutRun(ctx, RunRow{SlotID: "morning", LastRunAt: at, LastContentHash: "abc"}); err != nil {
		t.Fatalf("PutRun error: %v", err)
	}
	if err := st.PutRun(ctx, RunRow{SlotID: "evening", LastRunAt: at.Add(10 * time.Hour)}); err != nil {
		t.Fatalf("PutRun error: %v", err)
	}
	if err := st.PutRun(ctx, RunRow{}); err == nil {
		t.Fatalf("expected an error for an empty slot id")
	}

	row, ok, err := st.GetRun(ctx, "morning")
	if err != nil || !ok {
		t.Fatalf("GetRun = ok %v err %v", ok, err)
	}
	if !row.LastRunAt.Equal(at) || row.LastContentHash != "abc" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if !mr.Exists("test:runs") {
		t.Fatalf("runs hash not under the configured prefix")
	}

	mr.HSet("test:runs", "broken", "{not json")
	rows, err := st.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(rows) != 2 || rows[0].SlotID != "evening" || rows[1].SlotID != "morning" {
		t.Fatalf("ListRuns = %+v", rows)
	}
}

func TestRedisStoreSeenExpires(t *testing.T) {
	ctx := context.Background()
	mr, st := openTestRedis(t)

	at := time.UnixMilli(time.Now().UnixMilli())
	if err := st.PutSeen(ctx, "abc", at, time.Minute); err != nil {
		t.Fatalf("PutSeen error: %v", err)
	}
	got, ok, err := st.GetSeen(ctx, "abc")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("GetSeen = %v ok %v err %v", got, ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, err := st.GetSeen(ctx, "abc"); ok || err != nil {
		t.Fatalf("expected expired hash, ok %v err %v", ok, err)
	}
}
