package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"digestbot/internal/transport"
)

func TestSendWritesAndCounts(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	a := New(&buf)
	if err := a.SendToChannel(context.Background(), "@news", "hello"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "[@news]\nhello") {
		t.Fatalf("output = %q", buf.String())
	}
	if a.Sent() != 1 {
		t.Fatalf("Sent() = %d", a.Sent())
	}
}

func TestNotReadyIsUnavailable(t *testing.T) {
	t.Parallel()
	a := New(&bytes.Buffer{})
	a.SetReady(context.Background(), false)
	err := a.SendToChannel(context.Background(), "@news", "hello")
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestReadyHooksFireOnTransition(t *testing.T) {
	t.Parallel()
	a := New(&bytes.Buffer{})
	var order []string
	a.OnReady(func(context.Context) { order = append(order, "flush") })
	a.OnReady(func(context.Context) { order = append(order, "sweep") })

	ctx := context.Background()
	a.Start(ctx)
	a.SetReady(ctx, true) // already ready, no transition
	a.SetReady(ctx, false)
	a.SetReady(ctx, true)

	want := "flush,sweep,flush,sweep"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("hooks = %s, want %s", got, want)
	}
}
