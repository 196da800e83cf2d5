package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type fakeAPI struct {
	mu       sync.Mutex
	probeErr error
	sendErr  error
	sent     []string
	to       []string
}

func (f *fakeAPI) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, what.(string))
	f.to = append(f.to, to.Recipient())
	return &tele.Message{ID: len(f.sent)}, nil
}

func (f *fakeAPI) Raw(method string, payload interface{}) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(`{"ok":true}`), f.probeErr
}

func TestProbeTransitionFiresHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := &fakeAPI{}
	a := newWithAPI(Config{}, api, logx.Nop())

	var order []string
	a.OnReady(func(context.Context) { order = append(order, "flush") })
	a.OnReady(func(context.Context) { order = append(order, "sweep") })

	a.probe(ctx)
	if !a.IsReady() {
		t.Fatalf("expected ready after successful probe")
	}
	a.probe(ctx)
	if got := strings.Join(order, ","); got != "flush,sweep" {
		t.Fatalf("hooks = %q, want one flush,sweep pass", got)
	}

	api.mu.Lock()
	api.probeErr = errors.New("dial tcp: i/o timeout")
	api.mu.Unlock()
	a.probe(ctx)
	if a.IsReady() {
		t.Fatalf("expected not ready after failed probe")
	}

	api.mu.Lock()
	api.probeErr = nil
	api.mu.Unlock()
	a.probe(ctx)
	if got := strings.Join(order, ","); got != "flush,sweep,flush,sweep" {
		t.Fatalf("hooks after reconnect = %q", got)
	}
}

func TestSendNotReadyIsUnavailable(t *testing.T) {
	t.Parallel()
	a := newWithAPI(Config{}, &fakeAPI{}, logx.Nop())
	err := a.SendToChannel(context.Background(), "@digest", "hello")
	if !errors.Is(err, kit.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "network", err: errors.New("telebot: Post: connection reset by peer"), unavailable: true},
		{name: "server", err: &tele.Error{Code: 502, Description: "Bad Gateway"}, unavailable: true},
		{name: "bad request", err: &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, unavailable: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{sendErr: tt.err}
			a := newWithAPI(Config{}, api, logx.Nop())
			a.ready.Store(true)

			err := a.SendToChannel(context.Background(), "@digest", "hello")
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := errors.Is(err, kit.ErrUnavailable); got != tt.unavailable {
				t.Fatalf("ErrUnavailable = %v, want %v (err=%v)", got, tt.unavailable, err)
			}
			if a.IsReady() == tt.unavailable {
				t.Fatalf("ready = %v after %s", a.IsReady(), tt.name)
			}
		})
	}
}

func TestSendSplitsLongText(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	a := newWithAPI(Config{}, api, logx.Nop())
	a.ready.Store(true)

	line := strings.Repeat("x", 99) + "\n"
	text := strings.Repeat(line, 100)
	if err := a.SendToChannel(context.Background(), "-1001234", text); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(api.sent) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(api.sent))
	}
	for _, c := range api.sent {
		if utf8.RuneCountInString(c) > telegramTextLimit {
			t.Fatalf("chunk exceeds limit: %d", utf8.RuneCountInString(c))
		}
	}
	if api.to[0] != "-1001234" {
		t.Fatalf("recipient = %q", api.to[0])
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	got := splitTelegramText("aaaa\nbbbb\ncccc", 10, "")
	want := []string{"aaaa\nbbbb", "cccc"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("split = %q, want %q", got, want)
	}

	html := "<b>one</b> <i>two</i>"
	for _, c := range splitTelegramText(html, 14, "HTML") {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk %q splits a tag", c)
		}
	}
}
