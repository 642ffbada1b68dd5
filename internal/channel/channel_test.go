package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTargetFor(t *testing.T) {
	if got := TargetFor(""); got != "storybook-preview-iframe" {
		t.Fatalf("expected local target, got %q", got)
	}
	if got := TargetFor("ref"); got != "storybook-ref-ref" {
		t.Fatalf("expected ref target, got %q", got)
	}
	if refID, ok := ParseTarget("storybook-ref-design"); !ok || refID != "design" {
		t.Fatalf("expected ref target to parse, got %q %v", refID, ok)
	}
	if _, ok := ParseTarget("storybook-ref-"); ok {
		t.Fatalf("expected empty ref target to be rejected")
	}
	if _, ok := ParseTarget("elsewhere"); ok {
		t.Fatalf("expected unrelated target to be rejected")
	}
}

func TestPipePreservesOrder(t *testing.T) {
	a, b := NewPipe(4)
	ctx := context.Background()
	for _, name := range []string{"first", "second", "third"} {
		if err := a.Send(ctx, Message{Type: name}); err != nil {
			t.Fatalf("send %s failed: %v", name, err)
		}
	}
	for _, want := range []string{"first", "second", "third"} {
		msg, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
		if msg.Type != want {
			t.Fatalf("expected %s, got %s", want, msg.Type)
		}
	}
	_ = a.Close()
	if err := b.Send(ctx, Message{Type: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed pipe to reject sends, got %v", err)
	}
}

func TestMuxTagsSourcesAndRoutesTargets(t *testing.T) {
	mux := NewMux(MuxOptions{})
	defer mux.Close()
	localServer, localPreview := NewPipe(4)
	refServer, refPreview := NewPipe(4)
	if err := mux.Attach(LocalSource(), localServer); err != nil {
		t.Fatalf("attach local failed: %v", err)
	}
	if err := mux.Attach(RefSource("design"), refServer); err != nil {
		t.Fatalf("attach ref failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := refPreview.Send(ctx, Message{Type: "storyPrepared", Source: &Source{Type: SourceLocal}}); err != nil {
		t.Fatalf("ref send failed: %v", err)
	}
	msg, err := mux.Receive(ctx)
	if err != nil {
		t.Fatalf("mux receive failed: %v", err)
	}
	if got := msg.SourceOrLocal(); got.IsLocal() || got.RefID != "design" {
		t.Fatalf("expected transport to tag ref source regardless of sender claims, got %+v", got)
	}

	update, err := NewMessage("updateStoryArgs", map[string]any{"storyId": "a--1"}, TargetFor("design"))
	if err != nil {
		t.Fatalf("build message failed: %v", err)
	}
	if err := mux.Send(ctx, update); err != nil {
		t.Fatalf("mux send failed: %v", err)
	}
	routed, err := refPreview.Receive(ctx)
	if err != nil || routed.Type != "updateStoryArgs" {
		t.Fatalf("expected ref preview to receive update, got %+v %v", routed, err)
	}

	if err := mux.Send(ctx, Message{Type: "resetStoryArgs"}); err != nil {
		t.Fatalf("send to local failed: %v", err)
	}
	if routed, err := localPreview.Receive(ctx); err != nil || routed.Type != "resetStoryArgs" {
		t.Fatalf("expected untargeted message on local preview, got %+v %v", routed, err)
	}

	unknown := Message{Type: "x", Options: &Options{Target: "storybook-ref-missing"}}
	if err := mux.Send(ctx, unknown); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected unknown target error, got %v", err)
	}
	garbage := Message{Type: "x", Options: &Options{Target: "somewhere"}}
	if err := mux.Send(ctx, garbage); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected unknown target error, got %v", err)
	}
}

func TestMuxRejectsExternalSourceWithoutRef(t *testing.T) {
	mux := NewMux(MuxOptions{})
	defer mux.Close()
	conn, _ := NewPipe(1)
	if err := mux.Attach(Source{Type: SourceExternal}, conn); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	received := make(chan Message, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, WebSocketOptions{})
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close()
		msg, err := conn.Receive(r.Context())
		if err != nil {
			t.Errorf("server receive failed: %v", err)
			return
		}
		received <- msg
		reply, _ := NewMessage("storyPrepared", map[string]any{"id": "a--1"}, "")
		if err := conn.Send(r.Context(), reply); err != nil {
			t.Errorf("server send failed: %v", err)
		}
		// Hold the connection open until the client hangs up.
		_, _ = conn.Receive(r.Context())
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), WebSocketOptions{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	out, _ := NewMessage("updateStoryArgs", map[string]any{"storyId": "a--1"}, TargetLocal)
	if err := client.Send(ctx, out); err != nil {
		t.Fatalf("client send failed: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Type != "updateStoryArgs" || msg.Target() != TargetLocal {
			t.Fatalf("unexpected message on server: %+v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for server to receive")
	}

	reply, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("client receive failed: %v", err)
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(reply.Payload, &payload); err != nil || payload.ID != "a--1" {
		t.Fatalf("unexpected reply payload %s: %v", reply.Payload, err)
	}
}

func TestMuxServeReturnsWhenConnectionCloses(t *testing.T) {
	mux := NewMux(MuxOptions{})
	defer mux.Close()
	server, client := NewPipe(2)
	done := make(chan error, 1)
	go func() {
		done <- mux.Serve(RefSource("design"), server)
	}()
	if err := client.Send(context.Background(), Message{Type: "setStories"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	msg, err := mux.Receive(context.Background())
	if err != nil || msg.SourceOrLocal().RefID != "design" {
		t.Fatalf("expected tagged message, got %+v %v", msg, err)
	}
	_ = client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after close")
	}
	if _, refs := mux.Connected(); len(refs) != 0 {
		t.Fatalf("expected ref to be detached, got %v", refs)
	}
}
