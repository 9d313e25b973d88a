package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/events"
	"github.com/nugget/replay-agent/internal/llm"
	"github.com/nugget/replay-agent/internal/replay"
	"github.com/nugget/replay-agent/internal/tools"
)

// replayTransport answers every query from a fixed list of steps,
// repeating the last one.
type replayTransport struct {
	mu    sync.Mutex
	steps [][]llm.Chunk
	reqs  []*llm.Request
}

func (r *replayTransport) Stream(_ context.Context, req *llm.Request) (llm.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.reqs)
	r.reqs = append(r.reqs, req)
	return &chunkStream{chunks: r.steps[min(n, len(r.steps)-1)]}, nil
}

type chunkStream struct {
	chunks []llm.Chunk
}

func (s *chunkStream) Recv() (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *chunkStream) Close() error { return nil }

var (
	finish   = llm.Chunk{Kind: llm.ChunkFinish}
	doneStep = []llm.Chunk{{Kind: llm.ChunkText, Text: "done"}, finish}
)

type countingSink struct {
	mu    sync.Mutex
	found []replay.Finding
}

func (c *countingSink) ReportFinding(_ context.Context, f replay.Finding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.found = append(c.found, f)
	return nil
}

func (c *countingSink) CountBySeverity(_ context.Context, sessionID string) (map[replay.Severity]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[replay.Severity]int{}
	for _, f := range c.found {
		if f.SessionID == sessionID {
			out[f.Severity]++
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T, tr llm.Transport) (*Registry, *replay.Store, *events.Bus) {
	t.Helper()
	store := replay.NewStore()
	bus := events.New()
	reg := NewRegistry(Options{
		Sessions:  store,
		Transport: tr,
		Tools:     tools.BuiltinRegistry(tools.Options{}),
		Responses: store,
		Findings:  &countingSink{},
		Bus:       bus,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return reg, store, bus
}

func createSession(t *testing.T, store *replay.Store) string {
	t.Helper()
	sess, err := store.CreateSession(draft.Connection{Host: "target.test", Port: 80}, "GET /x HTTP/1.1\r\nHost: target.test\r\n\r\n")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess.ID
}

func TestRegistry_AgentIsLazyAndUnique(t *testing.T) {
	reg, store, bus := newTestRegistry(t, &replayTransport{steps: [][]llm.Chunk{doneStep}})
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)
	id := createSession(t, store)

	if _, ok := reg.Lookup(id); ok {
		t.Fatal("agent exists before first access")
	}

	var wg sync.WaitGroup
	got := make([]any, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := reg.Agent(context.Background(), id)
			if err != nil {
				t.Errorf("Agent: %v", err)
				return
			}
			got[i] = a
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("registry built more than one agent for a session")
		}
	}
	if ids := reg.IDs(); len(ids) != 1 || ids[0] != id {
		t.Errorf("IDs = %v", ids)
	}

	opened := 0
	for len(ch) > 0 {
		if ev := <-ch; ev.Kind == events.KindSessionOpened && ev.SessionID() == id {
			opened++
		}
	}
	if opened != 1 {
		t.Errorf("session_opened events = %d, want 1", opened)
	}
}

func TestRegistry_UnknownSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t, &replayTransport{steps: [][]llm.Chunk{doneStep}})
	if _, err := reg.Agent(context.Background(), "missing"); !errors.Is(err, replay.ErrSessionGone) {
		t.Errorf("err = %v, want ErrSessionGone", err)
	}
}

func TestRegistry_DraftWriteBack(t *testing.T) {
	tr := &replayTransport{steps: [][]llm.Chunk{
		{
			{Kind: llm.ChunkToolCall, ToolCall: &llm.ToolCallDelta{Index: 0, ID: "c1", Name: "setRequestMethod", Arguments: `{"method":"POST"}`}},
			finish,
		},
		doneStep,
	}}
	reg, store, _ := newTestRegistry(t, tr)
	id := createSession(t, store)

	a, err := reg.Agent(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Run(context.Background(), "make it a POST"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sess, err := store.Session(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sess.Raw, "POST /x HTTP/1.1") {
		t.Errorf("stored raw = %q", sess.Raw)
	}
}

func TestRegistry_FindingsInContext(t *testing.T) {
	tr := &replayTransport{steps: [][]llm.Chunk{
		{
			{Kind: llm.ChunkToolCall, ToolCall: &llm.ToolCallDelta{Index: 0, ID: "c1", Name: "reportFinding",
				Arguments: `{"title":"Open redirect","description":"next= is unchecked","severity":"medium"}`}},
			finish,
		},
		doneStep,
	}}
	reg, store, _ := newTestRegistry(t, tr)
	id := createSession(t, store)

	a, _ := reg.Agent(context.Background(), id)
	if err := a.Run(context.Background(), "look for redirects"); err != nil {
		t.Fatal(err)
	}

	msgs := tr.reqs[1].Messages
	if ctx := msgs[len(msgs)-1].Content; !strings.Contains(ctx, "medium: 1") {
		t.Errorf("follow-up context = %q", ctx)
	}
}

func TestRegistry_Discard(t *testing.T) {
	reg, store, bus := newTestRegistry(t, &replayTransport{steps: [][]llm.Chunk{doneStep}})
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)
	id := createSession(t, store)

	first, _ := reg.Agent(context.Background(), id)
	if !reg.Discard(id) {
		t.Fatal("Discard reported no agent")
	}
	if reg.Discard(id) {
		t.Error("second Discard reported an agent")
	}
	second, _ := reg.Agent(context.Background(), id)
	if first == second {
		t.Error("expected a fresh agent after Discard")
	}

	closed := false
	for len(ch) > 0 {
		if ev := <-ch; ev.Kind == events.KindSessionClosed {
			closed = true
		}
	}
	if !closed {
		t.Error("no session_closed event")
	}
}

// racingStore lets a lookup run the moment a session leaves the store.
type racingStore struct {
	*replay.Store
	afterDelete func(id string)
}

func (s *racingStore) DeleteSession(id string) error {
	if err := s.Store.DeleteSession(id); err != nil {
		return err
	}
	s.afterDelete(id)
	return nil
}

func TestRegistry_Delete(t *testing.T) {
	store := &racingStore{Store: replay.NewStore()}
	bus := events.New()
	reg := NewRegistry(Options{
		Sessions:  store,
		Transport: &replayTransport{steps: [][]llm.Chunk{doneStep}},
		Tools:     tools.BuiltinRegistry(tools.Options{}),
		Responses: store,
		Bus:       bus,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	id := createSession(t, store.Store)
	if _, err := reg.Agent(context.Background(), id); err != nil {
		t.Fatalf("Agent: %v", err)
	}

	// A message landing mid-delete must not leave an agent behind.
	looked := false
	store.afterDelete = func(id string) {
		looked = true
		reg.Agent(context.Background(), id)
	}
	if err := reg.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := reg.Lookup(id); ok {
		t.Error("agent still registered after Delete")
	}
	if !looked {
		t.Fatal("store delete hook never ran")
	}
	if _, err := reg.Agent(context.Background(), id); !errors.Is(err, replay.ErrSessionGone) {
		t.Errorf("Agent after Delete error = %v, want ErrSessionGone", err)
	}
	if err := reg.Delete(id); !errors.Is(err, replay.ErrSessionGone) {
		t.Errorf("second Delete error = %v, want ErrSessionGone", err)
	}
}

func TestRegistry_Close(t *testing.T) {
	reg, store, _ := newTestRegistry(t, &replayTransport{steps: [][]llm.Chunk{doneStep}})
	id := createSession(t, store)
	if _, err := reg.Agent(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	reg.Close()
	if _, err := reg.Agent(context.Background(), id); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if len(reg.IDs()) != 0 {
		t.Error("agents remain after Close")
	}
}
