package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/cinder/internal/events"
	"github.com/seantiz/cinder/internal/model"
)

type sseEvent struct {
	name string
	data string
}

// readSSE collects events until the stream ends.
func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestBundleEventsStream(t *testing.T) {
	env := newTestServer(t)
	run := env.createRun(t, map[string]any{"command": "sleep 1"})

	resp := env.do(t, http.MethodGet, "/v1/bundles/"+run.UUID+"/events", nil)
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.disp.Kill(t.Context(), run.UUID, "stop")
	}()

	done := make(chan []sseEvent, 1)
	go func() { done <- readSSE(t, resp) }()

	var got []sseEvent
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end after the bundle failed")
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(got), got)
	}
	var first, last events.Event
	json.Unmarshal([]byte(got[0].data), &first)
	json.Unmarshal([]byte(got[1].data), &last)
	if got[0].name != "state" || first.To != model.StateStaged {
		t.Errorf("first event = %s %+v", got[0].name, first)
	}
	if got[1].name != "state" || last.From != model.StateStaged || last.To != model.StateFailed || !last.Terminal {
		t.Errorf("second event = %s %+v", got[1].name, last)
	}
	if got[2].name != "done" {
		t.Errorf("last event = %q, want done", got[2].name)
	}
}

func TestBundleEventsTerminal(t *testing.T) {
	env := newTestServer(t)
	b := env.dataset(t, "x.txt", "x")

	resp := env.do(t, http.MethodGet, "/v1/bundles/"+b.UUID+"/events", nil)
	wantStatus(t, resp, http.StatusOK)
	got := readSSE(t, resp)
	if len(got) != 2 || got[1].name != "done" {
		t.Fatalf("events = %+v", got)
	}
	if !strings.Contains(got[0].data, `"to":"ready"`) {
		t.Errorf("current state = %s", got[0].data)
	}

	resp = env.do(t, http.MethodGet, "/v1/bundles/0xnope/events", nil)
	wantStatus(t, resp, http.StatusNotFound)
}
