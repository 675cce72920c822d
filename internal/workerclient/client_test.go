package workerclient

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/cinder/internal/app/apptest"
	"github.com/seantiz/cinder/internal/broker"
	"github.com/seantiz/cinder/internal/model"
)

func TestResponseErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   error
		msg    string
	}{
		{http.StatusBadRequest, `{"error":"bad input"}`, model.ErrValidation, "bad input"},
		{http.StatusNotFound, `{"error":"no such bundle"}`, model.ErrNotFound, "no such bundle"},
		{http.StatusConflict, `{"error":"frozen"}`, model.ErrConflict, "frozen"},
		{http.StatusGatewayTimeout, `{"error":"worker did not reply"}`, model.ErrTimeout, "worker did not reply"},
		{http.StatusBadGateway, "upstream down", model.ErrTransport, "upstream down"},
		{http.StatusInternalServerError, "", model.ErrTransport, "500"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get(userHeader); got != "worker:w1" {
					t.Errorf("%s = %q", userHeader, got)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			err := New(ts.URL, "w1", nil).Reply(t.Context(), 7, map[string]string{"ok": "yes"})
			if !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want kind %v", err, tt.kind)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("err = %q, want it to mention %q", err, tt.msg)
			}
		})
	}
}

func TestUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(url, "w1", nil).Checkin(t.Context(), model.WorkerInfo{}, 0)
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
}

func TestClientAgainstServer(t *testing.T) {
	cfg := apptest.Config(t)
	cfg.ReplyTimeout = 100 * time.Millisecond
	srv := apptest.Start(t, cfg)
	c := New(srv.URL+"/", "w1", nil)

	msg, err := c.Checkin(t.Context(), model.WorkerInfo{Capacity: model.Resources{CPUs: 1}}, 10*time.Millisecond)
	if err != nil || msg != nil {
		t.Fatalf("Checkin = %+v, %v; want no message", msg, err)
	}
	if _, ok := srv.Broker.Registry().Get("w1"); !ok {
		t.Error("worker not registered after checkin")
	}

	started, err := c.StartBundle(t.Context(), "0xmissing", 1)
	if started || !errors.Is(err, model.ErrNotFound) {
		t.Errorf("StartBundle unknown = %v, %v", started, err)
	}

	if err := c.ReplyData(t.Context(), 12345, model.ContentReply{}, strings.NewReader("x")); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("ReplyData without waiter = %v, want not found", err)
	}

	if _, err := c.Download(t.Context(), "0xmissing", "", 0); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Download unknown = %v", err)
	}
}

func TestCheckinDeliversQueuedMessage(t *testing.T) {
	srv := apptest.Start(t, apptest.Config(t))
	c := New(srv.URL, "w1", nil)
	if _, err := c.Checkin(t.Context(), model.WorkerInfo{}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Broker.Send("w1", broker.MsgKill, "0xabc", model.KillRequest{Reason: "test"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, err := c.Checkin(t.Context(), model.WorkerInfo{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.Type != broker.MsgKill || msg.BundleUUID != "0xabc" {
		t.Fatalf("message = %+v", msg)
	}
}
