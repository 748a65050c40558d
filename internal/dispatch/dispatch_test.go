package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recorder struct {
	got []Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	boom := errors.New("down")
	a, b := &recorder{err: boom}, &recorder{}
	err := Fanout{a, b}.Notify(context.Background(), Notification{Audience: Rider, RecipientID: "u1", Kind: KindRideAccepted})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected both channels to be tried, got %d and %d", len(a.got), len(b.got))
	}
}

func TestRoutingKey(t *testing.T) {
	if got := routingKey(Notification{Audience: Driver, RecipientID: "d9"}); got != "driver.d9" {
		t.Fatalf("unexpected routing key %q", got)
	}
}

func TestHTTPDispatcher(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL)
	if err := d.Notify(context.Background(), Notification{Audience: Driver, RecipientID: "d1", Kind: KindRideOffer}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `"kind":"RIDE_OFFER"`) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestHTTPDispatcherRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewHTTPDispatcher(srv.URL).Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWSRegistryDelivers(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(Driver, "d1", conn)
		close(registered)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	<-registered

	if err := reg.Notify(context.Background(), Notification{Audience: Rider, RecipientID: "d1"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("riders and drivers must not share sessions, got %v", err)
	}
	if err := reg.Notify(context.Background(), Notification{Audience: Driver, RecipientID: "d1", Kind: KindRideOffer}); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var n Notification
	if err := json.Unmarshal(msg, &n); err != nil || n.Kind != KindRideOffer {
		t.Fatalf("unexpected message %s (%v)", msg, err)
	}
}
