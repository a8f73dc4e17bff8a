package command

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matryer/is"
)

func TestEndpointIsDerivedFromBasePortAndUUID(t *testing.T) {
	is := is.New(t)
	id := uuid.MustParse("4f7c2a2e-6a0c-4f55-9d7e-2b8f1a4c9e01")

	ep := Endpoint(DefaultConfig(), domain.Device{ID: 7, UUID: id})
	is.Equal(ep, "ws://127.0.0.1:2340/4f7c2a2e-6a0c-4f55-9d7e-2b8f1a4c9e01")

	port := 9001
	ep = Endpoint(DefaultConfig(), domain.Device{ID: 7, UUID: id, WebsocketPort: &port})
	is.Equal(ep, "ws://127.0.0.1:9001/4f7c2a2e-6a0c-4f55-9d7e-2b8f1a4c9e01") // configured port should win
}

func TestThatOpenRunsBootstrapSequence(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := newPeer(t)
	defer peer.srv.Close()

	cfg := peer.config()
	cfg.Bootstrap = true
	cfg.BootstrapDelay = 10 * time.Millisecond

	m := New(ctx, cfg, nil, nil)
	is.NoErr(m.Open(ctx, peer.device))

	is.Equal(peer.next(t), "get status")
	is.Equal(peer.next(t), "vstick")
	is.Equal(peer.next(t), "vastick")
	is.Equal(peer.path(), "/"+peer.device.UUID.String())

	m.CloseAll()
}

func TestThatSendTransmitsLiteralCommand(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := newPeer(t)
	defer peer.srv.Close()

	m := New(ctx, peer.config(), nil, nil)
	is.NoErr(m.Open(ctx, peer.device))
	is.True(m.IsOpen(peer.device.ID))

	is.NoErr(m.Send(peer.device.ID, "height:12.5"))
	is.Equal(peer.next(t), "height:12.5")

	m.CloseAll()
}

func TestThatSendIsRejectedWithoutChannel(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := New(ctx, DefaultConfig(), nil, nil)

	err := m.Send(42, "up")
	is.True(errors.Is(err, ErrNoChannel)) // send without an open channel should be rejected
}

func TestThatHeartbeatIsSentWhileOpen(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := newPeer(t)
	defer peer.srv.Close()

	cfg := peer.config()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	m := New(ctx, cfg, nil, nil)
	is.NoErr(m.Open(ctx, peer.device))

	is.Equal(peer.next(t), Heartbeat)
	is.Equal(peer.next(t), Heartbeat)

	m.CloseAll()
}

func TestThatInboundFramesAndCloseAreReported(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := newPeer(t)
	peer.greeting = "battery:87"
	defer peer.srv.Close()

	frames := make(chan string, 1)
	closed := make(chan int, 1)

	m := New(ctx, peer.config(),
		func(ctx context.Context, deviceID int, frame string) { frames <- frame },
		func(deviceID int) { closed <- deviceID },
	)
	is.NoErr(m.Open(ctx, peer.device))

	select {
	case f := <-frames:
		is.Equal(f, "battery:87")
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound frame")
	}

	is.NoErr(m.Close(peer.device.ID))

	select {
	case id := <-closed:
		is.Equal(id, peer.device.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("close was not reported")
	}

	is.True(!m.IsOpen(peer.device.ID))
	is.True(errors.Is(m.Send(peer.device.ID, "up"), ErrNoChannel)) // closed channel should reject sends
}

func TestThatClosingReplacedChannelIsNotReported(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := newPeer(t)
	defer peer.srv.Close()

	closed := make(chan int, 1)
	m := New(ctx, peer.config(), nil, func(deviceID int) { closed <- deviceID }).(*manager)
	is.NoErr(m.Open(ctx, peer.device))

	m.mu.RLock()
	old := m.channels[peer.device.ID]
	m.mu.RUnlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, Endpoint(peer.config(), peer.device), nil)
	is.NoErr(err)

	newer := &channel{deviceID: peer.device.ID, conn: conn, log: old.log, done: make(chan struct{})}
	newer.ready.Store(true)
	defer newer.shutdown()

	m.mu.Lock()
	m.channels[peer.device.ID] = newer
	m.mu.Unlock()

	old.shutdown()

	select {
	case <-closed:
		t.Fatal("close of a replaced channel was reported")
	case <-time.After(200 * time.Millisecond):
	}

	is.True(m.IsOpen(peer.device.ID)) // the newer channel must stay registered
}

type peer struct {
	srv      *httptest.Server
	device   domain.Device
	greeting string

	mu       sync.Mutex
	reqPath  string
	received chan string
}

func newPeer(t *testing.T) *peer {
	p := &peer{
		device:   domain.Device{ID: 3, UUID: uuid.New()},
		received: make(chan string, 16),
	}

	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.reqPath = r.URL.Path
		p.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %s", err.Error())
			return
		}
		defer conn.Close()

		if p.greeting != "" {
			conn.WriteMessage(websocket.TextMessage, []byte(p.greeting))
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			p.received <- string(msg)
		}
	}))

	u, _ := url.Parse(p.srv.URL)
	port, _ := strconv.Atoi(u.Port())
	p.device.WebsocketPort = &port

	return p
}

func (p *peer) config() Config {
	u, _ := url.Parse(p.srv.URL)
	return Config{
		Host:           strings.Split(u.Host, ":")[0],
		ConnectTimeout: time.Second,
	}
}

func (p *peer) path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqPath
}

func (p *peer) next(t *testing.T) string {
	select {
	case msg := <-p.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("peer received nothing")
	}
	return ""
}
