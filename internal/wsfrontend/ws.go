// Package wsfrontend implements the gateway's WebSocket surface
// (spec.md §6 and §4.6): per-connection JSON-RPC request/response
// handling plus eth_subscribe/eth_unsubscribe fanout via subshub.Hub.
// Grounded on the teacher's libevm/rpcroute/http.go upgrade handling,
// using github.com/gorilla/websocket directly rather than go-ethereum's
// own rpc.Client server loop, since that loop assumes a single logical
// subscription id space per connection and this gateway's subscriptions
// are minted by the Hub, shared across every transport (spec.md §9
// "arena + handle").
package wsfrontend

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethereum/go-ethereum/log"

	"github.com/rpcmesh/gateway/internal/jsonrpc"
	"github.com/rpcmesh/gateway/internal/subshub"
)

// Dispatcher is the subset of Router the WS frontend needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, client string, req *jsonrpc.Request) *jsonrpc.Response
}

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	sendQueueDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	dispatcher Dispatcher
	log        log.Logger
}

func NewServer(dispatcher Dispatcher) *Server {
	return &Server{dispatcher: dispatcher, log: log.New("component", "wsfrontend")}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	sess := newSession(conn, s.dispatcher, r.RemoteAddr, s.log)
	sess.run()
}

// session is one client's websocket connection: it serializes writes
// through a single goroutine (gorilla connections are not safe for
// concurrent writers) and fans in both request/response traffic and
// subscription pushes onto that one writer.
type session struct {
	conn       *websocket.Conn
	dispatcher Dispatcher
	clientID   string
	log        log.Logger

	send chan json.RawMessage

	quit chan struct{}
}

func newSession(conn *websocket.Conn, d Dispatcher, clientID string, l log.Logger) *session {
	return &session{
		conn:       conn,
		dispatcher: d,
		clientID:   clientID,
		log:        l,
		send:       make(chan json.RawMessage, sendQueueDepth),
		quit:       make(chan struct{}),
	}
}

func (s *session) run() {
	defer s.conn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writeLoop() }()
	go func() { defer wg.Done(); s.readLoop() }()
	wg.Wait()
}

func (s *session) readLoop() {
	defer close(s.quit)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		go s.handleMessage(msg)
	}
}

func (s *session) handleMessage(msg []byte) {
	req, err := jsonrpc.ParseRequest(msg)
	if err != nil {
		s.enqueue(jsonrpc.Fail(jsonrpc.NullID, -32700, "parse error"))
		return
	}

	ctx := subshub.WithSinkProvider(context.Background(), s)
	resp := s.dispatcher.Dispatch(ctx, s.clientID, req)
	if req.IsNotification() {
		return
	}
	s.enqueue(resp)
}

func (s *session) enqueue(v interface{}) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.send <- encoded:
	case <-s.quit:
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// SinkFor implements subshub.SinkFor. Hub.Subscribe needs a ClientSink
// before it has minted the subscription id, so SinkFor hands back a
// fresh subscriptionSink whose id is filled in by SetID once the adapter
// learns it; Send blocks until that happens, which is at most until the
// SetID call that follows Hub.Subscribe.
func (s *session) SinkFor(clientID string) subshub.ClientSink {
	return &subscriptionSink{session: s, ready: make(chan struct{})}
}

type subscriptionSink struct {
	session *session
	id      string
	ready   chan struct{}
}

// SetID implements the optional interface subshub.JSONRPCAdapter probes
// for right after Hub.Subscribe mints an id, unblocking any Send/
// SendTerminal call already waiting on ready.
func (sink *subscriptionSink) SetID(id string) {
	sink.id = id
	close(sink.ready)
}

// notification is the eth_subscribe push envelope (spec.md §6).
type notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  paramsEnvelope `json:"params"`
}

type paramsEnvelope struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

func (sink *subscriptionSink) Send(result json.RawMessage) {
	<-sink.ready
	sink.session.enqueue(notification{
		JSONRPC: jsonrpc.Version,
		Method:  "eth_subscription",
		Params:  paramsEnvelope{Subscription: sink.id, Result: result},
	})
}

func (sink *subscriptionSink) SendTerminal(err error) {
	<-sink.ready
	sink.session.enqueue(jsonrpc.Fail(jsonrpc.NullID, -32000, "subscription "+sink.id+" terminated: "+err.Error()))
}
