package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/netmsg"
	"github.com/Klingon-tech/klingnet-chain/internal/node"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/gorilla/websocket"
)

// wsConn is the gorilla/websocket transport satisfying netmsg.MessageSender:
// one per peer connection, writing each outbound Message as a single JSON
// text frame.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// wsFrameLimit bounds the raw websocket frame gorilla will accept, not just
// the decoded Message.Payload: the outer Message struct base64-encodes
// Payload before it hits the wire, so the frame runs larger than
// netmsg.MaxMessageSize by itself. A peer exceeding this has the connection
// closed by gorilla before ReadMessage ever returns.
const wsFrameLimit = 2 * netmsg.MaxMessageSize

func (w *wsConn) SendMessage(msg netmsg.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// serveConn reads framed Messages off conn until it closes, handing each
// to disp. It's shared by both the accept side and the dial side: once a
// websocket connection and its Dispatcher exist, the read loop doesn't
// care which end initiated it.
func serveConn(conn *websocket.Conn, disp *netmsg.Dispatcher) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			klog.Netmsg.Debug().Err(err).Msg("peer connection closed")
			return
		}
		var msg netmsg.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			klog.Netmsg.Debug().Err(err).Msg("malformed frame from peer")
			continue
		}
		if err := disp.DeliverMessage(msg); err != nil {
			klog.Netmsg.Debug().Err(err).Str("kind", msg.Kind.String()).Msg("dispatch error")
		}
	}
}

// peerRegistry tracks every connected peer's sender so a locally mined
// block can be broadcast to all of them. It knows nothing about the
// Dispatcher or chain state — just "who can I send a Message to right now."
type peerRegistry struct {
	mu    sync.Mutex
	peers map[*wsConn]struct{}
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{peers: make(map[*wsConn]struct{})}
}

func (r *peerRegistry) add(wc *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[wc] = struct{}{}
}

func (r *peerRegistry) remove(wc *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, wc)
}

// broadcast sends msg to every currently connected peer, logging any that
// fail to write; a failed peer stays registered until its own read loop
// notices the closed connection and calls remove.
func (r *peerRegistry) broadcast(msg netmsg.Message) {
	r.mu.Lock()
	targets := make([]*wsConn, 0, len(r.peers))
	for wc := range r.peers {
		targets = append(targets, wc)
	}
	r.mu.Unlock()

	for _, wc := range targets {
		if err := wc.SendMessage(msg); err != nil {
			klog.Netmsg.Debug().Err(err).Msg("broadcast to peer failed")
		}
	}
}

// wsServer accepts inbound peer connections over a websocket listener, one
// Dispatcher per connection, all sharing n's chain and mempool.
type wsServer struct {
	n        *node.Node
	peers    *peerRegistry
	upgrader websocket.Upgrader
}

func newWSServer(n *node.Node, peers *peerRegistry) *wsServer {
	return &wsServer{n: n, peers: peers, upgrader: websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Peer-to-peer node connections, not browser clients — same-origin
		// checks don't apply.
		CheckOrigin: func(r *http.Request) bool { return true },
	}}
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Netmsg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(wsFrameLimit)
	wc := &wsConn{conn: conn}
	disp := s.n.NewPeerDispatcher(wc)
	s.peers.add(wc)
	defer s.peers.remove(wc)
	serveConn(conn, disp)
}

// dialPeer connects out to a seed peer's ws:// or wss:// address and wires
// it into the node the same way an inbound connection would be.
func dialPeer(n *node.Node, peers *peerRegistry, addr string) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetReadLimit(wsFrameLimit)
	wc := &wsConn{conn: conn}
	disp := n.NewPeerDispatcher(wc)

	hello, err := netmsg.EncodeHello(netmsg.Hello{
		Version: netmsg.ProtocolVersion,
		Height:  n.Chain().Height(),
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := wc.SendMessage(hello); err != nil {
		conn.Close()
		return fmt.Errorf("send hello to %s: %w", addr, err)
	}

	peers.add(wc)
	go func() {
		defer peers.remove(wc)
		serveConn(conn, disp)
	}()
	return nil
}
