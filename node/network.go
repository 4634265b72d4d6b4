package node

import (
	"fmt"
	"sort"

	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/types"
)

// Peer receives messages from a LocalNetwork.
type Peer interface {
	HandleMessage(from string, msg types.Message) error
}

// Interceptor rewrites traffic on a LocalNetwork. It returns the messages
// actually delivered to `to` in place of msg: nil drops it, several
// deliver all of them in order.
type Interceptor func(from, to string, msg types.Message) []types.Message

// Endpoint is the transport handed to one engine.
type Endpoint struct {
	net  *LocalNetwork
	name string
}

// Broadcast sends msg to every other peer.
func (e Endpoint) Broadcast(msg types.Message) {
	e.net.broadcast(e.name, msg)
}

// Send sends msg to one peer.
func (e Endpoint) Send(to string, msg types.Message) {
	e.net.send(e.name, to, msg)
}

// LocalNetwork is a fully connected in-process transport. Every message is
// encoded and decoded on the way, so peers never share memory and every
// message type exercises its wire codec.
type LocalNetwork struct {
	mu          deadlock.RWMutex
	peers       map[string]Peer
	names       []string
	offline     map[string]bool
	interceptor Interceptor

	log logging.Logger
}

// NewLocalNetwork creates an empty network
func NewLocalNetwork(log logging.Logger) *LocalNetwork {
	if log == nil {
		log = logging.Base()
	}
	return &LocalNetwork{
		peers:   make(map[string]Peer),
		offline: make(map[string]bool),
		log:     log.With("module", "localnet"),
	}
}

// Join registers a peer under name and returns its endpoint.
func (ln *LocalNetwork) Join(name string, p Peer) (Endpoint, error) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if _, ok := ln.peers[name]; ok {
		return Endpoint{}, fmt.Errorf("peer %q already joined", name)
	}
	ln.peers[name] = p
	ln.names = append(ln.names, name)
	sort.Strings(ln.names)
	return Endpoint{net: ln, name: name}, nil
}

// Attach joins n to the network and points its engine at the endpoint.
func (ln *LocalNetwork) Attach(n *Node) error {
	ep, err := ln.Join(n.Name(), n)
	if err != nil {
		return err
	}
	n.engine.SetBroadcaster(ep.Broadcast)
	n.engine.SetSender(ep.Send)
	return nil
}

// SetOffline cuts a peer off in both directions, or reconnects it.
func (ln *LocalNetwork) SetOffline(name string, offline bool) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.offline[name] = offline
}

// SetInterceptor installs fn on all traffic. nil removes it.
func (ln *LocalNetwork) SetInterceptor(fn Interceptor) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.interceptor = fn
}

// Peers returns the names of all joined peers, sorted.
func (ln *LocalNetwork) Peers() []string {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	return append([]string(nil), ln.names...)
}

func (ln *LocalNetwork) broadcast(from string, msg types.Message) {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	if ln.offline[from] {
		return
	}
	for _, to := range ln.names {
		if to != from {
			ln.deliverLocked(from, to, msg)
		}
	}
}

func (ln *LocalNetwork) send(from, to string, msg types.Message) {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	if ln.offline[from] {
		return
	}
	ln.deliverLocked(from, to, msg)
}

func (ln *LocalNetwork) deliverLocked(from, to string, msg types.Message) {
	p := ln.peers[to]
	if p == nil || ln.offline[to] {
		return
	}
	msgs := []types.Message{msg}
	if ln.interceptor != nil {
		msgs = ln.interceptor(from, to, msg)
	}
	for _, m := range msgs {
		out, err := types.DecodeMessage(types.EncodeMessage(m))
		if err != nil {
			ln.log.WithFields(logging.Fields{"from": from, "to": to, "type": m.Type().String()}).Errorf("message does not decode: %v", err)
			continue
		}
		if err := p.HandleMessage(from, out); err != nil {
			ln.log.WithFields(logging.Fields{"from": from, "to": to, "type": m.Type().String()}).Debugf("delivery failed: %v", err)
		}
	}
}
