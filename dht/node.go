// Package dht wires the routing table, RPC transport, and datastore into
// a running Kademlia node: the four server-side RPCs (spec §4.6), the
// iterative lookup (spec §4.7), and the join/refresh/republish/expire
// lifecycle (spec §4.8).
package dht

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kadnode/identifier"
	"kadnode/kbucket"
	"kadnode/rpc"
	"kadnode/routing"
	"kadnode/store"
)

// TimeProvider abstracts the clock used to stamp stored values and to pick
// the expiry sweep's cutoff, so tests can control those timestamps. The
// lifecycle loops' tickers run on the wall clock and are not driven by it.
type TimeProvider interface {
	Now() time.Time
}

// systemTimeProvider uses the standard library clock.
type systemTimeProvider struct{}

func (systemTimeProvider) Now() time.Time { return time.Now() }

// Config configures a Node. Zero values fall back to the spec's defaults
// (§6, "Constants").
type Config struct {
	SelfID identifier.ID

	K             int           // bucket size / lookup width
	Alpha         int           // iterative lookup fan-out
	RPCTimeout    time.Duration // T_rpc
	RefreshAfter  time.Duration // T_refresh
	Republish     time.Duration // T_republish
	Expire        time.Duration // T_expire
	PingTimeout   time.Duration // used by the routing table's rule B

	TimeProvider TimeProvider
}

func (c *Config) setDefaults() {
	if c.K <= 0 {
		c.K = kbucket.DefaultSize
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = rpc.DefaultTimeout
	}
	if c.RefreshAfter <= 0 {
		c.RefreshAfter = time.Hour
	}
	if c.Republish <= 0 {
		c.Republish = time.Hour
	}
	if c.Expire <= 0 {
		c.Expire = 24 * time.Hour
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = c.RPCTimeout
	}
	if c.TimeProvider == nil {
		c.TimeProvider = systemTimeProvider{}
	}
}

// Node is a running Kademlia participant: a routing table, an RPC engine
// bound to a UDP socket, and a local value store, kept in sync by the
// lifecycle loops.
type Node struct {
	cfg    Config
	table  *routing.Table
	store  store.Store
	engine *rpc.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Node listening on listenAddr. Call Close to release the
// socket and stop its lifecycle loops.
func New(listenAddr string, cfg Config, st store.Store) (*Node, error) {
	cfg.setDefaults()
	if st == nil {
		st = store.NewMemoryStore()
	}

	n := &Node{
		cfg:   cfg,
		table: routing.New(routing.Config{SelfID: cfg.SelfID, BucketSize: cfg.K, RefreshAfter: cfg.RefreshAfter}),
		store: st,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	engine, err := rpc.NewEngine(listenAddr, rpc.Config{SelfID: cfg.SelfID, Timeout: cfg.RPCTimeout})
	if err != nil {
		return nil, err
	}
	n.engine = engine
	n.engine.SetHandler(n.dispatch)
	n.engine.SetContactObserver(n.onContactSeen)
	n.engine.SetIdleCallback(n.table.RemoveContact)
	n.table.SetPinger(n.pingContact)

	n.wg.Add(3)
	go n.refreshLoop()
	go n.republishLoop()
	go n.expireLoop()

	return n, nil
}

// SelfID returns the node's own identifier.
func (n *Node) SelfID() identifier.ID { return n.cfg.SelfID }

// LocalAddr returns the address the node's RPC engine is bound to.
func (n *Node) LocalAddr() net.Addr { return n.engine.LocalAddr() }

// RoutingTable exposes the node's routing table for diagnostics and tests.
func (n *Node) RoutingTable() *routing.Table { return n.table }

// Close shuts down the node's lifecycle loops and RPC engine.
func (n *Node) Close() error {
	n.cancel()
	err := n.engine.Close()
	n.wg.Wait()
	return err
}

func (n *Node) now() time.Time { return n.cfg.TimeProvider.Now() }

// onContactSeen refreshes the routing table for the sender of any inbound
// datagram, request or response alike (spec §4.5 ordering guarantee (b);
// SPEC_FULL's supplemented feature 4 makes the response path explicit
// too, which this single hook already covers).
func (n *Node) onContactSeen(senderID identifier.ID, addr net.Addr) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return
	}
	n.table.AddContact(kbucket.Contact{
		ID:       senderID,
		Host:     host,
		Port:     uint16(port),
		LastSeen: n.now(),
	})
	n.table.TouchBucket(senderID)
}

// pingContact implements routing.Pinger for rule B.
func (n *Node) pingContact(ctx context.Context, c kbucket.Contact) bool {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.PingTimeout)
	defer cancel()
	_, err := n.engine.SendRPC(ctx, addrOf(c), c.ID, rpc.MethodPing, nil, false)
	return err == nil
}

func addrOf(c kbucket.Contact) net.Addr {
	addr, err := net.ResolveUDPAddr("udp", c.Addr())
	if err != nil {
		// c.Addr() is always host:port built from valid fields; a
		// resolution failure here means the contact itself is bogus,
		// which callers treat the same as an unreachable peer.
		return &net.UDPAddr{}
	}
	return addr
}

func (n *Node) dispatch(senderID identifier.ID, addr net.Addr, method rpc.Method, args []interface{}) (interface{}, error) {
	switch method {
	case rpc.MethodPing:
		return n.handlePing(senderID, args)
	case rpc.MethodStore:
		return n.handleStore(senderID, args)
	case rpc.MethodFindNode:
		return n.handleFindNode(senderID, args)
	case rpc.MethodFindValue:
		return n.handleFindValue(senderID, args)
	default:
		logrus.WithFields(n.logFields()).WithField("method", string(method)).Debug("dht: rejecting unknown method")
		return nil, rpc.ErrInvalidMethod
	}
}

func argBytes(args []interface{}, i int) ([]byte, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("dht: missing argument %d", i)
	}
	b, ok := args[i].([]byte)
	if !ok {
		return nil, fmt.Errorf("dht: argument %d is not a byte string", i)
	}
	return b, nil
}

// logFields is a small convenience for structured logging, matching the
// teacher's logrus.WithFields idiom.
func (n *Node) logFields() logrus.Fields {
	return logrus.Fields{"node": n.cfg.SelfID.String()}
}
