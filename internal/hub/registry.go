package hub

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// PeerID identifies one connection for its lifetime. IDs are never reused.
type PeerID uint64

func (id PeerID) String() string {
	return fmt.Sprintf("peer-%d", id)
}

type peer struct {
	id   PeerID
	conn net.Conn
	log  *zap.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id PeerID, conn net.Conn, queueSize int, log *zap.Logger) *peer {
	return &peer{
		id:   id,
		conn: conn,
		log:  log,
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. It reports false when the peer is gone or its queue is full.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

// close releases the connection. Pending reads and writes fail fast.
func (p *peer) close() bool {
	closed := false
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
		closed = true
	})
	return closed
}

// Registry holds the connected peers. Registration and removal are the only mutations.
type Registry struct {
	peers *xsync.MapOf[PeerID, *peer]
}

func NewRegistry() *Registry {
	return &Registry{
		peers: xsync.NewMapOf[PeerID, *peer](),
	}
}

func (r *Registry) add(p *peer) {
	r.peers.Store(p.id, p)
}

// remove deregisters the peer and reports whether it was registered.
func (r *Registry) remove(id PeerID) (*peer, bool) {
	return r.peers.LoadAndDelete(id)
}

// snapshot returns the peers registered at the time of the call.
func (r *Registry) snapshot() []*peer {
	peers := make([]*peer, 0, r.peers.Size())
	r.peers.Range(func(_ PeerID, p *peer) bool {
		peers = append(peers, p)
		return true
	})
	return peers
}

func (r *Registry) IDs() []PeerID {
	var ids []PeerID
	r.peers.Range(func(id PeerID, _ *peer) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	return r.peers.Size()
}
