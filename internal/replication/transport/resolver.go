package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"replicatedlog/internal/replication"
)

// ---- In-process registry: ParticipantID -> network address ----

type peerRegistry struct {
	mu       sync.RWMutex
	records  map[replication.ParticipantID]string
	watchers map[replication.ParticipantID]map[*rlogResolver]struct{}
}

var globalPeerRegistry = &peerRegistry{
	records:  make(map[replication.ParticipantID]string),
	watchers: make(map[replication.ParticipantID]map[*rlogResolver]struct{}),
}

// RegisterResolverPeer sets or updates the address of a participant and notifies active resolvers.
func RegisterResolverPeer(id replication.ParticipantID, addr string) {
	globalPeerRegistry.mu.Lock()
	globalPeerRegistry.records[id] = addr
	watchers := make([]*rlogResolver, 0, len(globalPeerRegistry.watchers[id]))
	for w := range globalPeerRegistry.watchers[id] {
		watchers = append(watchers, w)
	}
	globalPeerRegistry.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy.
	for _, w := range watchers {
		w.pushCurrent()
	}
}

// UnregisterResolverPeer forgets the address of a participant.
func UnregisterResolverPeer(id replication.ParticipantID) {
	globalPeerRegistry.mu.Lock()
	delete(globalPeerRegistry.records, id)
	globalPeerRegistry.mu.Unlock()
}

// ---- gRPC name resolver ("rlog" scheme) ----

const rlogScheme = "rlog"

func targetFor(id replication.ParticipantID) string {
	return fmt.Sprintf("%s:///%s", rlogScheme, id)
}

type rlogBuilder struct{}

func (rlogBuilder) Scheme() string { return rlogScheme }

func (rlogBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	// Accept "rlog:///participant" or "rlog://cluster/participant".
	id := replication.ParticipantID(target.Endpoint())
	if id == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			id = replication.ParticipantID(p)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("rlog resolver: empty target endpoint: %+v", target)
	}

	r := &rlogResolver{id: id, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type rlogResolver struct {
	id replication.ParticipantID
	cc resolver.ClientConn
}

func (r *rlogResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *rlogResolver) Close() {
	globalPeerRegistry.mu.Lock()
	defer globalPeerRegistry.mu.Unlock()
	if set, ok := globalPeerRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalPeerRegistry.watchers, r.id)
		}
	}
}

func (r *rlogResolver) subscribe() {
	globalPeerRegistry.mu.Lock()
	defer globalPeerRegistry.mu.Unlock()
	set := globalPeerRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*rlogResolver]struct{})
		globalPeerRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *rlogResolver) pushCurrent() {
	globalPeerRegistry.mu.RLock()
	addr, ok := globalPeerRegistry.records[r.id]
	globalPeerRegistry.mu.RUnlock()

	if !ok || addr == "" {
		// no address yet; gRPC keeps the channel in TRANSIENT_FAILURE and retries
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}

	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}

func init() {
	resolver.Register(rlogBuilder{})
}
