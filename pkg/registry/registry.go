// Package registry is the tracker-side map from peer id to the files that peer advertises.
package registry

import (
	"sort"
	"sync"

	"github.com/danl5/gotracker/pkg/model"
)

// Registry is owned by the tracker of one epoch and never handed to another peer.
type Registry struct {
	mu    sync.RWMutex
	peers map[uint64]map[string]struct{}
}

func New() *Registry {
	return &Registry{peers: make(map[uint64]map[string]struct{})}
}

// Update replaces the file set of peer; repeating an update changes nothing.
// It reports whether the stored set changed.
func (r *Registry) Update(peer uint64, files []string) bool {
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[f] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.peers[peer]
	r.peers[peer] = set
	return !ok || !sameSet(old, set)
}

// Lookup returns the ids of the peers holding filename, ascending.
func (r *Registry) Lookup(filename string) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	holders := make([]uint64, 0)
	for peer, files := range r.peers {
		if _, ok := files[filename]; ok {
			holders = append(holders, peer)
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
	return holders
}

// Snapshot copies the registry, ordered by peer id with sorted file names.
func (r *Registry) Snapshot() []model.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]model.RegistryEntry, 0, len(r.peers))
	for peer, files := range r.peers {
		names := make([]string, 0, len(files))
		for f := range files {
			names = append(names, f)
		}
		sort.Strings(names)
		entries = append(entries, model.RegistryEntry{PeerID: peer, Files: names})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PeerID < entries[j].PeerID })
	return entries
}

// Len is the number of peers with an entry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
