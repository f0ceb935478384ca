// Package directory is the name to address registry peers use to find each
// other and the current tracker.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PeerPrefix prefixes the name every peer registers its address under
	PeerPrefix = "Peer_"
	// TrackerPrefix prefixes the name the tracker of an epoch is published under
	TrackerPrefix = "Tracker_Epoch_"
)

var ErrNotFound = errors.New("name not found")

// Directory is the registry contract consumed by peers.
type Directory interface {
	// Register binds name to addr, replacing any previous binding.
	Register(ctx context.Context, name, addr string) error
	// Lookup returns the address bound to name or ErrNotFound.
	Lookup(ctx context.Context, name string) (string, error)
	// List returns every binding whose name starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	// Remove drops the binding of name, removing a missing name is not an error.
	Remove(ctx context.Context, name string) error
}

// PeerName is the registry name of a peer.
func PeerName(id uint64) string {
	return PeerPrefix + strconv.FormatUint(id, 10)
}

// ParsePeerName extracts the id from a peer name.
func ParsePeerName(name string) (uint64, error) {
	return parseSuffix(name, PeerPrefix)
}

// TrackerName is the registry name of the tracker elected in epoch.
func TrackerName(epoch uint64) string {
	return TrackerPrefix + strconv.FormatUint(epoch, 10)
}

// ParseTrackerName extracts the epoch from a tracker name.
func ParseTrackerName(name string) (uint64, error) {
	return parseSuffix(name, TrackerPrefix)
}

func parseSuffix(name, prefix string) (uint64, error) {
	if !strings.HasPrefix(name, prefix) {
		return 0, fmt.Errorf("%q does not start with %q", name, prefix)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad name %q: %w", name, err)
	}
	return n, nil
}

// Tracker is a published tracker binding.
type Tracker struct {
	Epoch   uint64
	Address string
}

// LatestTracker picks the tracker with the numerically highest epoch from a
// listing of TrackerPrefix names, entries with malformed names are skipped.
func LatestTracker(entries map[string]string) (Tracker, bool) {
	var (
		latest Tracker
		found  bool
	)
	for name, addr := range entries {
		epoch, err := ParseTrackerName(name)
		if err != nil {
			continue
		}
		if !found || epoch > latest.Epoch {
			latest = Tracker{Epoch: epoch, Address: addr}
			found = true
		}
	}
	return latest, found
}

// Peers decodes a listing of PeerPrefix names into id -> address.
func Peers(entries map[string]string) map[uint64]string {
	peers := make(map[uint64]string, len(entries))
	for name, addr := range entries {
		id, err := ParsePeerName(name)
		if err != nil {
			continue
		}
		peers[id] = addr
	}
	return peers
}
