// Package memory is an in-process transport for running several peers inside one
// process, used by simulations and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/transport"
)

// Network routes requests between the transports attached to it.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]model.CommandHandler
	// cut holds addresses that are unreachable although registered
	cut map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]model.CommandHandler),
		cut:      make(map[string]bool),
	}
}

// Transport returns a new endpoint on the network.
func (n *Network) Transport() *Transport {
	return &Transport{network: n}
}

// Disconnect isolates address in both directions, in-flight calls are not interrupted.
func (n *Network) Disconnect(address string) {
	n.mu.Lock()
	n.cut[address] = true
	n.mu.Unlock()
}

// Reconnect undoes Disconnect.
func (n *Network) Reconnect(address string) {
	n.mu.Lock()
	delete(n.cut, address)
	n.mu.Unlock()
}

func (n *Network) handler(from, address string) (model.CommandHandler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[address] || n.cut[from] {
		return nil, false
	}
	h, ok := n.handlers[address]
	return h, ok
}

// Transport implements model.Transport on a Network.
type Transport struct {
	network *Network

	mu      sync.Mutex
	address string
}

func (t *Transport) Start(listenAddress string, handler model.CommandHandler, _ model.TransportConfig) error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, ok := t.network.handlers[listenAddress]; ok {
		return fmt.Errorf("address %s already in use", listenAddress)
	}
	t.network.handlers[listenAddress] = handler

	t.mu.Lock()
	t.address = listenAddress
	t.mu.Unlock()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	addr := t.address
	t.address = ""
	t.mu.Unlock()
	if addr == "" {
		return nil
	}

	t.network.mu.Lock()
	delete(t.network.handlers, addr)
	t.network.mu.Unlock()
	return nil
}

// SendRequest runs the remote handler on its own goroutine so a slow handler
// can not hold the caller past ctx.
func (t *Transport) SendRequest(ctx context.Context, address string, request *model.Request, response *model.Response) error {
	t.mu.Lock()
	from := t.address
	t.mu.Unlock()

	h, ok := t.network.handler(from, address)
	if !ok {
		return fmt.Errorf("connect %s: unreachable", address)
	}

	reply := &model.Response{}
	done := make(chan error, 1)
	go func() {
		done <- h(request, reply)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("call %s on %s: %w", request.CommandCode, address, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to call handler: %w", err)
		}
		*response = *reply
		return nil
	}
}

func (t *Transport) Decode(raw any, target any) error {
	return transport.Decode(raw, target)
}
