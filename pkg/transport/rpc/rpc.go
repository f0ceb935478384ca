package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/silenceper/pool"
	"github.com/ugorji/go/codec"

	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/transport"
)

const (
	// initial capacity of the pool
	poolInitCap = 0
	// maximum number of idle connections in the pool
	poolMaxIdle = 5
	// maximum time a connection can be idle before being closed
	poolMaxIdleTime = 15
	// maximum number of connections in the pool
	poolMaxCap = 20

	// used when the config leaves ConnectTimeout unset
	defaultConnectTimeout = 2 * time.Second

	handleMethod = "RPCHandler.Handle"
	pingMethod   = "RPCHandler.Ping"
)

func NewRPC(logger *slog.Logger) (*RPC, error) {
	if logger == nil {
		return nil, fmt.Errorf("new rpc, logger is nil")
	}

	rpc := &RPC{
		Server: Server{
			logger: logger.With("component", "rpc server"),
		},
		Client: Client{
			logger: logger.With("component", "rpc client"),
		},
	}

	return rpc, nil
}

type RPCHandler struct {
	CmdHandler model.CommandHandler
}

func (h *RPCHandler) Handle(request *model.Request, response *model.Response) error {
	return h.CmdHandler(request, response)
}

func (h *RPCHandler) Ping(_ struct{}, reply *string) error {
	*reply = "pong"
	return nil
}

type RPC struct {
	Server
	Client
}

// Start starts the server and keeps cfg for the client side dials.
func (r *RPC) Start(listenAddress string, handler model.CommandHandler, cfg model.TransportConfig) error {
	if c, ok := cfg.(*Config); ok {
		r.Client.cfg = c
	}
	return r.Server.Start(listenAddress, handler, cfg)
}

// Stop closes the listener and every pooled client connection.
func (r *RPC) Stop() error {
	err := r.Server.Stop()
	r.Client.Release()
	return err
}

func (r *RPC) Decode(raw any, target any) error {
	return transport.Decode(raw, target)
}

// msgpackHandle keeps strings and binary apart on the wire so file names
// come back as strings and file contents as bytes.
func msgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	return h
}

type Server struct {
	rpcHandler *RPCHandler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// Start initiates the server to begin listening on the specified address.
func (s *Server) Start(listenAddress string, handler model.CommandHandler, serverConfig model.TransportConfig) error {
	cfg, ok := serverConfig.(*Config)
	if !ok {
		return errors.New("not a valid rpc server config")
	}

	err := cfg.Validate()
	if err != nil {
		return err
	}

	s.rpcHandler = &RPCHandler{
		CmdHandler: handler,
	}

	err = s.startServer(listenAddress, s.rpcHandler, cfg)
	if err != nil {
		s.logger.Error("failed to start rpc server", "error", err.Error())
		return err
	}

	s.logger.Info("rpc server started", "listenAddress", listenAddress)
	return nil
}

// Stop closes the listener, connections already accepted finish on their own.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.listener.Close()
}

// Addr is the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) startServer(listenAddress string, handler *RPCHandler, cfg *Config) error {
	tlsConfig, err := cfg.serverTLS()
	if err != nil {
		return err
	}

	rpcServer := rpc.NewServer()
	err = rpcServer.Register(handler)
	if err != nil {
		return err
	}

	l, err := listen(listenAddress, tlsConfig)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.closed = false
	s.mu.Unlock()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					s.logger.Info("rpc listener closed")
					return
				}
				s.logger.Error("failed to accept rpc connection", "error", err.Error())
				continue
			}

			rpcCodec := codec.MsgpackSpecRpc.ServerCodec(conn, msgpackHandle())
			go rpcServer.ServeCodec(rpcCodec)
		}
	}()
	return nil
}

type Client struct {
	// peer address to client pool
	// string -> pool.Pool
	clients sync.Map
	// cfg is captured by RPC.Start, plain connections are used otherwise
	cfg *Config

	logger *slog.Logger
}

// SendRequest sends the command request.
// When ctx expires before the reply arrives the connection is discarded instead
// of being returned to the pool, a late reply must not be read by the next caller.
func (c *Client) SendRequest(ctx context.Context, address string, request *model.Request, response *model.Response) error {
	p, err := c.getPool(address)
	if err != nil {
		return err
	}
	conn, err := c.getConn(ctx, p)
	if err != nil {
		return fmt.Errorf("can not get client from pool for %s: %w", address, err)
	}
	rpcClient := conn.(*rpc.Client)

	call := rpcClient.Go(handleMethod, request, response, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		_ = p.Close(rpcClient)
		return fmt.Errorf("call %s on %s: %w", request.CommandCode, address, ctx.Err())
	case <-call.Done:
	}

	if call.Error != nil {
		if errors.Is(call.Error, rpc.ErrShutdown) {
			_ = p.Close(rpcClient)
		} else if err := p.Put(rpcClient); err != nil {
			c.logger.Error("failed to put rpc client back to pool", "error", err.Error())
		}
		return fmt.Errorf("failed to call rpc handler: %w", call.Error)
	}
	if err := p.Put(rpcClient); err != nil {
		c.logger.Error("failed to put rpc client back to pool", "error", err.Error())
	}

	c.logger.Debug("send rpc request", "command", request.CommandCode.String(), "to", address)
	return nil
}

// getConn waits for a pooled connection no longer than ctx allows,
// a connection obtained after the caller gave up goes back to the pool.
func (c *Client) getConn(ctx context.Context, p pool.Pool) (any, error) {
	type result struct {
		conn any
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := p.Get()
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = p.Put(r.conn)
			}
		}()
		return nil, ctx.Err()
	}
}

// Release closes every pooled connection.
func (c *Client) Release() {
	c.clients.Range(func(key, value any) bool {
		value.(pool.Pool).Release()
		c.clients.Delete(key)
		return true
	})
}

func (c *Client) getPool(address string) (pool.Pool, error) {
	if p, ok := c.clients.Load(address); ok {
		return p.(pool.Pool), nil
	}
	p, err := c.createPool(address)
	if err != nil {
		return nil, err
	}
	actual, loaded := c.clients.LoadOrStore(address, p)
	if loaded {
		p.Release()
	}
	return actual.(pool.Pool), nil
}

func (c *Client) createPool(address string) (pool.Pool, error) {
	cfg := c.cfg
	if cfg == nil {
		cfg = &Config{}
	}
	connectTimeout := defaultConnectTimeout
	if cfg.ConnectTimeout > 0 {
		connectTimeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}

	poolConfig := &pool.Config{
		InitialCap:  poolInitCap,
		MaxIdle:     poolMaxIdle,
		MaxCap:      poolMaxCap,
		IdleTimeout: poolMaxIdleTime * time.Second,
		Factory: func() (interface{}, error) {
			tlsConfig, err := cfg.clientTLS()
			if err != nil {
				return nil, err
			}
			conn, err := dial(address, connectTimeout, tlsConfig)
			if err != nil {
				return nil, err
			}
			rpcCodec := codec.MsgpackSpecRpc.ClientCodec(conn, msgpackHandle())
			return rpc.NewClientWithCodec(rpcCodec), nil
		},
		Close: func(v interface{}) error { return v.(*rpc.Client).Close() },
		Ping: func(v interface{}) error {
			var reply string
			return v.(*rpc.Client).Call(pingMethod, struct{}{}, &reply)
		},
	}
	return pool.NewChannelPool(poolConfig)
}
