package gossip

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/calyptra/anchorsync/internal/metrics"
)

// Handler consumes envelopes received from a subscription.
type Handler func(env *Envelope)

// Client publishes to and subscribes from a peer's gossip server.
// The connection is dialed lazily on first use, so constructing a
// client while offline costs nothing.
type Client struct {
	addr string
	log  zerolog.Logger
	opts []grpc.DialOption

	mu sync.Mutex
	cc *grpc.ClientConn
}

// NewClient creates a client for one peer address. No connection is
// made until the first Publish or Subscribe.
func NewClient(addr string, log zerolog.Logger, opts ...grpc.DialOption) *Client {
	return &Client{
		addr: addr,
		log:  log.With().Str("component", "gossip-client").Str("peer_addr", addr).Logger(),
		opts: opts,
	}
}

// conn returns the client connection, created on first use. NewClient
// does not connect; the transport comes up on the first RPC.
func (c *Client) conn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cc != nil {
		return c.cc, nil
	}

	opts := append([]grpc.DialOption{}, c.opts...)
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.ForceCodec(CramberryCodec{}),
	))
	cc, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("gossip client: dial %s: %w", c.addr, err)
	}
	c.cc = cc
	return cc, nil
}

// Close tears down the connection if one was established.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return nil
	}
	err := c.cc.Close()
	c.cc = nil
	return err
}

// Publish sends one envelope to the peer. Errors are returned for
// metrics accounting, but callers treat them as non-fatal: the local
// write is already durable and propagation retries ride on the next
// reconciliation.
func (c *Client) Publish(ctx context.Context, env *Envelope) error {
	cc, err := c.conn()
	if err != nil {
		metrics.ObserveGossipPublishFailure()
		return err
	}

	ack := new(PublishAck)
	if err := cc.Invoke(ctx, fullMethod("Publish"), env, ack); err != nil {
		metrics.ObserveGossipPublishFailure()
		return fmt.Errorf("gossip client: publish: %w", err)
	}
	return nil
}

// Subscribe opens a topic subscription and feeds received envelopes
// to the handler until the context is cancelled or the stream ends.
// Blocks; run it on its own goroutine.
func (c *Client) Subscribe(ctx context.Context, peer string, topics []string, h Handler) error {
	cc, err := c.conn()
	if err != nil {
		return err
	}

	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	stream, err := cc.NewStream(ctx, desc, fullMethod("Subscribe"))
	if err != nil {
		return fmt.Errorf("gossip client: open stream: %w", err)
	}
	if err := stream.SendMsg(&SubscribeRequest{Peer: peer, Topics: topics}); err != nil {
		return fmt.Errorf("gossip client: send subscribe: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("gossip client: close send: %w", err)
	}

	for {
		env := new(Envelope)
		if err := stream.RecvMsg(env); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gossip client: recv: %w", err)
		}
		h(env)
	}
}
