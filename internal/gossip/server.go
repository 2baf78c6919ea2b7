package gossip

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/calyptra/anchorsync/internal/metrics"
)

// Compile-time interface check.
var _ GossipServiceServer = (*Server)(nil)

// subscriber is one open Subscribe stream.
type subscriber struct {
	peer   string
	topics map[string]bool
	ch     chan *Envelope
}

// Server fans published envelopes out to subscribed peers. There is
// no central broker in the fleet: every device runs one of these and
// peers cross-subscribe.
type Server struct {
	log zerolog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber

	gs *grpc.Server
}

// NewServer creates a gossip server.
func NewServer(log zerolog.Logger) *Server {
	return &Server{
		log:  log.With().Str("component", "gossip-server").Logger(),
		subs: make(map[int]*subscriber),
	}
}

// Serve starts serving on the listener. Blocks until Stop.
func (s *Server) Serve(lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	RegisterGossipServiceServer(gs, s)

	s.mu.Lock()
	s.gs = gs
	s.mu.Unlock()

	return gs.Serve(lis)
}

// Stop gracefully stops the server, closing subscriber streams.
func (s *Server) Stop() {
	s.mu.Lock()
	gs := s.gs
	s.mu.Unlock()
	if gs != nil {
		gs.GracefulStop()
	}
}

// Publish delivers the envelope to every subscriber of its topic
// except the origin device. A subscriber with a full buffer is
// skipped rather than blocking the publisher; the dropped envelope
// reaches that peer later through log reconciliation.
func (s *Server) Publish(_ context.Context, env *Envelope) (*PublishAck, error) {
	metrics.ObserveGossipEnvelope("inbound")

	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.peer == env.Origin {
			continue
		}
		if len(sub.topics) > 0 && !sub.topics[env.Topic] {
			continue
		}
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	var delivered uint32
	for _, sub := range targets {
		select {
		case sub.ch <- env:
			delivered++
		default:
			s.log.Warn().
				Str("event", "subscriber_backpressure").
				Str("peer", sub.peer).
				Str("topic", env.Topic).
				Msg("subscriber buffer full, envelope dropped")
		}
	}

	return &PublishAck{Delivered: delivered}, nil
}

// Subscribe registers the peer and pumps matching envelopes onto the
// stream until the peer disconnects or the server stops.
func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	sub := &subscriber{
		peer:   req.Peer,
		topics: make(map[string]bool, len(req.Topics)),
		ch:     make(chan *Envelope, 256),
	}
	for _, t := range req.Topics {
		sub.topics[t] = true
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	s.log.Info().
		Str("event", "peer_subscribed").
		Str("peer", req.Peer).
		Strs("topics", req.Topics).
		Msg("peer subscribed")

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	ctx := stream.Context()
	for {
		select {
		case env := <-sub.ch:
			if err := stream.SendMsg(env); err != nil {
				return err
			}
			metrics.ObserveGossipEnvelope("outbound")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
