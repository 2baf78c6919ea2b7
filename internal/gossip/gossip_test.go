package gossip

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// startServer starts a gossip server on a random port and returns it
// with its address.
func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(zerolog.Nop())
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	return s, lis.Addr().String()
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c := NewClient(addr, zerolog.Nop(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	t.Cleanup(func() { c.Close() })
	return c
}

// subscribe opens a background subscription and returns the channel
// envelopes arrive on, blocking until the server has registered it.
func subscribe(t *testing.T, s *Server, c *Client, peer string, topics []string) <-chan *Envelope {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s.mu.Lock()
	before := len(s.subs)
	s.mu.Unlock()

	got := make(chan *Envelope, 16)
	go func() {
		_ = c.Subscribe(ctx, peer, topics, func(env *Envelope) {
			got <- env
		})
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subs) > before
	}, 5*time.Second, 10*time.Millisecond)

	return got
}

func recvEnvelope(t *testing.T, ch <-chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	s, addr := startServer(t)
	ctx := context.Background()

	sub := newTestClient(t, addr)
	got := subscribe(t, s, sub, "dev-b", []string{"ops"})

	pub := newTestClient(t, addr)
	err := pub.Publish(ctx, &Envelope{Topic: "ops", Origin: "dev-a", Seq: 1, Payload: []byte("op-1")})
	require.NoError(t, err)

	env := recvEnvelope(t, got)
	assert.Equal(t, "ops", env.Topic)
	assert.Equal(t, "dev-a", env.Origin)
	assert.Equal(t, int64(1), env.Seq)
	assert.Equal(t, []byte("op-1"), env.Payload)
}

// TestPublish_SkipsOrigin verifies a device never receives its own
// envelope back.
func TestPublish_SkipsOrigin(t *testing.T) {
	s, addr := startServer(t)
	ctx := context.Background()

	subA := newTestClient(t, addr)
	gotA := subscribe(t, s, subA, "dev-a", []string{"ops"})

	subB := newTestClient(t, addr)
	gotB := subscribe(t, s, subB, "dev-b", []string{"ops"})

	pub := newTestClient(t, addr)
	require.NoError(t, pub.Publish(ctx, &Envelope{Topic: "ops", Origin: "dev-a", Seq: 1, Payload: []byte("x")}))

	env := recvEnvelope(t, gotB)
	assert.Equal(t, "dev-a", env.Origin)

	select {
	case env := <-gotA:
		t.Fatalf("origin received its own envelope: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestSubscribe_TopicFilter verifies envelopes only reach subscribers
// of their topic.
func TestSubscribe_TopicFilter(t *testing.T) {
	s, addr := startServer(t)
	ctx := context.Background()

	sub := newTestClient(t, addr)
	got := subscribe(t, s, sub, "dev-b", []string{"changes"})

	pub := newTestClient(t, addr)
	require.NoError(t, pub.Publish(ctx, &Envelope{Topic: "ops", Origin: "dev-a", Seq: 1}))
	require.NoError(t, pub.Publish(ctx, &Envelope{Topic: "changes", Origin: "dev-a", Seq: 2}))

	env := recvEnvelope(t, got)
	assert.Equal(t, "changes", env.Topic)
	assert.Equal(t, int64(2), env.Seq)

	select {
	case env := <-got:
		t.Fatalf("unexpected envelope for filtered topic: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestPublish_FanOut delivers one envelope to every subscribed peer.
func TestPublish_FanOut(t *testing.T) {
	s, addr := startServer(t)
	ctx := context.Background()

	var chans []<-chan *Envelope
	for _, peer := range []string{"dev-b", "dev-c", "dev-d"} {
		c := newTestClient(t, addr)
		chans = append(chans, subscribe(t, s, c, peer, []string{"ops"}))
	}

	pub := newTestClient(t, addr)
	require.NoError(t, pub.Publish(ctx, &Envelope{Topic: "ops", Origin: "dev-a", Seq: 7, Payload: []byte("fan")}))

	for _, ch := range chans {
		env := recvEnvelope(t, ch)
		assert.Equal(t, int64(7), env.Seq)
	}
}

func TestPublish_NoServer(t *testing.T) {
	c := NewClient("127.0.0.1:1", zerolog.Nop(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.Publish(ctx, &Envelope{Topic: "ops", Origin: "dev-a"})
	require.Error(t, err)
}

func TestCramberryCodec_RoundTrip(t *testing.T) {
	codec := CramberryCodec{}
	assert.Equal(t, "cramberry", codec.Name())

	in := &Envelope{Topic: "ops", Origin: "dev-a", Seq: 3, Payload: []byte("p")}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	out := new(Envelope)
	require.NoError(t, codec.Unmarshal(data, out))
	assert.Equal(t, in, out)
}
