package gossip

// Envelope is one propagated change. Origin carries the publishing
// device ID so the server can skip echoing an envelope back to its
// author.
type Envelope struct {
	Topic   string `cramberry:"1"`
	Origin  string `cramberry:"2"`
	Seq     int64  `cramberry:"3"`
	Payload []byte `cramberry:"4"`
}

// PublishAck acknowledges a publish and reports the fan-out width.
type PublishAck struct {
	Delivered uint32 `cramberry:"1"`
}

// SubscribeRequest opens a topic subscription for a peer.
type SubscribeRequest struct {
	Peer   string   `cramberry:"1"`
	Topics []string `cramberry:"2"`
}
