package service

import (
	"context"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
)

// The stream interfaces below are the service's boundary with the RPC
// runtime. Recv blocks for the next inbound message and returns io.EOF when
// the client half-closes; Send blocks until the message is handed to the
// transport. The reactors serialize their own reads and writes, so
// implementations only need to be safe for one concurrent Recv and one
// concurrent Send. Context is cancelled when the underlying connection dies.

// InsertStream is a producer's bidirectional stream.
type InsertStream interface {
	Recv() (*replayv1.InsertStreamRequest, error)
	Send(*replayv1.InsertStreamResponse) error
	Context() context.Context
}

// SampleStream is a consumer's bidirectional stream.
type SampleStream interface {
	Recv() (*replayv1.SampleStreamRequest, error)
	Send(*replayv1.SampleStreamResponse) error
	Context() context.Context
}

// HandshakeStream is the in-process handshake stream. Peer reports the
// remote address in host:port form, or "inproc" for a same-process client.
type HandshakeStream interface {
	Recv() (*replayv1.InitializeConnectionRequest, error)
	Send(*replayv1.InitializeConnectionResponse) error
	Context() context.Context
	Peer() string
}
