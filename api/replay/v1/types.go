// Package replayv1 defines the wire-level message types of the replay
// service. The transport encodes these with a hand-rolled binary framing;
// chunk payloads are carried as slices that alias the server's chunk storage
// and must not be mutated by encoders.
package replayv1

// AutoSelectBatchSize asks the server to substitute the target table's
// default flexible batch size.
const AutoSelectBatchSize = -1

// ChunkData is an immutable binary payload addressed by a 64-bit key.
type ChunkData struct {
	Key  uint64
	Data []byte
}

// ByteSize returns the payload size used for response byte budgeting.
func (c *ChunkData) ByteSize() int64 { return int64(len(c.Data)) }

// PrioritizedItem describes one sample unit. FlatTrajectory lists the chunk
// keys holding the item's data, in order.
type PrioritizedItem struct {
	Key             uint64
	Table           string
	Priority        float64
	InsertedAtNanos int64
	FlatTrajectory  []uint64
	TimesSampled    int32
}

// InsertStreamRequest interleaves chunk batches and item batches from a
// producer. KeepChunkKeys names every chunk key the server must keep resident
// for requests that follow; all others are pruned.
type InsertStreamRequest struct {
	Chunks        []ChunkData
	Items         []PrioritizedItem
	KeepChunkKeys []uint64
}

// InsertStreamResponse acknowledges committed item keys in commit order.
type InsertStreamResponse struct {
	Keys []uint64
}

// SampleStreamRequest defines one sample task.
type SampleStreamRequest struct {
	Table             string
	NumSamples        int64
	FlexibleBatchSize int64
	// RateLimiterTimeoutMs bounds how long the table may hold a sample
	// request. Zero or negative means wait forever.
	RateLimiterTimeoutMs int64
}

// SampleInfo carries the sampled item's metadata. It is attached to the first
// entry of each sampled item only.
type SampleInfo struct {
	Item        PrioritizedItem
	Probability float64
	TableSize   int64
	RateLimited bool
}

// SampleEntry groups consecutive chunks of one sampled item. EndOfSequence is
// true on exactly the entry carrying the item's last chunk; continuation
// entries of an item split across responses carry a nil Info.
type SampleEntry struct {
	Info          *SampleInfo
	Data          []ChunkData
	EndOfSequence bool
}

// SampleStreamResponse is one outbound batch of sample entries.
type SampleStreamResponse struct {
	Entries []SampleEntry
}

// KeyWithPriority is a single priority update.
type KeyWithPriority struct {
	Key      uint64
	Priority float64
}

// MutatePrioritiesRequest updates and/or deletes items in one table.
type MutatePrioritiesRequest struct {
	Table      string
	Updates    []KeyWithPriority
	DeleteKeys []uint64
}

// MutatePrioritiesResponse is empty.
type MutatePrioritiesResponse struct{}

// ResetRequest empties the named table.
type ResetRequest struct {
	Table string
}

// ResetResponse is empty.
type ResetResponse struct{}

// CheckpointRequest asks the server to write a checkpoint of every table.
type CheckpointRequest struct{}

// CheckpointResponse returns the produced checkpoint path.
type CheckpointResponse struct {
	CheckpointPath string
}

// ServerInfoRequest is empty.
type ServerInfoRequest struct{}

// TableInfo is a point-in-time snapshot of one table.
type TableInfo struct {
	Name                     string
	CurrentSize              int64
	MaxSize                  int64
	NumInserts               int64
	NumSamples               int64
	DefaultFlexibleBatchSize int64
}

// ServerInfoResponse lists every table plus the service identity cookie.
// TablesStateID is an opaque random 128-bit value regenerated at startup so
// clients can detect a server restart.
type ServerInfoResponse struct {
	TableInfo     []TableInfo
	TablesStateID [16]byte
}

// InitializeConnectionRequest drives the in-process handshake. The first
// message carries Pid and TableName; the confirmation message carries
// OwnershipTransferred.
type InitializeConnectionRequest struct {
	Pid                  int64
	TableName            string
	OwnershipTransferred bool
}

// InitializeConnectionResponse carries the capability token for the table
// handle. Address zero signals that client and server do not share a process.
type InitializeConnectionResponse struct {
	Address uint64
}
