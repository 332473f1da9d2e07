package tcpserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
)

// Wire format. A connection opens with a single kind byte, then carries
// length-prefixed frames: [u32 length][payload]. Server-to-client frames
// start with a tag byte: tagMessage for stream data, tagStatus for the
// stream's terminal status. All integers are big-endian.
const (
	kindInsert    = byte(1)
	kindSample    = byte(2)
	kindHandshake = byte(3)
	kindUnary     = byte(4)

	tagMessage = byte(0)
	tagStatus  = byte(1)

	opMutatePriorities = byte(1)
	opReset            = byte(2)
	opCheckpoint       = byte(3)
	opServerInfo       = byte(4)

	// maxFrameSize bounds inbound frames; the sample byte budget keeps
	// outbound frames far below it.
	maxFrameSize = 64 << 20
)

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// writeFrameVec writes a frame whose payload is scattered across several
// slices, handing them to the kernel without coalescing. Chunk payload
// slices alias server-owned chunk storage; they are walked, not copied.
func writeFrameVec(w io.Writer, bufs net.Buffers) error {
	var total int
	for _, b := range bufs {
		total += len(b)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(total))
	out := make(net.Buffers, 0, len(bufs)+1)
	out = append(out, hdr[:])
	out = append(out, bufs...)
	_, err := out.WriteTo(w)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// vecWriter accumulates a scattered frame payload: metadata bytes build up
// in a scratch segment while chunk payloads are appended as-is.
type vecWriter struct {
	bufs net.Buffers
	cur  []byte
}

func (v *vecWriter) u8(b byte)    { v.cur = append(v.cur, b) }
func (v *vecWriter) bool(b bool)  { v.u8(boolByte(b)) }
func (v *vecWriter) u32(n uint32) { v.cur = binary.BigEndian.AppendUint32(v.cur, n) }
func (v *vecWriter) u64(n uint64) { v.cur = binary.BigEndian.AppendUint64(v.cur, n) }
func (v *vecWriter) i64(n int64)  { v.u64(uint64(n)) }
func (v *vecWriter) f64(f float64) {
	v.u64(math.Float64bits(f))
}
func (v *vecWriter) str(s string) {
	v.u32(uint32(len(s)))
	v.cur = append(v.cur, s...)
}
func (v *vecWriter) bytes(b []byte) {
	v.u32(uint32(len(b)))
	v.cur = append(v.cur, b...)
}

// raw appends a payload slice without copying it into the scratch segment.
func (v *vecWriter) raw(b []byte) {
	v.u32(uint32(len(b)))
	if len(v.cur) > 0 {
		v.bufs = append(v.bufs, v.cur)
		v.cur = nil
	}
	v.bufs = append(v.bufs, b)
}

func (v *vecWriter) finish() net.Buffers {
	if len(v.cur) > 0 {
		v.bufs = append(v.bufs, v.cur)
		v.cur = nil
	}
	return v.bufs
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// reader parses a frame payload in place; decoded byte slices alias the
// frame buffer.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("truncated message at offset %d", r.off)
	}
}

func (r *reader) u8() byte {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail()
		return 0
	}
	n := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return n
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail()
		return 0
	}
	n := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return n
}

func (r *reader) i64() int64   { return int64(r.u64()) }
func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return b
}

func (r *reader) str() string { return string(r.bytes()) }

// count reads an element count and rejects counts that cannot fit in the
// remaining payload given a minimum element encoding size.
func (r *reader) count(minElemSize int) int {
	n := int(r.u32())
	if r.err != nil {
		return 0
	}
	if n < 0 || n*minElemSize > len(r.buf)-r.off {
		r.fail()
		return 0
	}
	return n
}

func (r *reader) u64s() []uint64 {
	n := int(r.u32())
	if r.err != nil || r.off+8*n > len(r.buf) {
		r.fail()
		return nil
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = r.u64()
	}
	return out
}

// --- status ---

func encodeStatus(err error) []byte {
	st, _ := status.FromError(err)
	v := &vecWriter{}
	v.u8(tagStatus)
	v.u32(uint32(st.Code()))
	v.str(st.Message())
	return v.finish()[0]
}

func decodeStatus(r *reader) error {
	code := codes.Code(r.u32())
	msg := r.str()
	if r.err != nil {
		return r.err
	}
	if code == codes.OK {
		return io.EOF
	}
	return status.Error(code, msg)
}

// --- insert stream ---

func encodeInsertRequest(req *replayv1.InsertStreamRequest) net.Buffers {
	v := &vecWriter{}
	v.u32(uint32(len(req.Chunks)))
	for i := range req.Chunks {
		v.u64(req.Chunks[i].Key)
		v.raw(req.Chunks[i].Data)
	}
	v.u32(uint32(len(req.Items)))
	for i := range req.Items {
		encodeItem(v, &req.Items[i])
	}
	v.u32(uint32(len(req.KeepChunkKeys)))
	for _, k := range req.KeepChunkKeys {
		v.u64(k)
	}
	return v.finish()
}

func decodeInsertRequest(buf []byte) (*replayv1.InsertStreamRequest, error) {
	r := &reader{buf: buf}
	req := &replayv1.InsertStreamRequest{}
	req.Chunks = make([]replayv1.ChunkData, r.count(12))
	for i := range req.Chunks {
		req.Chunks[i].Key = r.u64()
		req.Chunks[i].Data = r.bytes()
	}
	req.Items = make([]replayv1.PrioritizedItem, r.count(36))
	for i := range req.Items {
		decodeItem(r, &req.Items[i])
	}
	req.KeepChunkKeys = make([]uint64, r.count(8))
	for i := range req.KeepChunkKeys {
		req.KeepChunkKeys[i] = r.u64()
	}
	return req, r.err
}

func encodeInsertResponse(resp *replayv1.InsertStreamResponse) []byte {
	v := &vecWriter{}
	v.u8(tagMessage)
	v.u32(uint32(len(resp.Keys)))
	for _, k := range resp.Keys {
		v.u64(k)
	}
	return v.finish()[0]
}

func decodeInsertResponse(r *reader) (*replayv1.InsertStreamResponse, error) {
	resp := &replayv1.InsertStreamResponse{Keys: make([]uint64, r.count(8))}
	for i := range resp.Keys {
		resp.Keys[i] = r.u64()
	}
	return resp, r.err
}

func encodeItem(v *vecWriter, it *replayv1.PrioritizedItem) {
	v.u64(it.Key)
	v.str(it.Table)
	v.f64(it.Priority)
	v.i64(it.InsertedAtNanos)
	v.u32(uint32(it.TimesSampled))
	v.u32(uint32(len(it.FlatTrajectory)))
	for _, k := range it.FlatTrajectory {
		v.u64(k)
	}
}

func decodeItem(r *reader, it *replayv1.PrioritizedItem) {
	it.Key = r.u64()
	it.Table = r.str()
	it.Priority = r.f64()
	it.InsertedAtNanos = r.i64()
	it.TimesSampled = int32(r.u32())
	it.FlatTrajectory = r.u64s()
}

// --- sample stream ---

func encodeSampleRequest(req *replayv1.SampleStreamRequest) net.Buffers {
	v := &vecWriter{}
	v.str(req.Table)
	v.i64(req.NumSamples)
	v.i64(req.FlexibleBatchSize)
	v.i64(req.RateLimiterTimeoutMs)
	return v.finish()
}

func decodeSampleRequest(buf []byte) (*replayv1.SampleStreamRequest, error) {
	r := &reader{buf: buf}
	req := &replayv1.SampleStreamRequest{
		Table:                r.str(),
		NumSamples:           r.i64(),
		FlexibleBatchSize:    r.i64(),
		RateLimiterTimeoutMs: r.i64(),
	}
	return req, r.err
}

func encodeSampleResponse(resp *replayv1.SampleStreamResponse) net.Buffers {
	v := &vecWriter{}
	v.u8(tagMessage)
	v.u32(uint32(len(resp.Entries)))
	for i := range resp.Entries {
		e := &resp.Entries[i]
		v.bool(e.EndOfSequence)
		if e.Info != nil {
			v.u8(1)
			encodeItem(v, &e.Info.Item)
			v.f64(e.Info.Probability)
			v.i64(e.Info.TableSize)
			v.bool(e.Info.RateLimited)
		} else {
			v.u8(0)
		}
		v.u32(uint32(len(e.Data)))
		for j := range e.Data {
			v.u64(e.Data[j].Key)
			v.raw(e.Data[j].Data)
		}
	}
	return v.finish()
}

func decodeSampleResponse(r *reader) (*replayv1.SampleStreamResponse, error) {
	resp := &replayv1.SampleStreamResponse{Entries: make([]replayv1.SampleEntry, r.count(6))}
	for i := range resp.Entries {
		e := &resp.Entries[i]
		e.EndOfSequence = r.bool()
		if r.u8() == 1 {
			e.Info = &replayv1.SampleInfo{}
			decodeItem(r, &e.Info.Item)
			e.Info.Probability = r.f64()
			e.Info.TableSize = r.i64()
			e.Info.RateLimited = r.bool()
		}
		e.Data = make([]replayv1.ChunkData, r.count(12))
		for j := range e.Data {
			e.Data[j].Key = r.u64()
			e.Data[j].Data = r.bytes()
		}
	}
	return resp, r.err
}

// --- handshake ---

func encodeHandshakeRequest(req *replayv1.InitializeConnectionRequest) net.Buffers {
	v := &vecWriter{}
	v.i64(req.Pid)
	v.str(req.TableName)
	v.bool(req.OwnershipTransferred)
	return v.finish()
}

func decodeHandshakeRequest(buf []byte) (*replayv1.InitializeConnectionRequest, error) {
	r := &reader{buf: buf}
	req := &replayv1.InitializeConnectionRequest{
		Pid:                  r.i64(),
		TableName:            r.str(),
		OwnershipTransferred: r.bool(),
	}
	return req, r.err
}

func encodeHandshakeResponse(resp *replayv1.InitializeConnectionResponse) []byte {
	v := &vecWriter{}
	v.u8(tagMessage)
	v.u64(resp.Address)
	return v.finish()[0]
}

func decodeHandshakeResponse(r *reader) (*replayv1.InitializeConnectionResponse, error) {
	resp := &replayv1.InitializeConnectionResponse{Address: r.u64()}
	return resp, r.err
}

// --- unary ---

func encodeMutateRequest(req *replayv1.MutatePrioritiesRequest) net.Buffers {
	v := &vecWriter{}
	v.str(req.Table)
	v.u32(uint32(len(req.Updates)))
	for _, u := range req.Updates {
		v.u64(u.Key)
		v.f64(u.Priority)
	}
	v.u32(uint32(len(req.DeleteKeys)))
	for _, k := range req.DeleteKeys {
		v.u64(k)
	}
	return v.finish()
}

func decodeMutateRequest(buf []byte) (*replayv1.MutatePrioritiesRequest, error) {
	r := &reader{buf: buf}
	req := &replayv1.MutatePrioritiesRequest{Table: r.str()}
	req.Updates = make([]replayv1.KeyWithPriority, r.count(16))
	for i := range req.Updates {
		req.Updates[i].Key = r.u64()
		req.Updates[i].Priority = r.f64()
	}
	req.DeleteKeys = make([]uint64, r.count(8))
	for i := range req.DeleteKeys {
		req.DeleteKeys[i] = r.u64()
	}
	return req, r.err
}

func encodeServerInfoResponse(resp *replayv1.ServerInfoResponse) []byte {
	v := &vecWriter{}
	v.u32(uint32(len(resp.TableInfo)))
	for _, ti := range resp.TableInfo {
		v.str(ti.Name)
		v.i64(ti.CurrentSize)
		v.i64(ti.MaxSize)
		v.i64(ti.NumInserts)
		v.i64(ti.NumSamples)
		v.i64(ti.DefaultFlexibleBatchSize)
	}
	v.cur = append(v.cur, resp.TablesStateID[:]...)
	return v.finish()[0]
}

func decodeServerInfoResponse(buf []byte) (*replayv1.ServerInfoResponse, error) {
	r := &reader{buf: buf}
	resp := &replayv1.ServerInfoResponse{TableInfo: make([]replayv1.TableInfo, r.count(44))}
	for i := range resp.TableInfo {
		ti := &resp.TableInfo[i]
		ti.Name = r.str()
		ti.CurrentSize = r.i64()
		ti.MaxSize = r.i64()
		ti.NumInserts = r.i64()
		ti.NumSamples = r.i64()
		ti.DefaultFlexibleBatchSize = r.i64()
	}
	for i := range resp.TablesStateID {
		resp.TablesStateID[i] = r.u8()
	}
	return resp, r.err
}
