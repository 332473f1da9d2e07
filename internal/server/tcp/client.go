package tcpserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
)

// Client is a minimal client for the framed TCP transport, used by the CLI
// and the end-to-end tests. Stream clients are not safe for concurrent use.
type Client struct {
	addr string
}

// NewClient targets the given server address.
func NewClient(addr string) *Client { return &Client{addr: addr} }

func (c *Client) dial(kind byte) (net.Conn, *bufio.Reader, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Write([]byte{kind}); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, bufio.NewReaderSize(conn, 64<<10), nil
}

// recvTagged reads one server frame and splits the leading tag byte. A
// status frame resolves to an error (io.EOF for a clean close).
func recvTagged(br *bufio.Reader) (*reader, error) {
	payload, err := readFrame(br)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: payload}
	switch r.u8() {
	case tagMessage:
		return r, nil
	case tagStatus:
		return nil, decodeStatus(r)
	default:
		return nil, fmt.Errorf("unknown frame tag")
	}
}

// --- streams ---

// InsertStreamClient drives one producer stream.
type InsertStreamClient struct {
	conn net.Conn
	br   *bufio.Reader
}

// OpenInsertStream opens a producer stream.
func (c *Client) OpenInsertStream() (*InsertStreamClient, error) {
	conn, br, err := c.dial(kindInsert)
	if err != nil {
		return nil, err
	}
	return &InsertStreamClient{conn: conn, br: br}, nil
}

// Send submits one insert request.
func (s *InsertStreamClient) Send(req *replayv1.InsertStreamRequest) error {
	return writeFrameVec(s.conn, encodeInsertRequest(req))
}

// Recv returns the next ack message. It returns io.EOF once the server has
// closed the stream cleanly, or the stream's terminal status as an error.
func (s *InsertStreamClient) Recv() (*replayv1.InsertStreamResponse, error) {
	r, err := recvTagged(s.br)
	if err != nil {
		return nil, err
	}
	return decodeInsertResponse(r)
}

// CloseSend half-closes the stream, telling the server no more requests
// follow. Acks still pending may be received afterwards.
func (s *InsertStreamClient) CloseSend() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

// Close tears the connection down.
func (s *InsertStreamClient) Close() error { return s.conn.Close() }

// SampleStreamClient drives one consumer stream.
type SampleStreamClient struct {
	conn net.Conn
	br   *bufio.Reader
}

// OpenSampleStream opens a consumer stream.
func (c *Client) OpenSampleStream() (*SampleStreamClient, error) {
	conn, br, err := c.dial(kindSample)
	if err != nil {
		return nil, err
	}
	return &SampleStreamClient{conn: conn, br: br}, nil
}

// Send submits one sample task.
func (s *SampleStreamClient) Send(req *replayv1.SampleStreamRequest) error {
	return writeFrameVec(s.conn, encodeSampleRequest(req))
}

// Recv returns the next response batch; io.EOF on clean close.
func (s *SampleStreamClient) Recv() (*replayv1.SampleStreamResponse, error) {
	r, err := recvTagged(s.br)
	if err != nil {
		return nil, err
	}
	return decodeSampleResponse(r)
}

// CloseSend half-closes the stream.
func (s *SampleStreamClient) CloseSend() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

// Close tears the connection down.
func (s *SampleStreamClient) Close() error { return s.conn.Close() }

// HandshakeStreamClient drives one InitializeConnection exchange.
type HandshakeStreamClient struct {
	conn net.Conn
	br   *bufio.Reader
}

// OpenHandshake opens an in-process handshake stream.
func (c *Client) OpenHandshake() (*HandshakeStreamClient, error) {
	conn, br, err := c.dial(kindHandshake)
	if err != nil {
		return nil, err
	}
	return &HandshakeStreamClient{conn: conn, br: br}, nil
}

// Send submits one handshake message.
func (s *HandshakeStreamClient) Send(req *replayv1.InitializeConnectionRequest) error {
	return writeFrameVec(s.conn, encodeHandshakeRequest(req))
}

// Recv returns the next handshake response; io.EOF on clean close.
func (s *HandshakeStreamClient) Recv() (*replayv1.InitializeConnectionResponse, error) {
	r, err := recvTagged(s.br)
	if err != nil {
		return nil, err
	}
	return decodeHandshakeResponse(r)
}

// Close tears the connection down.
func (s *HandshakeStreamClient) Close() error { return s.conn.Close() }

// --- unary ---

func (c *Client) unary(ctx context.Context, op byte, payload []byte) (*reader, error) {
	conn, br, err := c.dial(kindUnary)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, op)
	out = append(out, payload...)
	if err := writeFrame(conn, out); err != nil {
		return nil, err
	}
	r, err := recvTagged(br)
	if err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	}
	return r, err
}

// MutatePriorities applies updates and deletions to one table.
func (c *Client) MutatePriorities(ctx context.Context, req *replayv1.MutatePrioritiesRequest) error {
	bufs := encodeMutateRequest(req)
	var payload []byte
	for _, b := range bufs {
		payload = append(payload, b...)
	}
	_, err := c.unary(ctx, opMutatePriorities, payload)
	return err
}

// Reset empties one table.
func (c *Client) Reset(ctx context.Context, tableName string) error {
	v := &vecWriter{}
	v.str(tableName)
	_, err := c.unary(ctx, opReset, v.finish()[0])
	return err
}

// Checkpoint asks the server to write a checkpoint and returns its path.
func (c *Client) Checkpoint(ctx context.Context) (string, error) {
	r, err := c.unary(ctx, opCheckpoint, nil)
	if err != nil {
		return "", err
	}
	path := r.str()
	return path, r.err
}

// ServerInfo fetches table snapshots and the server identity cookie.
func (c *Client) ServerInfo(ctx context.Context) (*replayv1.ServerInfoResponse, error) {
	r, err := c.unary(ctx, opServerInfo, nil)
	if err != nil {
		return nil, err
	}
	return decodeServerInfoResponse(r.buf[r.off:])
}
