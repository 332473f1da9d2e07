// Package tcpserver binds the replay service to a framed TCP listener. Each
// connection carries one bidirectional stream or a sequence of unary calls;
// the service's stream reactors drive the connection through the stream
// interfaces defined by the service package.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/service"
	logpkg "github.com/rzbill/replay/pkg/log"
)

// Server owns the listener and the connection handlers.
type Server struct {
	svc    *service.Service
	logger logpkg.Logger

	mu  sync.Mutex
	lis net.Listener
	wg  sync.WaitGroup
}

// New constructs a server for the given service.
func New(svc *service.Service, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Server{svc: svc, logger: logger.With(logpkg.Component("tcp"))}
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.serve(l) }()
	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listener address, or empty before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Close stops the listener and waits for connection handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	s.mu.Unlock()
	if lis != nil {
		_ = lis.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	br := bufio.NewReaderSize(conn, 64<<10)
	kind, err := br.ReadByte()
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &serverStream{conn: conn, br: br, ctx: ctx}

	switch kind {
	case kindInsert:
		s.finishStream(st, s.svc.RunInsertStream(insertServerStream{st}))
	case kindSample:
		s.finishStream(st, s.svc.RunSampleStream(sampleServerStream{st}))
	case kindHandshake:
		s.finishStream(st, s.svc.RunHandshakeStream(handshakeServerStream{st}))
	case kindUnary:
		s.serveUnary(st)
	default:
		s.logger.Warn("unknown stream kind", logpkg.Int("kind", int(kind)))
	}
}

// finishStream reports the reactor's terminal status to the client.
func (s *Server) finishStream(st *serverStream, err error) {
	if werr := st.writeFrame(encodeStatus(err)); werr != nil {
		s.logger.Debug("writing terminal status failed", logpkg.Err(werr))
	}
}

func (s *Server) serveUnary(st *serverStream) {
	for {
		payload, err := readFrame(st.br)
		if err != nil {
			return
		}
		if len(payload) == 0 {
			return
		}
		reply, err := s.dispatchUnary(payload[0], payload[1:])
		if err != nil {
			if werr := st.writeFrame(encodeStatus(err)); werr != nil {
				return
			}
			continue
		}
		out := make([]byte, 0, len(reply)+1)
		out = append(out, tagMessage)
		out = append(out, reply...)
		if werr := st.writeFrame(out); werr != nil {
			return
		}
	}
}

func (s *Server) dispatchUnary(op byte, payload []byte) ([]byte, error) {
	ctx := context.Background()
	switch op {
	case opMutatePriorities:
		req, err := decodeMutateRequest(payload)
		if err != nil {
			return nil, err
		}
		if _, err := s.svc.MutatePriorities(ctx, req); err != nil {
			return nil, err
		}
		return nil, nil
	case opReset:
		r := &reader{buf: payload}
		name := r.str()
		if r.err != nil {
			return nil, r.err
		}
		if _, err := s.svc.Reset(ctx, &replayv1.ResetRequest{Table: name}); err != nil {
			return nil, err
		}
		return nil, nil
	case opCheckpoint:
		resp, err := s.svc.Checkpoint(ctx, &replayv1.CheckpointRequest{})
		if err != nil {
			return nil, err
		}
		v := &vecWriter{}
		v.str(resp.CheckpointPath)
		return v.finish()[0], nil
	case opServerInfo:
		resp, err := s.svc.ServerInfo(ctx, &replayv1.ServerInfoRequest{})
		if err != nil {
			return nil, err
		}
		return encodeServerInfoResponse(resp), nil
	default:
		return nil, errors.New("unknown unary op")
	}
}

// serverStream is the shared connection state behind the per-kind adapters.
// The reactors serialize reads and writes, so only the write path needs a
// mutex (terminal status may race a reactor write during teardown).
type serverStream struct {
	conn net.Conn
	br   *bufio.Reader
	ctx  context.Context
	wmu  sync.Mutex
}

func (st *serverStream) writeFrame(payload []byte) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	return writeFrame(st.conn, payload)
}

func (st *serverStream) writeFrameVec(bufs net.Buffers) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	return writeFrameVec(st.conn, bufs)
}

func (st *serverStream) recvFrame() ([]byte, error) {
	payload, err := readFrame(st.br)
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return payload, err
}

type insertServerStream struct{ st *serverStream }

func (s insertServerStream) Recv() (*replayv1.InsertStreamRequest, error) {
	payload, err := s.st.recvFrame()
	if err != nil {
		return nil, err
	}
	return decodeInsertRequest(payload)
}

func (s insertServerStream) Send(resp *replayv1.InsertStreamResponse) error {
	return s.st.writeFrame(encodeInsertResponse(resp))
}

func (s insertServerStream) Context() context.Context { return s.st.ctx }

type sampleServerStream struct{ st *serverStream }

func (s sampleServerStream) Recv() (*replayv1.SampleStreamRequest, error) {
	payload, err := s.st.recvFrame()
	if err != nil {
		return nil, err
	}
	return decodeSampleRequest(payload)
}

func (s sampleServerStream) Send(resp *replayv1.SampleStreamResponse) error {
	return s.st.writeFrameVec(encodeSampleResponse(resp))
}

func (s sampleServerStream) Context() context.Context { return s.st.ctx }

type handshakeServerStream struct{ st *serverStream }

func (s handshakeServerStream) Recv() (*replayv1.InitializeConnectionRequest, error) {
	payload, err := s.st.recvFrame()
	if err != nil {
		return nil, err
	}
	return decodeHandshakeRequest(payload)
}

func (s handshakeServerStream) Send(resp *replayv1.InitializeConnectionResponse) error {
	return s.st.writeFrame(encodeHandshakeResponse(resp))
}

func (s handshakeServerStream) Context() context.Context { return s.st.ctx }

func (s handshakeServerStream) Peer() string {
	return s.st.conn.RemoteAddr().String()
}
