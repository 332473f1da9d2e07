package service

import (
	crand "crypto/rand"
	"encoding/binary"
	"net"
	"os"
	"strings"
	"sync"

	replayv1 "github.com/rzbill/replay/api/replay/v1"
	"github.com/rzbill/replay/internal/table"
)

// handleBroker is the process-local capability registry backing the
// in-process handshake. Instead of shipping a raw pointer over the wire, the
// server hands out a random non-zero token that a co-resident client
// exchanges for the table handle via Adopt. Tokens are random per grant, so
// a token minted by a previous server process never resolves.
type handleBroker struct {
	mu      sync.Mutex
	handles map[uint64]table.Table
}

func (b *handleBroker) init() {
	b.handles = make(map[uint64]table.Table)
}

func (b *handleBroker) grant(tbl table.Table) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		token := randomToken()
		if token == 0 {
			continue
		}
		if _, taken := b.handles[token]; taken {
			continue
		}
		b.handles[token] = tbl
		return token
	}
}

func (b *handleBroker) revoke(token uint64) {
	b.mu.Lock()
	delete(b.handles, token)
	b.mu.Unlock()
}

func randomToken() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic("handshake: reading random token: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// AdoptTableHandle exchanges a handshake token for the table handle it
// references. Co-resident clients call this between receiving the address
// response and sending the ownership confirmation; the grant stays valid
// until the handshake stream tears down.
func (s *Service) AdoptTableHandle(token uint64) (table.Table, bool) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	tbl, ok := s.broker.handles[token]
	return tbl, ok
}

// RunHandshakeStream serves one InitializeConnection stream.
//
// The exchange: a client that may share the server's process sends its pid
// and target table. A pid mismatch is answered with address zero (use the
// normal RPC path). Otherwise the server grants a capability token, the
// client adopts the handle and confirms with ownership_transferred, and the
// server revokes the grant on teardown. Remote peers get no response at all;
// they interpret the silent OK as "use the normal RPC path".
func (s *Service) RunHandshakeStream(stream HandshakeStream) error {
	if !isLocalhostOrInProcess(stream.Peer()) {
		return nil
	}

	req, err := stream.Recv()
	if err != nil {
		return errInternal("failed to read from stream: %v", err)
	}

	if req.Pid != int64(os.Getpid()) {
		// A zero address signals that client and server are not part of the
		// same process.
		if err := stream.Send(&replayv1.InitializeConnectionResponse{Address: 0}); err != nil {
			return errInternal("failed to write to stream: %v", err)
		}
		return nil
	}

	tbl := s.TableByName(req.TableName)
	if tbl == nil {
		return errTableNotFound(req.TableName)
	}
	token := s.broker.grant(tbl)
	defer s.broker.revoke(token)

	if err := stream.Send(&replayv1.InitializeConnectionResponse{Address: token}); err != nil {
		return errInternal("failed to write to stream: %v", err)
	}

	confirm, err := stream.Recv()
	if err != nil {
		return errInternal("failed to read from stream: %v", err)
	}
	if !confirm.OwnershipTransferred {
		return errInternal("received unexpected request")
	}
	return nil
}

// isLocalhostOrInProcess reports whether the peer can possibly share the
// server's process.
func isLocalhostOrInProcess(peer string) bool {
	if peer == "" {
		return false
	}
	if strings.HasPrefix(peer, "inproc") {
		return true
	}
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
