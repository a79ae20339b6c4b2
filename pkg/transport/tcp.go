package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/latticedb/lattice/pkg/security"
	"github.com/latticedb/lattice/pkg/wire"
)

// frameLenBytes is the length prefix on every frame sent over a
// TCPPeer connection: a 4-byte big-endian payload length, followed by
// the wire.Registry-encoded message (which itself carries its own
// type id/version/length header — see pkg/wire).
const frameLenBytes = 4

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [frameLenBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [frameLenBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Dialer resolves a node id to a dial address; pkg/topology's current
// View supplies this in the running grid.
type Dialer func(nodeID string) (address string, ok bool)

// TCPTransport is the reference Sender implementation (it has no Topic): TLS-
// wrapped, length-prefixed frames over net.Conn, authenticated with
// certs issued by the cluster's CertAuthority (pkg/security). It is
// suitable for tests and small real deployments (spec §4.12 NEW
// notes).
type TCPTransport struct {
	ca       *security.CertAuthority
	dial     Dialer
	nodeID   string
	registry Registry

	mu    sync.Mutex
	conns map[string]*tls.Conn
}

// NewTCPTransport creates a transport for nodeID, dialing peers via
// dial and authenticating with ca's issued certificates.
func NewTCPTransport(nodeID string, ca *security.CertAuthority, dial Dialer) *TCPTransport {
	return &TCPTransport{
		ca:       ca,
		dial:     dial,
		nodeID:   nodeID,
		registry: wire.DefaultRegistry,
		conns:    make(map[string]*tls.Conn),
	}
}

func (t *TCPTransport) connFor(ctx context.Context, nodeID string) (*tls.Conn, error) {
	t.mu.Lock()
	if c, ok := t.conns[nodeID]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	address, ok := t.dial(nodeID)
	if !ok {
		return nil, fmt.Errorf("transport: no known address for node %s", nodeID)
	}

	cert, err := t.ca.IssueClientCertificate(t.nodeID)
	if err != nil {
		return nil, fmt.Errorf("transport: issue client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      security.CertPool(t.ca.GetRootCACert()),
		ServerName:   nodeID,
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}
	conn := tls.Client(rawConn, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("transport: tls handshake with %s: %w", nodeID, err)
	}

	t.mu.Lock()
	t.conns[nodeID] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *TCPTransport) dropConn(nodeID string) {
	t.mu.Lock()
	delete(t.conns, nodeID)
	t.mu.Unlock()
}

// Send implements Sender.
func (t *TCPTransport) Send(ctx context.Context, nodeID string, typeID uint16, msg interface{}) (interface{}, error) {
	conn, err := t.connFor(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	payload, err := t.registry.Encode(typeID, msg)
	if err != nil {
		return nil, fmt.Errorf("transport: encode: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, payload); err != nil {
		t.dropConn(nodeID)
		return nil, fmt.Errorf("transport: write to %s: %w", nodeID, err)
	}

	respBuf, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		t.dropConn(nodeID)
		return nil, fmt.Errorf("transport: read from %s: %w", nodeID, err)
	}

	resp, _, _, err := t.registry.Decode(respBuf)
	if err != nil {
		return nil, fmt.Errorf("transport: decode response from %s: %w", nodeID, err)
	}
	return resp, nil
}

// Listener accepts inbound TLS connections and dispatches each framed
// message to handler, writing handler's returned ack back on the same
// connection.
type Listener struct {
	ca       *security.CertAuthority
	registry Registry
	listener net.Listener
	stopCh   chan struct{}
}

// Handler processes one decoded inbound message and returns the ack to
// send back (already encodable under its own registered type id).
type Handler func(nodeID string, typeID uint16, msg interface{}) (ackTypeID uint16, ack interface{})

// NewListener binds a TLS listener at address, authenticating peers
// with ca.
func NewListener(address string, ca *security.CertAuthority) (*Listener, error) {
	cert, err := ca.IssueNodeCertificate("listener", "grid", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: issue listener cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    security.CertPool(ca.GetRootCACert()),
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}

	raw, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}

	return &Listener{
		ca:       ca,
		registry: wire.DefaultRegistry,
		listener: tls.NewListener(raw, tlsCfg),
		stopCh:   make(chan struct{}),
	}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Serve accepts connections until Close is called, dispatching every
// frame on each connection to handler.
func (l *Listener) Serve(handler Handler) error {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return nil
			default:
				return err
			}
		}
		go l.serveConn(conn, handler)
	}
}

func (l *Listener) serveConn(conn net.Conn, handler Handler) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		payload, err := readFrame(reader)
		if err != nil {
			return
		}

		msg, typeID, _, err := l.registry.Decode(payload)
		if err != nil {
			return
		}

		ackTypeID, ack := handler(conn.RemoteAddr().String(), typeID, msg)
		ackPayload, err := l.registry.Encode(ackTypeID, ack)
		if err != nil {
			return
		}
		if err := writeFrame(conn, ackPayload); err != nil {
			return
		}
	}
}

// Close stops Serve and closes the listening socket.
func (l *Listener) Close() error {
	close(l.stopCh)
	return l.listener.Close()
}
