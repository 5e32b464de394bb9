package hibernator

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"
)

// sessionReadTimeout bounds each read within a Java impersonator session;
// a client that stalls past this is treated as having disconnected.
const sessionReadTimeout = 8 * time.Second

// bindListener opens the listening socket for spec, dispatching on edition.
func (m *ProxyManager) bindListener(spec ServerSpec) (managedListener, error) {
	addr := fmt.Sprintf("%s:%d", spec.ListenHost, spec.ListenPort)
	switch spec.Edition {
	case EditionBedrock:
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		return net.ListenUDP("udp", udpAddr)
	default:
		return net.Listen("tcp", addr)
	}
}

// serve runs the accept or receive loop for spec's listener, dispatching on
// edition. It returns once the listener is closed.
func (m *ProxyManager) serve(spec ServerSpec, listener managedListener) {
	switch l := listener.(type) {
	case net.Listener:
		m.serveJava(spec, l)
	case *net.UDPConn:
		m.serveBedrock(spec, l)
	default:
		slog.Error("unknown listener type, cannot serve", "server", spec.Name)
	}
}

// serveJava runs the TCP accept loop for a Java-edition impersonator.
func (m *ProxyManager) serveJava(spec ServerSpec, listener net.Listener) {
	slog.Info("java impersonator listening", "server", spec.Name, "addr", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept error", "server", spec.Name, "error", err)
			return
		}
		m.sessionWG.Add(1)
		go func() {
			defer m.sessionWG.Done()
			m.handleJavaSession(spec, conn)
		}()
	}
}

// handleJavaSession processes one client connection end to end: handshake,
// then branch into status or login handling. Malformed frames, timeouts,
// and EOF are silently swallowed — the client simply disconnected, or this
// is a port scan.
func (m *ProxyManager) handleJavaSession(spec ServerSpec, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
	r := bufio.NewReader(conn)

	first, err := readPacket(r)
	if err != nil {
		return
	}
	hs, err := decodeHandshake(first)
	if err != nil {
		return
	}

	switch hs.NextState {
	case handshakeNextStatus:
		m.handleJavaStatus(spec, conn, r)
	case handshakeNextLogin:
		m.handleJavaLogin(spec, conn, r)
	}
}

func (m *ProxyManager) handleJavaStatus(spec ServerSpec, conn net.Conn, r *bufio.Reader) {
	conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
	if _, err := readPacket(r); err != nil { // Status Request, empty body
		return
	}

	snap := m.states[spec.Name].Snapshot()
	body, err := buildStatusResponse(spec.MOTDHibernating, snap.LastMax, snap.LastIcon)
	if err != nil {
		slog.Error("failed to encode status response", "server", spec.Name, "error", err)
		return
	}
	if err := writePacket(conn, 0x00, body); err != nil {
		return
	}
	RecordProtocolSession(spec.Name, spec.Edition, "status")

	conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
	pingPacket, err := readPacket(r)
	if err != nil {
		return // client didn't ping; status-only probe
	}
	if pingPacket.ID == 0x01 {
		writePacket(conn, 0x01, buildPong(pingPacket.Body))
	}
}

func (m *ProxyManager) handleJavaLogin(spec ServerSpec, conn net.Conn, r *bufio.Reader) {
	conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
	loginPacket, err := readPacket(r)
	if err != nil {
		return
	}
	playerName, err := decodeLoginStart(loginPacket)
	if err != nil {
		return
	}

	body, err := buildDisconnect(spec.KickMessage)
	if err == nil {
		writePacket(conn, 0x00, body)
	}
	conn.Close()
	RecordProtocolSession(spec.Name, spec.Edition, "wake")

	slog.Info("login attempt triggered wake", "server", spec.Name, "player", playerName, "remote", conn.RemoteAddr())

	if m.states[spec.Name].IsProxyNeeded() {
		m.triggerWake(m.ctx, spec, playerName)
	}
}

// newServerGUID produces a random 63-bit value for a Bedrock impersonator
// instance, chosen once at bind time and reused for every pong it sends.
func newServerGUID() int64 {
	return rand.Int63()
}
