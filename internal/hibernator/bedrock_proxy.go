package hibernator

import (
	"errors"
	"log/slog"
	"net"
)

// bedrockReadBufferSize comfortably exceeds any offline RakNet message this
// impersonator needs to parse.
const bedrockReadBufferSize = 1500

// serveBedrock runs the UDP receive loop for a Bedrock-edition
// impersonator. Each datagram is handled independently — UDP is
// connectionless, so there is no per-client session state.
func (m *ProxyManager) serveBedrock(spec ServerSpec, conn *net.UDPConn) {
	slog.Info("bedrock impersonator listening", "server", spec.Name, "addr", conn.LocalAddr())
	serverGUID := newServerGUID()
	buf := make([]byte, bedrockReadBufferSize)

	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("bedrock read error", "server", spec.Name, "error", err)
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		m.sessionWG.Add(1)
		go func() {
			defer m.sessionWG.Done()
			m.handleBedrockDatagram(spec, conn, remote, serverGUID, datagram)
		}()
	}
}

func (m *ProxyManager) handleBedrockDatagram(spec ServerSpec, conn *net.UDPConn, remote *net.UDPAddr, serverGUID int64, datagram []byte) {
	if ping, ok := parseUnconnectedPing(datagram); ok {
		m.handleBedrockPing(spec, conn, remote, serverGUID, ping)
		return
	}
	if isOpenConnectionRequest1(datagram) {
		m.handleBedrockOpenConnection(spec, conn, remote, serverGUID)
		return
	}
	// All other datagrams are silently dropped.
}

func (m *ProxyManager) handleBedrockPing(spec ServerSpec, conn *net.UDPConn, remote *net.UDPAddr, serverGUID int64, ping unconnectedPing) {
	snap := m.states[spec.Name].Snapshot()
	resp := buildUnconnectedPong(ping.ClientTime, serverGUID, spec.MOTDHibernating, snap.LastMax, spec.ListenPort, 19133)
	if _, err := conn.WriteToUDP(resp, remote); err != nil {
		slog.Warn("failed to send bedrock pong", "server", spec.Name, "error", err)
		return
	}
	RecordProtocolSession(spec.Name, spec.Edition, "status")
}

func (m *ProxyManager) handleBedrockOpenConnection(spec ServerSpec, conn *net.UDPConn, remote *net.UDPAddr, serverGUID int64) {
	resp := buildIncompatibleProtocol(serverGUID)
	if _, err := conn.WriteToUDP(resp, remote); err != nil {
		slog.Warn("failed to send incompatible-protocol reply", "server", spec.Name, "error", err)
	}
	RecordProtocolSession(spec.Name, spec.Edition, "wake")

	slog.Info("connection attempt triggered bedrock wake", "server", spec.Name, "remote", remote)

	// UDP has no per-connection close: the listener itself must be
	// unbound before the controller start is issued, since the backing
	// server will rebind the same UDP port.
	if m.states[spec.Name].IsProxyNeeded() {
		m.triggerWake(m.ctx, spec, "")
	}
}
