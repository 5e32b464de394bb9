package hibernator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// raknetMagic is the fixed 16-byte sequence present in every offline RakNet
// message, used to distinguish genuine RakNet traffic from noise.
var raknetMagic = [16]byte{0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE, 0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78}

const (
	idUnconnectedPing        = 0x01
	idUnconnectedPong        = 0x1C
	idOpenConnectionRequest1 = 0x05
	idIncompatibleProtocol   = 0x19
	raknetProtocolVersion    = 11
)

// unconnectedPing is the decoded payload of an Unconnected Ping datagram.
type unconnectedPing struct {
	ClientTime uint64
	ClientGUID int64
}

// parseUnconnectedPing validates and decodes an Unconnected Ping datagram.
// ok is false if the datagram is too short, has the wrong packet ID, or its
// magic bytes don't match — such datagrams are silently dropped by the
// caller.
func parseUnconnectedPing(data []byte) (unconnectedPing, bool) {
	if len(data) < 33 || data[0] != idUnconnectedPing {
		return unconnectedPing{}, false
	}
	if !bytes.Equal(data[9:25], raknetMagic[:]) {
		return unconnectedPing{}, false
	}
	return unconnectedPing{
		ClientTime: binary.BigEndian.Uint64(data[1:9]),
		ClientGUID: int64(binary.BigEndian.Uint64(data[25:33])),
	}, true
}

// stripFormattingCodes removes Minecraft's "§x" formatting codes from a
// MOTD string so it prints cleanly in the Bedrock server list, where
// per-segment coloring is not honored the way it is on the status-ping path.
func stripFormattingCodes(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '§' {
			i++ // also skip the following format-code character
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// buildUnconnectedPong encodes the Unconnected Pong response to a ping.
// serverGUID is a random 63-bit value chosen once per impersonator instance.
func buildUnconnectedPong(clientTime uint64, serverGUID int64, motd string, maxPlayers, portV4, portV6 int) []byte {
	const protocolVersion = 729
	const versionName = "1.21.80"

	serverName := strings.Join([]string{
		"MCPE",
		stripFormattingCodes(motd),
		fmt.Sprintf("%d", protocolVersion),
		versionName,
		"0",
		fmt.Sprintf("%d", maxPlayers),
		fmt.Sprintf("%d", serverGUID),
		stripFormattingCodes(motd),
		"Survival",
		"1",
		fmt.Sprintf("%d", portV4),
		fmt.Sprintf("%d", portV6),
	}, ";")

	var buf bytes.Buffer
	buf.WriteByte(idUnconnectedPong)
	binary.Write(&buf, binary.BigEndian, clientTime)
	binary.Write(&buf, binary.BigEndian, serverGUID)
	buf.Write(raknetMagic[:])
	binary.Write(&buf, binary.BigEndian, uint16(len(serverName)))
	buf.WriteString(serverName)
	return buf.Bytes()
}

// isOpenConnectionRequest1 reports whether data is a valid Open Connection
// Request 1 datagram.
func isOpenConnectionRequest1(data []byte) bool {
	if len(data) < 25 || data[0] != idOpenConnectionRequest1 {
		return false
	}
	return bytes.Equal(data[1:17], raknetMagic[:])
}

// buildIncompatibleProtocol encodes the reply telling a connecting client
// this "server" speaks a different RakNet protocol version than it expects
// — the impersonator's way of rejecting a real connection attempt while
// still triggering a wake.
func buildIncompatibleProtocol(serverGUID int64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(idIncompatibleProtocol)
	buf.WriteByte(raknetProtocolVersion)
	buf.Write(raknetMagic[:])
	binary.Write(&buf, binary.BigEndian, serverGUID)
	return buf.Bytes()
}
