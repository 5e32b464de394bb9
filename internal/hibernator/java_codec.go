package hibernator

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize rejects oversized length-prefixed frames outright; a
// legitimate handshake/status/login packet never comes close to this.
const maxFrameSize = 2 * 1024 * 1024

// errFrameTooLarge signals a client sent a length-prefixed frame over
// maxFrameSize — the session should be closed silently, it may be a port scan.
var errFrameTooLarge = errors.New("frame exceeds maximum size")

// writeVarInt encodes v as an unsigned VarInt: 7 data bits per byte, MSB
// set to signal continuation, at most 5 bytes.
func writeVarInt(w io.Writer, v int32) error {
	u := uint32(v)
	var buf [5]byte
	n := 0
	for {
		b := byte(u & 0x7F)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		buf[n] = b
		n++
		if u == 0 {
			break
		}
	}
	_, err := w.Write(buf[:n])
	return err
}

// readVarInt decodes a VarInt, sign-extending the 32-bit result. It rejects
// sequences longer than 5 bytes.
func readVarInt(r io.ByteReader) (int32, error) {
	var result int32
	for i := 0; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return result, nil
		}
	}
	return 0, fmt.Errorf("varint is more than 5 bytes")
}

func writeString(w io.Writer, s string) error {
	if err := writeVarInt(w, int32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r *bufio.Reader) (string, error) {
	n, err := readVarInt(r)
	if err != nil {
		return "", err
	}
	if n < 0 || n > maxFrameSize {
		return "", errFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// javaPacket is a decoded, framed packet: a VarInt packet ID followed by
// its body bytes.
type javaPacket struct {
	ID   int32
	Body []byte
}

// readPacket reads one length-prefixed packet from r, rejecting frames over
// maxFrameSize.
func readPacket(r *bufio.Reader) (javaPacket, error) {
	length, err := readVarInt(r)
	if err != nil {
		return javaPacket{}, err
	}
	if length < 0 || length > maxFrameSize {
		return javaPacket{}, errFrameTooLarge
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return javaPacket{}, err
	}

	br := bufio.NewReader(bytes.NewReader(frame))
	id, err := readVarInt(br)
	if err != nil {
		return javaPacket{}, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return javaPacket{}, err
	}
	return javaPacket{ID: id, Body: body}, nil
}

// writePacket frames and writes a packet with the given ID and raw body.
func writePacket(w io.Writer, id int32, body []byte) error {
	var idBuf bytes.Buffer
	if err := writeVarInt(&idBuf, id); err != nil {
		return err
	}
	total := idBuf.Len() + len(body)

	if err := writeVarInt(w, int32(total)); err != nil {
		return err
	}
	if _, err := w.Write(idBuf.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Handshake is the first packet of any Java Edition connection.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

const (
	handshakeNextStatus = 1
	handshakeNextLogin  = 2
)

func decodeHandshake(p javaPacket) (Handshake, error) {
	if p.ID != 0x00 {
		return Handshake{}, fmt.Errorf("expected handshake packet id 0x00, got 0x%02X", p.ID)
	}
	r := bufio.NewReader(bytes.NewReader(p.Body))
	protocolVersion, err := readVarInt(r)
	if err != nil {
		return Handshake{}, err
	}
	addr, err := readString(r)
	if err != nil {
		return Handshake{}, err
	}
	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return Handshake{}, err
	}
	nextState, err := readVarInt(r)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{
		ProtocolVersion: protocolVersion,
		ServerAddress:   addr,
		ServerPort:      binary.BigEndian.Uint16(portBuf[:]),
		NextState:       nextState,
	}, nil
}

// statusResponseJSON mirrors the JSON document Status Response carries.
type statusResponseJSON struct {
	Version     statusVersion     `json:"version"`
	Players     statusPlayers     `json:"players"`
	Description statusDescription `json:"description"`
	Favicon     string            `json:"favicon,omitempty"`
}

type statusVersion struct {
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
}

type statusPlayers struct {
	Max    int   `json:"max"`
	Online int   `json:"online"`
	Sample []any `json:"sample"`
}

type statusDescription struct {
	Text string `json:"text"`
}

// buildStatusResponse encodes the Status Response (packet ID 0x00) shown to
// a client's server-list ping while the backing server hibernates.
func buildStatusResponse(motd string, maxPlayers int, favicon string) ([]byte, error) {
	doc := statusResponseJSON{
		Version:     statusVersion{Name: "Hibernating", Protocol: -1},
		Players:     statusPlayers{Max: maxPlayers, Online: 0, Sample: []any{}},
		Description: statusDescription{Text: motd},
		Favicon:     favicon,
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := writeString(&body, string(encoded)); err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}

// chatComponent is the minimal chat component shape used for Disconnect.
type chatComponent struct {
	Text string `json:"text"`
}

// buildDisconnect encodes a Disconnect packet (ID 0x00) carrying message as
// a plain-text chat component.
func buildDisconnect(message string) ([]byte, error) {
	encoded, err := json.Marshal(chatComponent{Text: message})
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := writeString(&body, string(encoded)); err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}

// buildPong echoes back the 8-byte ping payload unchanged, per the Java
// Edition Ping/Pong (ID 0x01) exchange.
func buildPong(payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}

// decodeLoginStart parses a Login Start packet (ID 0x00), returning just
// the player name — the UUID modern clients append is ignored, per the
// impersonator's reduced scope.
func decodeLoginStart(p javaPacket) (string, error) {
	if p.ID != 0x00 {
		return "", fmt.Errorf("expected login start packet id 0x00, got 0x%02X", p.ID)
	}
	r := bufio.NewReader(bytes.NewReader(p.Body))
	return readString(r)
}
