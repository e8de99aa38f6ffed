package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketKind is the 1-byte tag leading every ControlPacket frame.
type PacketKind byte

// Wire tags. These are a compatibility contract; do not renumber.
const (
	PacketInit    PacketKind = 0x01
	PacketData    PacketKind = 0x02
	PacketRefused PacketKind = 0x03
	PacketEnd     PacketKind = 0x04
	PacketPing    PacketKind = 0x05
)

var (
	// ErrEmptyFrame is returned for a zero-length frame.
	ErrEmptyFrame = errors.New("empty control frame")

	// ErrUnknownTag is returned for an unrecognized packet tag.
	ErrUnknownTag = errors.New("unknown control packet tag")

	// ErrMalformedFrame is returned when a frame is truncated or
	// carries bytes beyond its declared length.
	ErrMalformedFrame = errors.New("malformed control frame")
)

func (k PacketKind) String() string {
	switch k {
	case PacketInit:
		return "init"
	case PacketData:
		return "data"
	case PacketRefused:
		return "refused"
	case PacketEnd:
		return "end"
	case PacketPing:
		return "ping"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(k))
}

// ControlPacket is one multiplexed frame on the control link. Ping
// carries neither a stream id nor a payload; Data carries both; the
// rest carry only a stream id.
type ControlPacket struct {
	Kind   PacketKind
	Stream StreamID
	Data   []byte
}

// Init acknowledges (server -> client) or accepts a new end-user stream.
func Init(id StreamID) ControlPacket {
	return ControlPacket{Kind: PacketInit, Stream: id}
}

// Data carries stream bytes in either direction.
func Data(id StreamID, b []byte) ControlPacket {
	return ControlPacket{Kind: PacketData, Stream: id, Data: b}
}

// Refused signals the client rejected opening the stream.
func Refused(id StreamID) ControlPacket {
	return ControlPacket{Kind: PacketRefused, Stream: id}
}

// End signals EOF on a stream.
func End(id StreamID) ControlPacket {
	return ControlPacket{Kind: PacketEnd, Stream: id}
}

// Ping is the heartbeat, echoed back by the receiver.
func Ping() ControlPacket {
	return ControlPacket{Kind: PacketPing}
}

// Serialize encodes the packet: 1-byte tag, then for stream-bearing
// packets the 16-byte stream id, then for Data a big-endian u32 length
// and the payload.
func (p ControlPacket) Serialize() []byte {
	switch p.Kind {
	case PacketPing:
		return []byte{byte(PacketPing)}
	case PacketInit, PacketRefused, PacketEnd:
		out := make([]byte, 1+16)
		out[0] = byte(p.Kind)
		copy(out[1:], p.Stream[:])
		return out
	case PacketData:
		out := make([]byte, 1+16+4+len(p.Data))
		out[0] = byte(PacketData)
		copy(out[1:], p.Stream[:])
		binary.BigEndian.PutUint32(out[17:], uint32(len(p.Data)))
		copy(out[21:], p.Data)
		return out
	}
	return nil
}

// ParseControlPacket decodes one frame. Frames with trailing or
// missing bytes are rejected.
func ParseControlPacket(b []byte) (ControlPacket, error) {
	if len(b) == 0 {
		return ControlPacket{}, ErrEmptyFrame
	}

	kind := PacketKind(b[0])
	switch kind {
	case PacketPing:
		if len(b) != 1 {
			return ControlPacket{}, fmt.Errorf("%w: ping with %d trailing bytes", ErrMalformedFrame, len(b)-1)
		}
		return Ping(), nil

	case PacketInit, PacketRefused, PacketEnd:
		if len(b) != 1+16 {
			return ControlPacket{}, fmt.Errorf("%w: %s frame of %d bytes", ErrMalformedFrame, kind, len(b))
		}
		var id StreamID
		copy(id[:], b[1:17])
		return ControlPacket{Kind: kind, Stream: id}, nil

	case PacketData:
		if len(b) < 1+16+4 {
			return ControlPacket{}, fmt.Errorf("%w: truncated data frame of %d bytes", ErrMalformedFrame, len(b))
		}
		var id StreamID
		copy(id[:], b[1:17])
		n := binary.BigEndian.Uint32(b[17:21])
		payload := b[21:]
		if uint32(len(payload)) != n {
			return ControlPacket{}, fmt.Errorf("%w: declared %d payload bytes, got %d", ErrMalformedFrame, n, len(payload))
		}
		data := make([]byte, n)
		copy(data, payload)
		return ControlPacket{Kind: PacketData, Stream: id, Data: data}, nil
	}

	return ControlPacket{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, b[0])
}

// StreamMessage is what an active stream's sink accepts: a chunk of
// bytes destined for the socket, or a close notice. Close with no data
// flushes whatever is queued and then tears the socket down.
type StreamMessage struct {
	Data  []byte
	Close bool
}
