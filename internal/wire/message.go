// Package wire implements the swarm message schema: seven opcodes, their
// typed fields, and length-prefixed framing over a byte stream. It mirrors
// the style of a BitTorrent peer-wire codec: one Message struct, per-opcode
// constructors, and symmetric MarshalBinary/UnmarshalBinary pairs.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the kind of a swarm message.
type Opcode uint8

const (
	OpBitmap     Opcode = 0
	OpInterested Opcode = 1
	OpChoke      Opcode = 2
	OpHave       Opcode = 3
	OpRequest    Opcode = 4
	OpCancel     Opcode = 5
	OpPiece      Opcode = 6
)

func (op Opcode) String() string {
	switch op {
	case OpBitmap:
		return "BITMAP"
	case OpInterested:
		return "INTERESTED"
	case OpChoke:
		return "CHOKE"
	case OpHave:
		return "HAVE"
	case OpRequest:
		return "REQUEST"
	case OpCancel:
		return "CANCEL"
	case OpPiece:
		return "PIECE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(op))
	}
}

// maxFrameLen bounds a single message's payload to guard against a
// malformed or hostile length prefix forcing an unbounded allocation.
const maxFrameLen = 64 << 20 // 64 MiB, comfortably above one piece + header

// Message is a single decoded swarm-protocol message. Only the fields
// relevant to Opcode are populated; callers build messages with the
// per-opcode constructors below and read the fields directly.
type Message struct {
	Opcode Opcode

	TopHash    []byte // BITMAP, INTERESTED, CHOKE, HAVE, REQUEST, CANCEL
	PieceHash  []byte // PIECE
	Bitmap     []byte // BITMAP
	IsReply    bool   // BITMAP
	Interested bool   // INTERESTED
	Choked     bool   // CHOKE
	PieceNo    uint32 // HAVE, REQUEST, CANCEL
	Offset     uint32 // REQUEST, CANCEL, PIECE
	Length     uint32 // REQUEST, CANCEL
	Data       []byte // PIECE
}

// NewBitmap builds a BITMAP message.
func NewBitmap(topHash, bitmap []byte, isReply bool) *Message {
	return &Message{Opcode: OpBitmap, TopHash: topHash, Bitmap: bitmap, IsReply: isReply}
}

// NewInterested builds an INTERESTED message.
func NewInterested(topHash []byte, interested bool) *Message {
	return &Message{Opcode: OpInterested, TopHash: topHash, Interested: interested}
}

// NewChoke builds a CHOKE message.
func NewChoke(topHash []byte, choked bool) *Message {
	return &Message{Opcode: OpChoke, TopHash: topHash, Choked: choked}
}

// NewHave builds a HAVE message.
func NewHave(topHash []byte, pieceNo uint32) *Message {
	return &Message{Opcode: OpHave, TopHash: topHash, PieceNo: pieceNo}
}

// NewRequest builds a REQUEST message.
func NewRequest(topHash []byte, pieceNo, offset, length uint32) *Message {
	return &Message{Opcode: OpRequest, TopHash: topHash, PieceNo: pieceNo, Offset: offset, Length: length}
}

// NewCancel builds a CANCEL message.
func NewCancel(topHash []byte, pieceNo, offset, length uint32) *Message {
	return &Message{Opcode: OpCancel, TopHash: topHash, PieceNo: pieceNo, Offset: offset, Length: length}
}

// NewPiece builds a PIECE message.
func NewPiece(pieceHash []byte, offset uint32, data []byte) *Message {
	return &Message{Opcode: OpPiece, PieceHash: pieceHash, Offset: offset, Data: data}
}

// MarshalBinary encodes m as its wire payload: one opcode byte followed by
// the opcode's typed fields. It does not include the length prefix; use
// WriteMessage for a framed write.
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Opcode))

	switch m.Opcode {
	case OpBitmap:
		writeBytes(&buf, m.TopHash)
		writeBytes(&buf, m.Bitmap)
		writeBool(&buf, m.IsReply)
	case OpInterested:
		writeBytes(&buf, m.TopHash)
		writeBool(&buf, m.Interested)
	case OpChoke:
		writeBytes(&buf, m.TopHash)
		writeBool(&buf, m.Choked)
	case OpHave:
		writeBytes(&buf, m.TopHash)
		writeUint32(&buf, m.PieceNo)
	case OpRequest, OpCancel:
		writeBytes(&buf, m.TopHash)
		writeUint32(&buf, m.PieceNo)
		writeUint32(&buf, m.Offset)
		writeUint32(&buf, m.Length)
	case OpPiece:
		writeBytes(&buf, m.PieceHash)
		writeUint32(&buf, m.Offset)
		writeBytes(&buf, m.Data)
	default:
		return nil, fmt.Errorf("wire: marshal: unknown opcode %d", m.Opcode)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the opcode-prefixed payload produced by
// MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("wire: unmarshal: empty payload")
	}

	r := bytes.NewReader(data[1:])
	m.Opcode = Opcode(data[0])

	var err error
	switch m.Opcode {
	case OpBitmap:
		if m.TopHash, err = readBytes(r); err != nil {
			return err
		}
		if m.Bitmap, err = readBytes(r); err != nil {
			return err
		}
		m.IsReply, err = readBool(r)
	case OpInterested:
		if m.TopHash, err = readBytes(r); err != nil {
			return err
		}
		m.Interested, err = readBool(r)
	case OpChoke:
		if m.TopHash, err = readBytes(r); err != nil {
			return err
		}
		m.Choked, err = readBool(r)
	case OpHave:
		if m.TopHash, err = readBytes(r); err != nil {
			return err
		}
		m.PieceNo, err = readUint32(r)
	case OpRequest, OpCancel:
		if m.TopHash, err = readBytes(r); err != nil {
			return err
		}
		if m.PieceNo, err = readUint32(r); err != nil {
			return err
		}
		if m.Offset, err = readUint32(r); err != nil {
			return err
		}
		m.Length, err = readUint32(r)
	case OpPiece:
		if m.PieceHash, err = readBytes(r); err != nil {
			return err
		}
		if m.Offset, err = readUint32(r); err != nil {
			return err
		}
		m.Data, err = readBytes(r)
	default:
		return fmt.Errorf("wire: unmarshal: unknown opcode %d", m.Opcode)
	}

	return err
}

// WriteTo frames m as a 4-byte big-endian length prefix followed by its
// marshaled payload, and writes it to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	payload, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	n1, err := w.Write(lenBuf[:])
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(payload)
	return int64(n1 + n2), err
}

// ReadMessage reads one length-prefixed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, maxFrameLen)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame: %w", err)
	}

	m := &Message{}
	if err := m.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteMessage is a convenience wrapper around m.WriteTo.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: read uint32: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("wire: read bool: %w", err)
	}
	return b != 0, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(n) > maxFrameLen {
		return nil, fmt.Errorf("wire: byte-string length %d exceeds max %d", n, maxFrameLen)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read bytes: %w", err)
	}
	return buf, nil
}
