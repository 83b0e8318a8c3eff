package wire

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return got
}

func TestMessageRoundTrip(t *testing.T) {
	topHash := []byte("top-hash-bytes")

	tests := []struct {
		name string
		msg  *Message
	}{
		{"bitmap", NewBitmap(topHash, []byte{0x81, 0x80}, false)},
		{"bitmap reply", NewBitmap(topHash, []byte{0xff}, true)},
		{"interested true", NewInterested(topHash, true)},
		{"interested false", NewInterested(topHash, false)},
		{"choke", NewChoke(topHash, true)},
		{"have", NewHave(topHash, 42)},
		{"request", NewRequest(topHash, 1, 1024, 16384)},
		{"cancel", NewCancel(topHash, 1, 1024, 16384)},
		{"piece", NewPiece([]byte("piece-hash"), 2048, []byte("some piece bytes"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.msg)

			if got.Opcode != tt.msg.Opcode {
				t.Fatalf("Opcode = %v, want %v", got.Opcode, tt.msg.Opcode)
			}
			if !bytes.Equal(got.TopHash, tt.msg.TopHash) {
				t.Fatalf("TopHash mismatch")
			}
			if !bytes.Equal(got.Bitmap, tt.msg.Bitmap) {
				t.Fatalf("Bitmap mismatch")
			}
			if got.IsReply != tt.msg.IsReply {
				t.Fatalf("IsReply = %v, want %v", got.IsReply, tt.msg.IsReply)
			}
			if got.Interested != tt.msg.Interested {
				t.Fatalf("Interested = %v, want %v", got.Interested, tt.msg.Interested)
			}
			if got.Choked != tt.msg.Choked {
				t.Fatalf("Choked = %v, want %v", got.Choked, tt.msg.Choked)
			}
			if got.PieceNo != tt.msg.PieceNo {
				t.Fatalf("PieceNo = %d, want %d", got.PieceNo, tt.msg.PieceNo)
			}
			if got.Offset != tt.msg.Offset {
				t.Fatalf("Offset = %d, want %d", got.Offset, tt.msg.Offset)
			}
			if got.Length != tt.msg.Length {
				t.Fatalf("Length = %d, want %d", got.Length, tt.msg.Length)
			}
			if !bytes.Equal(got.Data, tt.msg.Data) {
				t.Fatalf("Data mismatch")
			}
			if !bytes.Equal(got.PieceHash, tt.msg.PieceHash) {
				t.Fatalf("PieceHash mismatch")
			}
		})
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xff // absurdly large length prefix
	r := bytes.NewReader(lenBuf[:])

	if _, err := ReadMessage(r); err == nil {
		t.Fatalf("expected error for oversized frame length")
	}
}

func TestUnmarshalEmptyPayload(t *testing.T) {
	var m Message
	if err := m.UnmarshalBinary(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestOpcodeString(t *testing.T) {
	if OpBitmap.String() != "BITMAP" {
		t.Fatalf("OpBitmap.String() = %q", OpBitmap.String())
	}
	if OpPiece.String() != "PIECE" {
		t.Fatalf("OpPiece.String() = %q", OpPiece.String())
	}
}
