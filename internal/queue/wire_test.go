package queue

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	req := PushRequest{
		Queue: "ingestion",
		Messages: []PushMessage{
			{ID: "m1", Priority: 2, Contents: []byte(`{"type":"message"}`)},
		},
	}
	frame, err := EncodeFrame(OpPush, req)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	op, body, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if op != OpPush {
		t.Errorf("Expected opcode 0x%02x, got 0x%02x", OpPush, op)
	}
	if !bytes.Contains(body, []byte("ingestion")) {
		t.Errorf("Expected body to carry queue name, got %s", body)
	}
}

func TestFrameNilBody(t *testing.T) {
	frame, err := EncodeFrame(OpList, nil)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	op, body, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if op != OpList || len(body) != 0 {
		t.Errorf("Expected empty list frame, got op=0x%02x body=%q", op, body)
	}
}

func TestFrameSizePartial(t *testing.T) {
	frame, err := EncodeFrame(OpPoll, PollRequest{Queue: "q", Count: 1})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	// Header not yet complete.
	if n, err := frameSize(frame[:2]); err != nil || n != 0 {
		t.Errorf("Expected incomplete header to report 0, got n=%d err=%v", n, err)
	}
	// Header complete, body truncated.
	if n, err := frameSize(frame[:len(frame)-1]); err != nil || n != 0 {
		t.Errorf("Expected truncated body to report 0, got n=%d err=%v", n, err)
	}
	// Full frame plus trailing bytes of the next one.
	extended := append(append([]byte{}, frame...), 0x00, 0x00)
	if n, err := frameSize(extended); err != nil || n != len(frame) {
		t.Errorf("Expected full frame size %d, got n=%d err=%v", len(frame), n, err)
	}
}

func TestFrameSizeRejectsOversize(t *testing.T) {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	if _, err := frameSize(header[:]); err != ErrFrameTooLarge {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameSizeRejectsZeroLength(t *testing.T) {
	var header [frameHeaderSize]byte
	if _, err := frameSize(header[:]); err != ErrShortFrame {
		t.Errorf("Expected ErrShortFrame for zero length, got %v", err)
	}
}

func TestReadFrame(t *testing.T) {
	frame, err := EncodeFrame(StatusOK, PushResponse{IDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	status, body, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if status != StatusOK {
		t.Errorf("Expected StatusOK, got 0x%02x", status)
	}
	if !bytes.Contains(body, []byte(`"a"`)) {
		t.Errorf("Expected ids in body, got %s", body)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	frame, _ := EncodeFrame(StatusOK, ListResponse{Queues: []string{"q"}})
	if _, _, err := ReadFrame(bytes.NewReader(frame[:len(frame)-2])); err == nil {
		t.Error("Expected error for truncated stream")
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	f1, _ := EncodeFrame(OpList, nil)
	f2, _ := EncodeFrame(OpStats, StatsRequest{Queue: "q"})
	stream := append(append([]byte{}, f1...), f2...)

	n1, err := frameSize(stream)
	if err != nil || n1 != len(f1) {
		t.Fatalf("Expected first frame size %d, got %d (%v)", len(f1), n1, err)
	}
	op1, _, _ := DecodeFrame(stream[:n1])
	if op1 != OpList {
		t.Errorf("Expected first opcode OpList, got 0x%02x", op1)
	}

	rest := stream[n1:]
	n2, err := frameSize(rest)
	if err != nil || n2 != len(f2) {
		t.Fatalf("Expected second frame size %d, got %d (%v)", len(f2), n2, err)
	}
	op2, body2, _ := DecodeFrame(rest[:n2])
	if op2 != OpStats || !bytes.Contains(body2, []byte(`"q"`)) {
		t.Errorf("Expected second frame OpStats for q, got 0x%02x %s", op2, body2)
	}
}
