package protocol

import "testing"

func TestFramer_KeepAlive(t *testing.T) {
	f := NewFramer()
	f.Feed([]byte{0, 0, 0, 0})

	msg, ok, err := f.Next()
	if err != nil {
		t.Fatalf("Next() err: %v", err)
	}
	if !ok || msg != nil {
		t.Fatalf("Next() = (%v,%v), want (nil,true)", msg, ok)
	}
}

func TestFramer_SingleMessageWholeFrame(t *testing.T) {
	want := MessageHave(7)
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	f := NewFramer()
	f.Feed(b)

	got, ok, err := f.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = (%v,%v,%v)", got, ok, err)
	}
	if idx, ok := got.ParseHave(); !ok || idx != 7 {
		t.Fatalf("ParseHave() = (%d,%v), want (7,true)", idx, ok)
	}
}

func TestFramer_FeedOneByteAtATime(t *testing.T) {
	want := MessageRequest(1, 2, 3)
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	f := NewFramer()
	var got *Message
	for i := 0; i < len(b); i++ {
		f.Feed(b[i : i+1])
		msg, ok, err := f.Next()
		if err != nil {
			t.Fatalf("Next() err at byte %d: %v", i, err)
		}
		if ok {
			got = msg
		}
	}

	if got == nil {
		t.Fatalf("frame never completed")
	}
	idx, begin, length, ok := got.ParseRequest()
	if !ok || idx != 1 || begin != 2 || length != 3 {
		t.Fatalf("ParseRequest() = (%d,%d,%d,%v)", idx, begin, length, ok)
	}
}

func TestFramer_MultipleFramesInOneFeed(t *testing.T) {
	a, _ := MessageChoke().MarshalBinary()
	b, _ := MessageUnchoke().MarshalBinary()

	f := NewFramer()
	f.Feed(append(append([]byte{}, a...), b...))

	m1, ok, err := f.Next()
	if err != nil || !ok || m1.ID != Choke {
		t.Fatalf("first frame = (%v,%v,%v)", m1, ok, err)
	}
	m2, ok, err := f.Next()
	if err != nil || !ok || m2.ID != Unchoke {
		t.Fatalf("second frame = (%v,%v,%v)", m2, ok, err)
	}
	if _, ok, err := f.Next(); ok || err != nil {
		t.Fatalf("expected no third frame, got (%v,%v)", ok, err)
	}
}

func TestFramer_InvalidPayloadSizeErrors(t *testing.T) {
	bad := &Message{ID: Have, Payload: []byte{1, 2}} // Have must be 4 bytes
	b, err := bad.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	f := NewFramer()
	f.Feed(b)

	if _, _, err := f.Next(); err == nil {
		t.Fatalf("expected ValidatePayloadSize error, got nil")
	}
}

func TestFramer_RejectsBeforeBufferingPayload(t *testing.T) {
	// length prefix declares an oversized Choke payload (must be 0); the
	// framer must reject this as soon as id is known, without waiting for
	// the (never-sent) declared payload bytes to arrive.
	var hdr [5]byte
	hdr[0], hdr[1], hdr[2], hdr[3] = 0, 0, 0, 5
	hdr[4] = byte(Choke)

	f := NewFramer()
	f.Feed(hdr[:])

	if _, ok, err := f.Next(); err == nil || ok {
		t.Fatalf("Next() = (ok=%v, err=%v), want a length error with only the header fed", ok, err)
	}
}

func TestFramer_RejectsOversizedPiecePayload(t *testing.T) {
	oversized := &Message{ID: Piece, Payload: make([]byte, maxBlockPayload+1)}
	b, err := oversized.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	f := NewFramer()
	f.Feed(b[:5]) // header only: length prefix + id

	if _, _, err := f.Next(); err == nil {
		t.Fatalf("expected an oversized-payload error before any payload bytes were fed")
	}
}

func TestFramer_BufferedReflectsUnconsumedBytes(t *testing.T) {
	f := NewFramer()
	f.Feed([]byte{0, 0})
	if got := f.Buffered(); got != 2 {
		t.Fatalf("Buffered() = %d, want 2", got)
	}
}
