package protocol

import "encoding/binary"

// framerState is the incremental message-framing state machine: length
// prefix, message id, payload, done. It consumes arbitrary byte-wise chunks
// (as delivered by a non-blocking socket read) and emits complete Messages
// as they become available, without ever blocking for more input.
type framerState int

const (
	waitLength framerState = iota
	waitID
	waitPayload
	frameDone
)

// Framer incrementally decodes a stream of length-prefixed BitTorrent
// messages from data delivered in arbitrary-sized chunks. Unlike
// Message.ReadFrom, it never blocks: Feed appends bytes to an internal
// buffer and each Next call returns at most one complete frame, so callers
// loop on Next to drain every frame that is available.
type Framer struct {
	state   framerState
	need    uint32 // bytes remaining to complete the current state
	length  uint32 // length prefix of the frame in progress
	id      MessageID
	payload []byte
	buf     []byte
}

// NewFramer returns a Framer ready to consume a fresh connection's byte
// stream.
func NewFramer() *Framer {
	return &Framer{state: waitLength}
}

// Feed appends newly-read bytes to the framer's internal buffer. It does not
// itself produce messages; call Next in a loop to drain them.
func (f *Framer) Feed(b []byte) {
	f.buf = append(f.buf, b...)
}

// Buffered reports how many undecoded bytes are currently queued.
func (f *Framer) Buffered() int { return len(f.buf) }

// Next attempts to decode one complete frame from the buffered bytes.
//
// It returns (msg, true, nil) when a full frame (including keep-alive, for
// which msg is nil) has been decoded. It returns (nil, false, nil) when more
// bytes are needed before a frame can complete. An error indicates a
// malformed length prefix or payload and means the connection must be torn
// down.
func (f *Framer) Next() (msg *Message, ok bool, err error) {
	for {
		switch f.state {
		case waitLength:
			if len(f.buf) < 4 {
				return nil, false, nil
			}
			f.length = binary.BigEndian.Uint32(f.buf[:4])
			f.buf = f.buf[4:]

			if f.length == 0 {
				return nil, true, nil // keep-alive
			}
			f.state = waitID

		case waitID:
			if len(f.buf) < 1 {
				return nil, false, nil
			}
			f.id = MessageID(f.buf[0])
			f.buf = f.buf[1:]
			f.need = f.length - 1

			if err := ValidateFrameLength(f.id, f.need); err != nil {
				f.state = waitLength
				return nil, false, err
			}

			f.payload = make([]byte, 0, f.need)
			f.state = waitPayload
			if f.need == 0 {
				f.state = frameDone
				continue
			}

		case waitPayload:
			if uint32(len(f.buf)) < f.need {
				f.payload = append(f.payload, f.buf...)
				f.need -= uint32(len(f.buf))
				f.buf = f.buf[:0]
				return nil, false, nil
			}
			f.payload = append(f.payload, f.buf[:f.need]...)
			f.buf = f.buf[f.need:]
			f.need = 0
			f.state = frameDone
			continue

		case frameDone:
			m := &Message{ID: f.id, Payload: f.payload}
			f.state = waitLength
			f.payload = nil
			if err := m.ValidatePayloadSize(); err != nil {
				return nil, false, err
			}
			return m, true, nil
		}
	}
}
