package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"friendsync/pkg/syncerr"
)

const MaxFrameSize = 128 << 20

type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	return json.Marshal(Envelope{Type: msg.Type(), Data: data})
}

// Decode parses an envelope into its typed variant. Unknown types and
// undecodable bodies are MalformedPayload errors.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, "invalid envelope", err)
	}
	if len(env.Data) == 0 {
		return nil, syncerr.New(syncerr.KindMalformedPayload, fmt.Sprintf("%s envelope has no data", env.Type))
	}

	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, fmt.Sprintf("invalid %s body", env.Type), err)
	}
	return msg, nil
}

func newMessage(t MessageType) (Message, error) {
	switch t {
	case TypeFriendVerification:
		return &FriendVerification{}, nil
	case TypeFriendVerified:
		return &FriendVerified{}, nil
	case TypeContentAnnouncement:
		return &ContentAnnouncement{}, nil
	case TypeSyncRequest:
		return &SyncRequest{}, nil
	case TypeSyncResponse:
		return &SyncResponse{}, nil
	default:
		return nil, syncerr.New(syncerr.KindMalformedPayload, fmt.Sprintf("unknown message type %q", t))
	}
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
