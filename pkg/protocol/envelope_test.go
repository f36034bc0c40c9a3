package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"friendsync/pkg/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCarriesTypeTag(t *testing.T) {
	raw, err := Encode(&SyncRequest{
		RequestID:        "r1",
		RequestedContent: []RequestedItem{{PostID: "p1", ContentHash: "h1"}},
	})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, `"sync_request"`, string(env["type"]))
	assert.JSONEq(t, `{"requestId":"r1","requestedContent":[{"postId":"p1","contentHash":"h1","includeAttachments":false}]}`, string(env["data"]))
}

func TestDecodeReturnsTypedVariant(t *testing.T) {
	messages := []Message{
		&FriendVerification{UserID: "alice", Timestamp: "2025-01-01T00:00:00Z"},
		&FriendVerified{Verified: false, Reason: "not a friend"},
		&ContentAnnouncement{OwnerID: "alice", Items: []AnnouncedItem{{PostID: "p1", ContentHash: "h1"}}},
		&SyncRequest{RequestID: "r1"},
		&SyncResponse{RequestID: "r1", Content: []ResponseItem{{PostID: "p1", Success: true, Payload: json.RawMessage(`{"id":"p1"}`)}}},
	}

	for _, msg := range messages {
		t.Run(string(msg.Type()), func(t *testing.T) {
			raw, err := Encode(msg)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"unknown type", `{"type":"gossip","data":{}}`},
		{"missing data", `{"type":"sync_request"}`},
		{"wrong body shape", `{"type":"sync_request","data":{"requestedContent":"nope"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, syncerr.Is(err, syncerr.KindMalformedPayload))
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one")))
	require.NoError(t, WriteFrame(&buf, []byte("two")))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(first))

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(second))

	_, err = EncodeFrame(nil)
	assert.Error(t, err)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Error(t, err)
}

func TestPayloadItemConversion(t *testing.T) {
	p := PostPayload{ID: "p1", OwnerID: "alice", Ciphertext: "ct", ContentHash: "h", AttachmentChecksums: []string{"a"}}
	item := p.Item()
	assert.Equal(t, "alice", string(item.OwnerID))
	assert.NoError(t, item.Validate())

	back := PayloadFromItem(item, false)
	assert.Empty(t, back.AttachmentChecksums)
	assert.Equal(t, []string{"a"}, PayloadFromItem(item, true).AttachmentChecksums)
}

func TestResponseItemKeepsRawPayload(t *testing.T) {
	raw := []byte(`{"type":"sync_response","data":{"requestId":"r1","content":[` +
		`{"postId":"p1","contentHash":"h1","success":true,"payload":{"id":"p1","ownerId":"alice","contentHash":"h1","extra":{"nested":true}}}]}}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	resp, ok := msg.(*SyncResponse)
	require.True(t, ok)
	require.Len(t, resp.Content, 1)
	assert.Contains(t, string(resp.Content[0].Payload), `"extra"`)

	post, err := resp.Content[0].Post()
	require.NoError(t, err)
	assert.Equal(t, PostPayload{ID: "p1", OwnerID: "alice", ContentHash: "h1"}, *post)

	_, err = ResponseItem{PostID: "p2"}.Post()
	assert.Error(t, err)
	_, err = ResponseItem{PostID: "p3", Payload: json.RawMessage(`[1]`)}.Post()
	assert.Error(t, err)
}

func TestEncodeSyncDataKeepsPostsVerbatim(t *testing.T) {
	raw, err := EncodeSyncData("alice", []json.RawMessage{json.RawMessage(`{"id":"p1","private_key":"x"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"alice","posts":[{"id":"p1","private_key":"x"}]}`, string(raw))

	raw, err = EncodeSyncData("alice", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"alice","posts":[]}`, string(raw))
}
