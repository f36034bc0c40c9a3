package integrity

import (
	"testing"

	"friendsync/pkg/syncerr"
	"friendsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem() *types.ContentItem {
	return &types.ContentItem{
		ID:                  "p1",
		OwnerID:             "alice",
		Ciphertext:          "c2VjcmV0IHBvc3Q=",
		Timestamp:           "2025-01-02T03:04:05.000000006Z",
		Signature:           "sig",
		AttachmentChecksums: []string{"bb", "aa", "cc"},
		SyncState:           types.SyncStateOriginal,
	}
}

func permutations(in []string) [][]string {
	if len(in) <= 1 {
		return [][]string{append([]string(nil), in...)}
	}
	var out [][]string
	for i := range in {
		rest := make([]string, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{in[i]}, p...))
		}
	}
	return out
}

func TestComputeHashOrderIndependent(t *testing.T) {
	item := testItem()
	want := ComputeHash(item.Ciphertext, item.Timestamp, item.Signature, item.AttachmentChecksums)

	for _, perm := range permutations([]string{"aa", "bb", "cc"}) {
		got := ComputeHash(item.Ciphertext, item.Timestamp, item.Signature, perm)
		assert.Equal(t, want, got, "permutation %v", perm)
	}

	// input slice is not reordered
	assert.Equal(t, []string{"bb", "aa", "cc"}, item.AttachmentChecksums)
}

func TestComputeHashEmptyFields(t *testing.T) {
	h := ComputeHash("", "", "", nil)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", h)
	assert.Equal(t, h, ComputeHash("", "", "", []string{}))
}

func TestTamperDetection(t *testing.T) {
	svc := NewService()
	base := testItem()
	base.ContentHash = svc.ComputeItemHash(base)
	require.NoError(t, svc.VerifyIntegrity(base))

	flip := func(s string) string {
		b := []byte(s)
		b[0] ^= 0x01
		return string(b)
	}

	tests := []struct {
		name   string
		mutate func(*types.ContentItem)
	}{
		{"ciphertext", func(c *types.ContentItem) { c.Ciphertext = flip(c.Ciphertext) }},
		{"timestamp", func(c *types.ContentItem) { c.Timestamp = flip(c.Timestamp) }},
		{"signature", func(c *types.ContentItem) { c.Signature = flip(c.Signature) }},
		{"attachment", func(c *types.ContentItem) {
			c.AttachmentChecksums = []string{"bb", flip("aa"), "cc"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := *base
			item.AttachmentChecksums = append([]string(nil), base.AttachmentChecksums...)
			tt.mutate(&item)

			assert.NotEqual(t, base.ContentHash, svc.ComputeItemHash(&item))
			err := svc.VerifyIntegrity(&item)
			require.Error(t, err)
			assert.True(t, syncerr.Is(err, syncerr.KindTamperedContent))
		})
	}
}

func TestSigningPayloadFallsBackToTimestamp(t *testing.T) {
	svc := NewService()
	item := &types.ContentItem{Timestamp: "2025-01-01T00:00:00Z"}
	assert.Equal(t, []byte("2025-01-01T00:00:00Z"), svc.SigningPayload(item))

	item.AttachmentChecksums = []string{"b", "a"}
	assert.Equal(t, []byte("ab"), svc.SigningPayload(item))

	item.Ciphertext = "x"
	assert.Equal(t, []byte("xab"), svc.SigningPayload(item))
}

func TestSignAndVerifyEd25519(t *testing.T) {
	svc := NewService()
	signer, err := GenerateEd25519Signer(nil)
	require.NoError(t, err)

	item := testItem()
	item.Signature = ""
	require.NoError(t, svc.Sign(item, signer))

	assert.NotEmpty(t, item.Signature)
	assert.NoError(t, svc.VerifyIntegrity(item))
	assert.True(t, svc.VerifySignature(item, signer.PublicKey()))

	other, err := GenerateEd25519Signer(nil)
	require.NoError(t, err)
	assert.False(t, svc.VerifySignature(item, other.PublicKey()))

	item.Ciphertext = "changed"
	assert.False(t, svc.VerifySignature(item, signer.PublicKey()))
}

func TestSignAndVerifyDilithium3(t *testing.T) {
	svc := NewService()
	signer, err := GenerateDilithium3Signer(nil, "sha3-256")
	require.NoError(t, err)

	item := testItem()
	require.NoError(t, svc.Sign(item, signer))
	assert.True(t, svc.VerifySignature(item, signer.PublicKey()))

	_, err = GenerateDilithium3Signer(nil, "md5")
	assert.Error(t, err)
}

func TestVerifyRejectsMalformedKeys(t *testing.T) {
	assert.False(t, Verify([]byte("x"), []byte("sig"), "nokey"))
	assert.False(t, Verify([]byte("x"), []byte("sig"), "rsa:AAAA"))
	assert.False(t, Verify([]byte("x"), []byte("sig"), "ed25519:!!!"))
}

func TestContentCIDMatchesHash(t *testing.T) {
	svc := NewService()
	item := testItem()
	item.ContentHash = svc.ComputeItemHash(item)

	c := ContentCID(item)
	require.NotEmpty(t, c)

	hash, err := HashFromCID(c)
	require.NoError(t, err)
	assert.Equal(t, item.ContentHash, hash)
}
