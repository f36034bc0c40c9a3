package integrity

import (
	"encoding/hex"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"friendsync/pkg/types"
)

// ContentCID returns a CIDv1 (raw codec, sha2-256 multihash) over the same
// preimage the content hash covers. The multihash digest equals the bytes of
// ContentHash, so the two identifiers always agree.
func ContentCID(item *types.ContentItem) string {
	c, err := ContentCIDOf(item)
	if err != nil {
		return ""
	}
	return c.String()
}

// ContentCIDOf is ContentCID returning the parsed CID.
func ContentCIDOf(item *types.ContentItem) (cid.Cid, error) {
	preimage := hashPreimage(item.Ciphertext, item.Timestamp, item.Signature, item.AttachmentChecksums)
	sum, err := multihash.Sum(preimage, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// HashFromCID extracts the hex content hash from a CID string produced by
// ContentCID.
func HashFromCID(s string) (string, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", err
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(decoded.Digest), nil
}
