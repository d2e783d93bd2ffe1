package ipfs

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CidFromDigest converts the 32-byte sha2-256 digest stored on chain into a
// CIDv0 string.
func CidFromDigest(digest [32]byte) (string, error) {
	mh, err := multihash.Encode(digest[:], multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV0(mh).String(), nil
}

// DigestFromCid extracts the 32-byte sha2-256 digest from a CID string.
func DigestFromCid(s string) ([32]byte, error) {
	var digest [32]byte
	c, err := cid.Decode(s)
	if err != nil {
		return digest, fmt.Errorf("decode cid %q: %w", s, err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return digest, fmt.Errorf("decode multihash: %w", err)
	}
	if decoded.Code != multihash.SHA2_256 || decoded.Length != 32 {
		return digest, fmt.Errorf("cid %q is not a sha2-256 multihash", s)
	}
	copy(digest[:], decoded.Digest)
	return digest, nil
}
