package market

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/nosana-ci/nosana-node/pkg/chain"
	"github.com/nosana-ci/nosana-node/pkg/types"
)

// Account data is laid out borsh-style behind an 8-byte anchor discriminator:
//
//	market: authority | jobPrice u64 | jobTimeout i64 | jobType u8 | vault |
//	        vaultBump u8 | nodeAccessKey | nodeXnosMinimum u64 | queueType u8 |
//	        queue vec<pubkey>
//	run:    job | node | payer | state u8 | time i64
//	job:    ipfsJob [32] | market | node | payer | price u64 | state u8 |
//	        timeStart i64 | timeEnd i64

// runNodeOffset is the byte offset of the node field inside a run account.
const runNodeOffset = 8 + 32

func accountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:8]
}

func instructionDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// accountReader walks account data sequentially. The first decode error
// sticks; callers check err once at the end.
type accountReader struct {
	data []byte
	pos  int
	err  error
}

func newAccountReader(name string, data []byte) *accountReader {
	r := &accountReader{data: data}
	if len(data) < 8 {
		r.err = fmt.Errorf("%s account: data too short", name)
		return r
	}
	r.pos = 8
	return r
}

func (r *accountReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("account data truncated at offset %d", r.pos)
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *accountReader) pubkey() chain.Pubkey {
	var p chain.Pubkey
	copy(p[:], r.take(32))
	return p
}

func (r *accountReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *accountReader) i64() int64 {
	return int64(r.u64())
}

func (r *accountReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *accountReader) bytes32() [32]byte {
	var out [32]byte
	copy(out[:], r.take(32))
	return out
}

func (r *accountReader) pubkeyVec() []chain.Pubkey {
	n := r.take(4)
	if n == nil {
		return nil
	}
	count := binary.LittleEndian.Uint32(n)
	out := make([]chain.Pubkey, 0, count)
	for i := uint32(0); i < count; i++ {
		out = append(out, r.pubkey())
	}
	return out
}

func decodeMarket(addr chain.Pubkey, data []byte) (*types.Market, error) {
	r := newAccountReader("market", data)
	m := &types.Market{
		Address:         addr,
		Authority:       r.pubkey(),
		JobPrice:        r.u64(),
		JobTimeout:      r.i64(),
		JobType:         r.u8(),
		Vault:           r.pubkey(),
		VaultBump:       r.u8(),
		NodeAccessKey:   r.pubkey(),
		NodeXnosMinimum: r.u64(),
		QueueType:       r.u8(),
		Queue:           r.pubkeyVec(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode market %s: %w", addr, r.err)
	}
	return m, nil
}

func decodeRun(addr chain.Pubkey, data []byte) (*types.Run, error) {
	r := newAccountReader("run", data)
	run := &types.Run{
		Address: addr,
		Job:     r.pubkey(),
		Node:    r.pubkey(),
		Payer:   r.pubkey(),
		State:   r.u8(),
		Time:    r.i64(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode run %s: %w", addr, r.err)
	}
	return run, nil
}

func decodeJob(addr chain.Pubkey, data []byte) (*types.Job, error) {
	r := newAccountReader("job", data)
	job := &types.Job{
		Address:   addr,
		IpfsJob:   r.bytes32(),
		Market:    r.pubkey(),
		Node:      r.pubkey(),
		Payer:     r.pubkey(),
		Price:     r.u64(),
		State:     r.u8(),
		TimeStart: r.i64(),
		TimeEnd:   r.i64(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode job %s: %w", addr, r.err)
	}
	return job, nil
}
