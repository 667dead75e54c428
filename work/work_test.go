package work

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s9_miner/job"
)

func genesisHeader(t *testing.T) *wire.BlockHeader {
	merkle, err := chainhash.NewHashFromStr("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")
	require.NoError(t, err)
	return &wire.BlockHeader{
		Version:    1,
		MerkleRoot: *merkle,
		Timestamp:  time.Unix(1231006505, 0),
		Bits:       0x1d00ffff,
	}
}

const genesisNonce = 2083236893

func testTemplate(t *testing.T, rolling bool) *Template {
	tmpl, err := NewTemplate(TemplateConfig{
		PrevHash:    "00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054",
		CoinB1:      "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20",
		CoinB2:      "ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		ExtraNonce1: "f8002c90",
		MerkleBranch: []string{
			"5aa0bd1d3e6d6ab8e5a8e0b6d9f1a5e2c3e3d5b6a7f8091a2b3c4d5e6f708192",
			"0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20",
		},
		Version:        0x20000000,
		Nbits:          0x17148edf,
		Ntime:          1700000000,
		VersionRolling: rolling,
	})
	require.NoError(t, err)
	return tmpl
}

func TestTemplateErrors(t *testing.T) {
	_, err := NewTemplate(TemplateConfig{PrevHash: "zz"})
	assert.Error(t, err)
	_, err = NewTemplate(TemplateConfig{PrevHash: "00", CoinB1: "0g"})
	assert.Error(t, err)
	_, err = NewTemplate(TemplateConfig{PrevHash: "00", MerkleBranch: []string{"0102"}})
	assert.Error(t, err)
}

func TestMerkleRoot(t *testing.T) {
	tmpl := testTemplate(t, false)

	var en2 [4]byte
	binary.BigEndian.PutUint32(en2[:], 7)
	cb := append(append(append(append([]byte{}, tmpl.CoinB1...), tmpl.ExtraNonce1...), en2[:]...), tmpl.CoinB2...)
	root := chainhash.DoubleHashB(cb)
	for _, h := range tmpl.MerkleBranch {
		root = chainhash.DoubleHashB(append(root, h[:]...))
	}

	got := tmpl.MerkleRoot(7)
	assert.Equal(t, root, got[:])
	assert.NotEqual(t, got, tmpl.MerkleRoot(8))
}

func TestGeneratorNext(t *testing.T) {
	tmpl := testTemplate(t, false)
	g := NewGenerator(tmpl, 1)

	w0 := g.Next()
	w1 := g.Next()
	require.NotNil(t, w0)
	require.NotNil(t, w1)
	assert.Equal(t, uint32(0), w0.ExtraNonce2)
	assert.Equal(t, uint32(1), w1.ExtraNonce2)
	require.NoError(t, w0.Validate(1))
	assert.Equal(t, uint32(1700000000), w0.Ntime)
	assert.Equal(t, uint32(0x17148edf), w0.Nbits)

	root := tmpl.MerkleRoot(0)
	assert.Equal(t, binary.LittleEndian.Uint32(root[28:32]), w0.MerkleRootLSW)

	hdr := tmpl.Header(0, tmpl.Version)
	hdr.Nonce = 0xcafebabe
	u := &job.UniqueMiningWorkSolution{Work: w0, Solution: job.MiningWorkSolution{Nonce: 0xcafebabe}}
	assert.Equal(t, hdr.BlockHash(), u.Hash())
}

func TestGeneratorVersionRolling(t *testing.T) {
	assert.Equal(t, uint32(0x20000000), RolledVersion(0x20000000, 0))
	assert.Equal(t, uint32(0x20006000), RolledVersion(0x20000000, 3))
	assert.Equal(t, uint32(0xe0000000), RolledVersion(0xe0000000, 0x10000)&^VersionRollingMask)

	// template versions with rolled bits already set
	for _, base := range []uint32{0x20002000, 0x20006000, 0x3fffe000} {
		seen := make(map[uint32]int)
		for lane := 0; lane < 4; lane++ {
			v := RolledVersion(base, lane)
			assert.Equal(t, base&^VersionRollingMask, v&^VersionRollingMask)
			prev, dup := seen[v]
			assert.False(t, dup, "base %08x lanes %d and %d both %08x", base, prev, lane, v)
			seen[v] = lane
		}
		assert.Equal(t, base, RolledVersion(base, 0))
	}

	tmpl := testTemplate(t, true)
	g := NewGenerator(tmpl, 4)
	w := g.Next()
	require.NotNil(t, w)
	require.NoError(t, w.Validate(4))

	for i, ms := range w.Midstates {
		assert.Equal(t, RolledVersion(0x20000000, i), ms.Version)

		hdr := tmpl.Header(0, ms.Version)
		hdr.Nonce = uint32(i)
		u := &job.UniqueMiningWorkSolution{Work: w, Solution: job.MiningWorkSolution{Nonce: uint32(i), MidstateIdx: i}}
		assert.Equal(t, hdr.BlockHash(), u.Hash(), "lane %d", i)
	}

	assert.Nil(t, NewGenerator(testTemplate(t, false), 2).Next())
	assert.Nil(t, NewGenerator(nil, 1).Next())
}

func TestVerifier(t *testing.T) {
	w, err := WorkFromHeaders(0, genesisHeader(t))
	require.NoError(t, err)

	v := NewVerifier(64)
	good := &job.UniqueMiningWorkSolution{Work: w, Solution: job.MiningWorkSolution{Nonce: genesisNonce}}
	assert.Equal(t, "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f", good.Hash().String())
	assert.InDelta(t, 2536.426, HashDifficulty(good.Hash()), 0.01)

	v.Submit(good)
	assert.Equal(t, uint64(1), v.Shares())
	assert.Equal(t, uint64(1), v.Blocks())

	v.Submit(&job.UniqueMiningWorkSolution{Work: w, Solution: job.MiningWorkSolution{Nonce: genesisNonce + 1}})
	assert.Equal(t, uint64(1), v.HardwareErrors())
	assert.Equal(t, uint64(1), v.Shares())
}
