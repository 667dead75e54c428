// Package work builds mining work from a block template and checks the
// solutions coming back from the chains.
package work

import (
	"bytes"
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"s9_miner/job"
)

// TemplateConfig is the block template as configured, hex encoded the way
// a stratum job delivers it. PrevHash is in display byte order.
type TemplateConfig struct {
	PrevHash       string   `yaml:"prev_hash"`
	CoinB1         string   `yaml:"coinb1"`
	CoinB2         string   `yaml:"coinb2"`
	ExtraNonce1    string   `yaml:"extranonce1"`
	MerkleBranch   []string `yaml:"merkle_branch"`
	Version        uint32   `yaml:"version"`
	Nbits          uint32   `yaml:"nbits"`
	Ntime          uint32   `yaml:"ntime"`
	VersionRolling bool     `yaml:"version_rolling"`
}

// Template is a decoded TemplateConfig.
type Template struct {
	PrevHash       chainhash.Hash
	CoinB1         []byte
	CoinB2         []byte
	ExtraNonce1    []byte
	MerkleBranch   []chainhash.Hash
	Version        uint32
	Nbits          uint32
	Ntime          uint32
	VersionRolling bool
}

func decodeHex(name, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "template %s", name)
	}
	return b, nil
}

func NewTemplate(cfg TemplateConfig) (*Template, error) {
	prev, err := chainhash.NewHashFromStr(cfg.PrevHash)
	if err != nil {
		return nil, errors.Wrap(err, "template prev_hash")
	}
	t := &Template{
		PrevHash:       *prev,
		Version:        cfg.Version,
		Nbits:          cfg.Nbits,
		Ntime:          cfg.Ntime,
		VersionRolling: cfg.VersionRolling,
	}
	if t.CoinB1, err = decodeHex("coinb1", cfg.CoinB1); err != nil {
		return nil, err
	}
	if t.CoinB2, err = decodeHex("coinb2", cfg.CoinB2); err != nil {
		return nil, err
	}
	if t.ExtraNonce1, err = decodeHex("extranonce1", cfg.ExtraNonce1); err != nil {
		return nil, err
	}
	for i, s := range cfg.MerkleBranch {
		b, err := decodeHex("merkle_branch", s)
		if err != nil {
			return nil, err
		}
		h, err := chainhash.NewHash(b)
		if err != nil {
			return nil, errors.Wrapf(err, "template merkle_branch[%d]", i)
		}
		t.MerkleBranch = append(t.MerkleBranch, *h)
	}
	if t.Ntime == 0 {
		t.Ntime = uint32(time.Now().Unix())
	}
	return t, nil
}

// CoinbaseHash is the double SHA-256 of the coinbase transaction.
func (t *Template) CoinbaseHash(extraNonce2 uint32) chainhash.Hash {
	var en2 [4]byte
	binary.BigEndian.PutUint32(en2[:], extraNonce2)

	cb := make([]byte, 0, len(t.CoinB1)+len(t.ExtraNonce1)+len(en2)+len(t.CoinB2))
	cb = append(cb, t.CoinB1...)
	cb = append(cb, t.ExtraNonce1...)
	cb = append(cb, en2[:]...)
	cb = append(cb, t.CoinB2...)
	return chainhash.DoubleHashH(cb)
}

// MerkleRoot folds the coinbase hash over the merkle branch.
func (t *Template) MerkleRoot(extraNonce2 uint32) chainhash.Hash {
	root := t.CoinbaseHash(extraNonce2)
	for _, h := range t.MerkleBranch {
		root = chainhash.DoubleHashH(append(root[:], h[:]...))
	}
	return root
}

// Header returns the block header for extraNonce2 and version.
func (t *Template) Header(extraNonce2 uint32, version uint32) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    int32(version),
		PrevBlock:  t.PrevHash,
		MerkleRoot: t.MerkleRoot(extraNonce2),
		Timestamp:  time.Unix(int64(t.Ntime), 0),
		Bits:       t.Nbits,
	}
}

// Midstate returns the SHA-256 state after the first 64 bytes of header.
func Midstate(header []byte) ([32]byte, error) {
	var ms [32]byte
	if len(header) < sha256.BlockSize {
		return ms, errors.Errorf("header too short: %d bytes", len(header))
	}
	h := sha256.New()
	h.Write(header[:sha256.BlockSize])
	st, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return ms, err
	}
	// magic, then the eight state words big endian
	copy(ms[:], st[4:36])
	return ms, nil
}

// WorkFromHeaders builds one work item with a midstate per header. The
// headers differ only in version.
func WorkFromHeaders(extraNonce2 uint32, headers ...*wire.BlockHeader) (*job.MiningWork, error) {
	if len(headers) == 0 {
		return nil, job.ErrNoMidstates
	}
	w := &job.MiningWork{
		Version:     uint32(headers[0].Version),
		ExtraNonce2: extraNonce2,
		Ntime:       uint32(headers[0].Timestamp.Unix()),
		Nbits:       headers[0].Bits,
	}
	var buf bytes.Buffer
	for _, hdr := range headers {
		buf.Reset()
		if err := hdr.Serialize(&buf); err != nil {
			return nil, err
		}
		raw := buf.Bytes()
		ms, err := Midstate(raw)
		if err != nil {
			return nil, err
		}
		w.Midstates = append(w.Midstates, job.Midstate{Version: uint32(hdr.Version), State: ms})
		w.MerkleRootLSW = binary.LittleEndian.Uint32(raw[64:68])
	}
	return w, nil
}
