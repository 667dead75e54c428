package work

import (
	"sync"

	"github.com/btcsuite/btcd/wire"

	"s9_miner/job"
	"s9_miner/log"
)

// BIP320 general purpose version bits
const (
	VersionRollingMask  = 0x1fffe000
	versionRollingShift = 13
)

// Generator hands out work from a template, one extranonce2 per item.
// It is safe for concurrent use by several chains.
type Generator struct {
	mx          sync.Mutex
	tmpl        *Template
	midstates   job.MidstateCount
	extraNonce2 uint32
}

func NewGenerator(tmpl *Template, midstates job.MidstateCount) *Generator {
	return &Generator{tmpl: tmpl, midstates: midstates}
}

// SetTemplate replaces the template; later work is built from it.
func (g *Generator) SetTemplate(tmpl *Template) {
	g.mx.Lock()
	defer g.mx.Unlock()
	g.tmpl = tmpl
	g.extraNonce2 = 0
}

// RolledVersion returns the version for midstate lane i. Lanes flip the
// rolled bits of version, so every lane gets a distinct version.
func RolledVersion(version uint32, lane int) uint32 {
	return version&^VersionRollingMask | (version^uint32(lane)<<versionRollingShift)&VersionRollingMask
}

func (g *Generator) Next() *job.MiningWork {
	g.mx.Lock()
	tmpl := g.tmpl
	en2 := g.extraNonce2
	g.extraNonce2++
	g.mx.Unlock()

	if tmpl == nil {
		return nil
	}

	n := g.midstates.Int()
	if n > 1 && !tmpl.VersionRolling {
		log.Errorf("work: %d midstates need version rolling", n)
		return nil
	}
	base := tmpl.Header(en2, tmpl.Version)
	headers := make([]*wire.BlockHeader, 0, n)
	headers = append(headers, base)
	for i := 1; i < n; i++ {
		hdr := *base
		hdr.Version = int32(RolledVersion(tmpl.Version, i))
		headers = append(headers, &hdr)
	}

	w, err := WorkFromHeaders(en2, headers...)
	if err != nil {
		log.Errorf("work: %v", err)
		return nil
	}
	return w
}
