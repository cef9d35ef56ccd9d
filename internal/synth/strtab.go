package synth

// stringPool accumulates a NUL-terminated string table, deduplicating
// repeated names, for building a fresh .strtab/.shstrtab from scratch
// rather than carrying over P's (spec 4.I step 1/4).
type stringPool struct {
	data    []byte
	offsets map[string]uint32
}

func newStringPool() *stringPool {
	// Offset 0 is always the empty string, per ELF convention.
	return &stringPool{data: []byte{0}, offsets: map[string]uint32{"": 0}}
}

// Add returns s's offset in the pool, appending it if not already present.
func (p *stringPool) Add(s string) uint32 {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := uint32(len(p.data))
	p.data = append(p.data, []byte(s)...)
	p.data = append(p.data, 0)
	p.offsets[s] = off
	return off
}

func (p *stringPool) Bytes() []byte {
	return p.data
}
