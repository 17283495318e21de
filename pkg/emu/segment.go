package emu

import (
	"hash/crc32"
	"sync/atomic"

	"rvm/pkg/isa"
	"rvm/pkg/ram"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Segment is an immutable, reference-counted execute segment: the
// page-padded copy of guest code plus the decoder cache built over it.
// Once published, only the decoder pointer and the mapping table are
// replaced (atomically); the byte buffer and content hash are frozen.
type Segment struct {
	refs atomic.Int32

	pagedataBase uint64
	vaddr        uint64
	execBegin    uint64
	execEnd      uint64
	data         []byte // [pagedataBase, pagedataBase+len)

	crc32cHash      uint32
	translationHash uint32

	decoder atomic.Pointer[DecoderCache]
	// patched is the live-patch copy; the original cache is retained
	// until the segment is dropped so a CPU still holding it stays
	// valid.
	patched  *DecoderCache
	original *DecoderCache

	binaryTranslated bool
	dylib            any
	dylibClose       func()
	isJIT            bool

	mappings    []BlockFn
	mappingAddr map[uint64]uint32
}

func (s *Segment) Ref() *Segment { s.refs.Add(1); return s }

func (s *Segment) Unref() {
	if s.refs.Add(-1) == 0 {
		if s.dylibClose != nil {
			s.dylibClose()
		}
		s.dylib = nil
		s.data = nil
	}
}

func (s *Segment) PagedataBase() uint64 { return s.pagedataBase }
func (s *Segment) ExecBegin() uint64    { return s.execBegin }
func (s *Segment) ExecEnd() uint64      { return s.execEnd }

func (s *Segment) IsWithin(addr uint64) bool {
	return addr >= s.execBegin && addr < s.execEnd
}

// ExecData returns the padded code bytes; index with addr-PagedataBase.
func (s *Segment) ExecData() []byte { return s.data }

// ReadInstr reads the instruction word at the guest address.
func (s *Segment) ReadInstr(pc uint64) isa.Instr {
	return ReadInstr(s.data, pc-s.pagedataBase, s.execEnd-s.pagedataBase)
}

func (s *Segment) CRC32CHash() uint32 { return s.crc32cHash }

func (s *Segment) TranslationHash() uint32     { return s.translationHash }
func (s *Segment) SetTranslationHash(h uint32) { s.translationHash = h }

// Decoder returns the currently published decoder cache.
func (s *Segment) Decoder() *DecoderCache { return s.decoder.Load() }

// SetDecoder publishes a decoder cache with release semantics.
func (s *Segment) SetDecoder(dc *DecoderCache) { s.decoder.Store(dc) }

// SetPatchedDecoder installs the live-patch copy and publishes it.
func (s *Segment) SetPatchedDecoder(dc *DecoderCache) {
	s.patched = dc
	s.decoder.Store(dc)
}

// PatchedDecoder returns the live-patch copy, or nil.
func (s *Segment) PatchedDecoder() *DecoderCache { return s.patched }

// OriginalDecoder returns the cache built at construction time.
func (s *Segment) OriginalDecoder() *DecoderCache { return s.original }

func (s *Segment) IsBinaryTranslated() bool { return s.binaryTranslated }
func (s *Segment) IsJIT() bool              { return s.isJIT }

// SetBinaryTranslated records the loaded translation handle; a nil
// handle resets the segment to interpreted-only mode.
func (s *Segment) SetBinaryTranslated(handle any, closeFn func(), isJIT bool) {
	s.binaryTranslated = handle != nil
	s.dylib = handle
	s.dylibClose = closeFn
	s.isJIT = isJIT
}

// CreateMappings sizes the native-block table.
func (s *Segment) CreateMappings(n int) {
	s.mappings = make([]BlockFn, n)
	if s.mappingAddr == nil {
		s.mappingAddr = make(map[uint64]uint32)
	}
}

func (s *Segment) SetMapping(i int, fn BlockFn) { s.mappings[i] = fn }

// MappingAt returns the native entry point for a mapping index; out of
// range indices yield nil.
func (s *Segment) MappingAt(i uint32) BlockFn {
	if int(i) < len(s.mappings) {
		return s.mappings[i]
	}
	return nil
}

func (s *Segment) MappingCount() int { return len(s.mappings) }

// BindMappingAddr remembers which mapping index a guest address was
// bound to, for entries whose Instr field was later replaced by the
// fastsim sentinel.
func (s *Segment) BindMappingAddr(addr uint64, idx uint32) {
	if s.mappingAddr == nil {
		s.mappingAddr = make(map[uint64]uint32)
	}
	s.mappingAddr[addr] = idx
}

func (s *Segment) MappingIndexAt(addr uint64) (uint32, bool) {
	idx, ok := s.mappingAddr[addr]
	return idx, ok
}

// CreateExecuteSegment copies the code range into a page-padded buffer,
// hashes it, consults the translator and builds the decoder cache.
func (m *Machine) CreateExecuteSegment(vdata []byte, vaddr uint64) (*Segment, error) {
	const pmask = ram.PageSize - 1
	exlen := uint64(len(vdata))
	pbase := vaddr &^ pmask
	prelen := vaddr - pbase
	midlen := exlen + prelen
	plen := (midlen + pmask) &^ pmask
	if prelen > plen || prelen+exlen > plen {
		return nil, Errorf(InvalidProgram, "segment virtual base was bogus")
	}
	if pbase+plen < pbase {
		return nil, Errorf(InvalidProgram, "segment virtual base was bogus")
	}
	nPages := plen / ram.PageSize
	if nPages == 0 {
		return nil, Errorf(InvalidProgram, "program produced empty decoder cache")
	}

	data := make([]byte, plen)
	copy(data[prelen:], vdata)

	seg := &Segment{
		pagedataBase: pbase,
		vaddr:        vaddr,
		execBegin:    vaddr,
		execEnd:      vaddr + exlen,
		data:         data,
		crc32cHash:   crc32.Checksum(data, castagnoli),
	}
	seg.refs.Store(1)

	stride := m.Options.Stride()
	dc := &DecoderCache{
		Entries: make([]DecoderEntry, plen/stride),
		Base:    pbase,
		Stride:  stride,
	}
	seg.original = dc
	seg.SetDecoder(dc)

	// The translator may bind an existing translation (embedded or
	// cached) before the decode pass, or schedule a fresh compile.
	if m.Options.Translator != nil && m.Options.XLEN != 128 {
		if err := m.Options.Translator.OnExecuteSegment(m, seg); err != nil {
			return nil, err
		}
	}

	if err := m.generateDecoderCache(seg); err != nil {
		return nil, err
	}

	m.segments = append(m.segments, seg)
	if m.CPU.Segment() == nil {
		m.CPU.SetExecuteSegment(seg)
	}
	return seg, nil
}
