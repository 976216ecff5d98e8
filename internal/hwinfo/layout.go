// Package hwinfo decodes the sensor block HWiNFO publishes through shared
// memory and turns its readings into metric samples.
package hwinfo

import "encoding/binary"

// Signature marks a block the producer is actively writing.
const Signature = "HWiS"

// HeaderSize is the packed size of the block header.
const HeaderSize = 44

const (
	unitLen      = 16
	valueFields  = 4
	tagFieldsLen = 12
)

// Header is the fixed, little-endian, byte-packed block header.
type Header struct {
	Signature     [4]byte
	Version       uint32
	Revision      uint32
	PollTime      int64
	SensorOffset  uint32
	SensorSize    uint32
	SensorCount   uint32
	ReadingOffset uint32
	ReadingSize   uint32
	ReadingCount  uint32
}

func parseHeader(b []byte) Header {
	var h Header
	copy(h.Signature[:], b[0:4])
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	h.Revision = binary.LittleEndian.Uint32(b[8:12])
	h.PollTime = int64(binary.LittleEndian.Uint64(b[12:20]))
	h.SensorOffset = binary.LittleEndian.Uint32(b[20:24])
	h.SensorSize = binary.LittleEndian.Uint32(b[24:28])
	h.SensorCount = binary.LittleEndian.Uint32(b[28:32])
	h.ReadingOffset = binary.LittleEndian.Uint32(b[32:36])
	h.ReadingSize = binary.LittleEndian.Uint32(b[36:40])
	h.ReadingCount = binary.LittleEndian.Uint32(b[40:44])
	return h
}

// Layout is one supported reading element format. Every layout shares the
// same field order; they differ in label width and trailing padding.
type Layout struct {
	Name     string
	Size     int
	LabelLen int
}

// Supported reading element layouts, keyed by declared element size.
var (
	LayoutCompact  = Layout{Name: "compact", Size: 252, LabelLen: 96}
	LayoutStandard = Layout{Name: "standard", Size: 320, LabelLen: 128}
	LayoutExtended = Layout{Name: "extended", Size: 460, LabelLen: 128}
)

var layouts = map[uint32]Layout{
	uint32(LayoutCompact.Size):  LayoutCompact,
	uint32(LayoutStandard.Size): LayoutStandard,
	uint32(LayoutExtended.Size): LayoutExtended,
}

// LayoutFor selects the layout for a declared element size. Unknown sizes
// are unsupported and must not be parsed.
func LayoutFor(size uint32) (Layout, bool) {
	l, ok := layouts[size]
	return l, ok
}

// fieldsEnd is the offset just past the last interpreted field. Anything
// between it and Size is padding.
func (l Layout) fieldsEnd() int {
	return tagFieldsLen + 2*l.LabelLen + unitLen + valueFields*8
}

func (l Layout) labelOrigOffset() int { return tagFieldsLen }
func (l Layout) labelUserOffset() int { return tagFieldsLen + l.LabelLen }
func (l Layout) unitOffset() int      { return tagFieldsLen + 2*l.LabelLen }
func (l Layout) valueOffset() int     { return tagFieldsLen + 2*l.LabelLen + unitLen }
