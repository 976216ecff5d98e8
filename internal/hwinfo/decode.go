package hwinfo

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/sample"
	"golang.org/x/text/encoding/charmap"
)

// Reading is one decoded reading element.
type Reading struct {
	Type        uint32
	SensorIndex uint32
	ReadingID   uint32
	LabelOrig   string
	LabelUser   string
	Unit        string
	Value       float64
	Min         float64
	Max         float64
	Avg         float64
}

// Block is a decoded shared memory snapshot. It is valid only for the tick
// that read it.
type Block struct {
	Header   Header
	Layout   Layout
	Readings []Reading
}

// Keywords is the label allow-list. A label passes when it contains any
// keyword as a case-sensitive substring.
type Keywords []string

// Match reports whether label passes the allow-list.
func (k Keywords) Match(label string) bool {
	for _, kw := range k {
		if strings.Contains(label, kw) {
			return true
		}
	}
	return false
}

// DefaultKeywords covers power, load, thermal and battery readings relevant
// to correlating inference load with device telemetry.
var DefaultKeywords = Keywords{
	"GPU D3D",
	"GPU Video",
	"GT Cores Power",
	"GPU Clock",
	"GPU Busy",
	"Framerate",
	"CPU Package Power",
	"Total CPU Usage",
	"IA Cores Power",
	"CPU GT Cores",
	"CPU Package",
	"Drive Temperature",
	"Charge Level",
	"Remaining Capacity",
	"Battery Voltage",
	"NPU",
}

// ParseBlock decodes buf. It returns ErrNoData when the signature is absent,
// the element size is not a supported layout, or the declared reading
// section does not fit in buf. It never returns a partial block.
func ParseBlock(buf []byte) (*Block, error) {
	errFactory := errors.New()

	if len(buf) < HeaderSize {
		return nil, errFactory.WithMessage(errors.ErrNoData, "shared memory shorter than header")
	}

	h := parseHeader(buf[:HeaderSize])
	if string(h.Signature[:]) != Signature {
		return nil, errFactory.WithMessage(errors.ErrNoData, "signature not present")
	}

	layout, ok := LayoutFor(h.ReadingSize)
	if !ok {
		return nil, errFactory.WithData(errors.ErrNoData, struct {
			Reason      string
			ElementSize uint32
		}{
			Reason:      "unsupported element size",
			ElementSize: h.ReadingSize,
		})
	}

	start := uint64(h.ReadingOffset)
	end := start + uint64(h.ReadingCount)*uint64(h.ReadingSize)
	if end > uint64(len(buf)) {
		return nil, errFactory.WithData(errors.ErrNoData, struct {
			Reason string
			End    uint64
			Size   int
		}{
			Reason: "reading section exceeds mapping",
			End:    end,
			Size:   len(buf),
		})
	}

	block := &Block{
		Header:   h,
		Layout:   layout,
		Readings: make([]Reading, 0, h.ReadingCount),
	}

	section := buf[start:end]
	for i := 0; i < int(h.ReadingCount); i++ {
		elem := section[i*layout.Size : (i+1)*layout.Size]
		r, ok := decodeReading(elem, layout)
		if !ok {
			continue
		}
		block.Readings = append(block.Readings, r)
	}

	return block, nil
}

// decodeReading decodes one element. Unused slots and elements whose text
// fields do not decode are skipped.
func decodeReading(elem []byte, l Layout) (Reading, bool) {
	r := Reading{
		Type:        binary.LittleEndian.Uint32(elem[0:4]),
		SensorIndex: binary.LittleEndian.Uint32(elem[4:8]),
		ReadingID:   binary.LittleEndian.Uint32(elem[8:12]),
	}
	if r.Type == 0 {
		return r, false
	}

	var err error
	if r.LabelOrig, err = decodeText(elem[l.labelOrigOffset():l.labelUserOffset()]); err != nil {
		return r, false
	}
	if r.LabelUser, err = decodeText(elem[l.labelUserOffset():l.unitOffset()]); err != nil {
		return r, false
	}
	if r.Unit, err = decodeText(elem[l.unitOffset():l.valueOffset()]); err != nil {
		return r, false
	}

	v := elem[l.valueOffset():l.fieldsEnd()]
	r.Value = math.Float64frombits(binary.LittleEndian.Uint64(v[0:8]))
	r.Min = math.Float64frombits(binary.LittleEndian.Uint64(v[8:16]))
	r.Max = math.Float64frombits(binary.LittleEndian.Uint64(v[16:24]))
	r.Avg = math.Float64frombits(binary.LittleEndian.Uint64(v[24:32]))

	return r, true
}

// decodeText reads a NUL-padded single-byte-per-character field.
func decodeText(field []byte) (string, error) {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(field)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Key builds the metric key for a reading.
func (r Reading) Key() string {
	if r.Unit == "" {
		return r.LabelUser
	}
	return r.LabelUser + " [" + r.Unit + "]"
}

// Filter keeps readings with a non-empty user label matching keywords.
func (b *Block) Filter(keywords Keywords) *sample.Set {
	set := sample.NewSet()
	for _, r := range b.Readings {
		if r.LabelUser == "" || !keywords.Match(r.LabelUser) {
			continue
		}
		set.Put(r.Key(), r.Value)
	}
	return set
}

// Decode parses buf and returns the allow-listed samples.
func Decode(buf []byte, keywords Keywords) (*sample.Set, error) {
	block, err := ParseBlock(buf)
	if err != nil {
		return nil, err
	}
	return block.Filter(keywords), nil
}
