package hwinfo

import (
	"context"
	"encoding/binary"
	"io/fs"
	"math"
	"os"
	"testing"

	"codeberg.org/mutker/telemlog/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type element struct {
	tag   uint32
	label string
	unit  string
	value float64
}

// buildBlock lays out a header followed by elements of elemSize bytes,
// using labelLen-wide label fields.
func buildBlock(sig string, elemSize, labelLen int, elems []element) []byte {
	const readingOffset = 64
	buf := make([]byte, readingOffset+len(elems)*elemSize+16)

	copy(buf[0:4], sig)
	binary.LittleEndian.PutUint32(buf[4:8], 2)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint64(buf[12:20], 1700000000)
	binary.LittleEndian.PutUint32(buf[32:36], readingOffset)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(elemSize))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(elems)))

	for i, e := range elems {
		b := buf[readingOffset+i*elemSize:]
		binary.LittleEndian.PutUint32(b[0:4], e.tag)
		binary.LittleEndian.PutUint32(b[4:8], uint32(i))
		binary.LittleEndian.PutUint32(b[8:12], uint32(100+i))
		copy(b[12:12+labelLen], "orig "+e.label)
		copy(b[12+labelLen:12+2*labelLen], e.label)
		copy(b[12+2*labelLen:12+2*labelLen+16], e.unit)
		v := 12 + 2*labelLen + 16
		binary.LittleEndian.PutUint64(b[v:v+8], math.Float64bits(e.value))
		binary.LittleEndian.PutUint64(b[v+8:v+16], math.Float64bits(e.value-1))
		binary.LittleEndian.PutUint64(b[v+16:v+24], math.Float64bits(e.value+1))
		binary.LittleEndian.PutUint64(b[v+24:v+32], math.Float64bits(e.value))
		for p := v + 32; p < elemSize; p++ {
			b[p] = 0xAB
		}
	}
	return buf
}

func TestDecodeScenarioPackagePower(t *testing.T) {
	buf := buildBlock("HWiS", 460, 128, []element{
		{tag: 1, label: "CPU Package Power", unit: "W", value: 12.5},
	})

	set, err := Decode(buf, DefaultKeywords)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"CPU Package Power [W]": 12.5}, set.Map())
}

func TestDecodeAllLayoutsFilterByKeyword(t *testing.T) {
	elems := []element{
		{tag: 1, label: "CPU Package Power", unit: "W", value: 12.5},
		{tag: 2, label: "Core 0 Clock", unit: "MHz", value: 4200},
		{tag: 0, label: "GPU Clock", unit: "MHz", value: 999},
		{tag: 3, label: "GPU D3D Usage", unit: "%", value: 41.25},
		{tag: 4, label: "Framerate", value: 60},
		{tag: 5, label: "", unit: "W", value: 3},
		{tag: 6, label: "CPU Package", unit: "\xb0C", value: 71},
	}

	for _, l := range []Layout{LayoutCompact, LayoutStandard, LayoutExtended} {
		t.Run(l.Name, func(t *testing.T) {
			buf := buildBlock(Signature, l.Size, l.LabelLen, elems)

			set, err := Decode(buf, DefaultKeywords)
			require.NoError(t, err)
			assert.Equal(t, []string{
				"CPU Package Power [W]",
				"GPU D3D Usage [%]",
				"Framerate",
				"CPU Package [°C]",
			}, set.Keys())

			v, _ := set.Get("GPU D3D Usage [%]")
			assert.Equal(t, 41.25, v)
		})
	}
}

func TestParseBlockKeepsAllFields(t *testing.T) {
	buf := buildBlock(Signature, 320, 128, []element{{tag: 7, label: "IA Cores Power", unit: "W", value: 5}})

	block, err := ParseBlock(buf)
	require.NoError(t, err)
	require.Len(t, block.Readings, 1)

	r := block.Readings[0]
	assert.Equal(t, LayoutStandard, block.Layout)
	assert.Equal(t, uint32(7), r.Type)
	assert.Equal(t, uint32(100), r.ReadingID)
	assert.Equal(t, "orig IA Cores Power", r.LabelOrig)
	assert.Equal(t, 4.0, r.Min)
	assert.Equal(t, 6.0, r.Max)
	assert.Equal(t, 5.0, r.Avg)
}

func TestDecodeUnsupportedElementSize(t *testing.T) {
	for _, size := range []int{0, 251, 253, 316, 456, 461, 1024} {
		labelLen := 96
		if size > 316 {
			labelLen = 128
		}
		buf := buildBlock(Signature, max(size, 12+2*labelLen+48), labelLen, []element{{tag: 1, label: "CPU Package Power", value: 1}})
		binary.LittleEndian.PutUint32(buf[36:40], uint32(size))

		set, err := Decode(buf, DefaultKeywords)
		assert.Nil(t, set, "size %d", size)
		require.Error(t, err, "size %d", size)
		assert.Equal(t, errors.ErrNoData, errors.CodeOf(err), "size %d", size)
	}
}

func TestDecodeSignatureMismatch(t *testing.T) {
	buf := buildBlock("XXXX", 460, 128, []element{{tag: 1, label: "CPU Package Power", value: 1}})

	_, err := Decode(buf, DefaultKeywords)
	require.Error(t, err)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))
}

func TestDecodeTruncatedSection(t *testing.T) {
	buf := buildBlock(Signature, 252, 96, []element{{tag: 1, label: "NPU Usage", value: 1}})
	binary.LittleEndian.PutUint32(buf[40:44], 5000)

	_, err := Decode(buf, DefaultKeywords)
	require.Error(t, err)
	assert.Equal(t, errors.ErrNoData, errors.CodeOf(err))

	_, err = Decode(buf[:10], DefaultKeywords)
	assert.Equal(t, errors.ErrNoData, errors.CodeOf(err))
}

func TestDecodeEmptyAfterFilter(t *testing.T) {
	buf := buildBlock(Signature, 460, 128, []element{{tag: 1, label: "Fan1", unit: "RPM", value: 1200}})

	set, err := Decode(buf, DefaultKeywords)
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestKeywordsCaseSensitive(t *testing.T) {
	kw := Keywords{"GPU Clock"}
	assert.True(t, kw.Match("GPU Clock (avg)"))
	assert.False(t, kw.Match("gpu clock"))
}

type fakeMapping struct {
	data   []byte
	closed int
}

func (m *fakeMapping) Bytes() []byte { return m.data }
func (m *fakeMapping) Close() error  { m.closed++; return nil }

func TestSourceReleasesMappingOnEveryPath(t *testing.T) {
	good := buildBlock(Signature, 460, 128, []element{{tag: 1, label: "CPU Package Power", unit: "W", value: 12.5}})
	bad := buildBlock("nope", 460, 128, nil)

	for name, data := range map[string][]byte{"success": good, "no data": bad} {
		t.Run(name, func(t *testing.T) {
			m := &fakeMapping{data: data}
			src := NewSource(DefaultConfig())
			src.open = func(_, _ string, _ int) (mapping, error) { return m, nil }

			_, _ = src.Collect(context.Background())
			assert.Equal(t, 1, m.closed)
		})
	}
}

func TestSourceOpen(t *testing.T) {
	src := NewSource(DefaultConfig())

	src.open = func(_, _ string, _ int) (mapping, error) {
		return nil, &os.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}
	}
	err := src.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindSourceUnavailable, errors.KindOf(err))

	src.open = func(_, _ string, _ int) (mapping, error) {
		return nil, &os.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}
	}
	require.NoError(t, src.Open(context.Background()))

	_, err = src.Collect(context.Background())
	assert.Equal(t, errors.ErrNoData, errors.CodeOf(err))
}

func TestSourceReadsRealMapping(t *testing.T) {
	if os.PathSeparator != '/' {
		t.Skip("file-backed mapping test requires a unix path")
	}
	path := t.TempDir() + "/segment"
	buf := buildBlock(Signature, 252, 96, []element{{tag: 1, label: "Charge Level", unit: "%", value: 88}})
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	cfg := DefaultConfig()
	cfg.Path = path
	src := NewSource(cfg)
	require.NoError(t, src.Open(context.Background()))

	set, err := src.Collect(context.Background())
	require.NoError(t, err)
	v, ok := set.Get("Charge Level [%]")
	require.True(t, ok)
	assert.Equal(t, 88.0, v)
}
