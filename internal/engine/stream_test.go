package engine

import (
	"context"
	"errors"
	"image"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteProcessor decodes ids as raw bytes.
type byteProcessor struct{}

func (byteProcessor) ApplyChatTemplate([]Message, bool) (string, error) { return "", nil }
func (byteProcessor) Encode([]string, []image.Image) (Inputs, error)    { return Inputs{}, nil }
func (byteProcessor) SpecialTokens() SpecialTokens                      { return SpecialTokens{} }
func (byteProcessor) SetPadToken(int32)                                 {}
func (byteProcessor) SetResample(Resample)                              {}

func (byteProcessor) BatchDecode(rows [][]int32, _ bool) ([]string, error) {
	out := make([]string, len(rows))
	for i, row := range rows {
		raw := make([]byte, len(row))
		for j, id := range row {
			raw[j] = byte(id)
		}
		out[i] = strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	return out, nil
}

func putString(t *testing.T, s *TextStream, text string) {
	t.Helper()
	for i := 0; i < len(text); i++ {
		require.NoError(t, s.Put([]int32{int32(text[i])}))
	}
}

func drain(t *testing.T, s *TextStream) []string {
	t.Helper()
	var out []string
	for {
		fragment, err := s.Next(10 * time.Millisecond)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, fragment)
	}
}

func TestTextStreamWordBoundaries(t *testing.T) {
	s := newTextStream(context.Background(), byteProcessor{})
	putString(t, s, "a red fox")
	s.End()

	assert.Equal(t, []string{"a ", "red ", "fox"}, drain(t, s))
}

func TestTextStreamNewlineFlushes(t *testing.T) {
	s := newTextStream(context.Background(), byteProcessor{})
	putString(t, s, "line one\nnext")
	s.End()

	assert.Equal(t, []string{"line ", "one\n", "next"}, drain(t, s))
}

func TestTextStreamHoldsPartialCharacters(t *testing.T) {
	s := newTextStream(context.Background(), byteProcessor{})
	putString(t, s, "café ")
	s.End()

	assert.Equal(t, []string{"café "}, drain(t, s))
}

func TestTextStreamTimeout(t *testing.T) {
	s := newTextStream(context.Background(), byteProcessor{})
	_, err := s.Next(time.Millisecond)
	assert.ErrorIs(t, err, ErrStreamTimeout)

	s.End()
	s.End()
	_, err = s.Next(time.Millisecond)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTextStreamPutStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTextStream(ctx, byteProcessor{})
	for i := 0; i < streamBuffer; i++ {
		require.NoError(t, s.Put([]int32{'x', ' '}))
	}
	cancel()
	assert.ErrorIs(t, s.Put([]int32{'y', ' '}), context.Canceled)
}

func TestModuleLookup(t *testing.T) {
	root := &Module{Name: "root", Children: []*Module{
		{Name: "a", Children: []*Module{
			{Name: "b", Params: []Parameter{{Name: "bias", Device: DeviceCPU}, {Name: "weight", DType: Float16}}},
		}},
	}}

	p, ok := root.Lookup("a.b").Weight()
	require.True(t, ok)
	assert.Equal(t, Float16, p.DType)

	assert.Nil(t, root.Lookup("a.c"))
	assert.Nil(t, root.Lookup("a.b.c"))
	_, ok = root.Lookup("missing").Weight()
	assert.False(t, ok)

	first, ok := root.FirstParameter()
	require.True(t, ok)
	assert.Equal(t, "bias", first.Name)
}

func TestPlaceCastsPixels(t *testing.T) {
	values := []float32{-1.5, 0, 0.25, 2}
	in := Inputs{
		PixelValues: tensorOf(values),
		PixelDType:  Float32,
	}

	for _, dtype := range []DType{Float16, BFloat16, Float32} {
		placed, err := Place(in, Placement{VisionDType: dtype, VisionDevice: "cuda:0", LanguageDevice: "cuda:1"})
		require.NoError(t, err)
		assert.Equal(t, dtype, placed.PixelDType)
		assert.Equal(t, Device("cuda:0"), placed.PixelDevice)
		assert.Equal(t, Device("cuda:1"), placed.Device)

		back, err := placed.Pixels()
		require.NoError(t, err)
		assert.Equal(t, values, back, "dtype %s", dtype)
	}

	_, err := Place(in, Placement{VisionDType: "int8"})
	assert.Error(t, err)
}

func TestSplitRows(t *testing.T) {
	ids := intTensor(2, 3, []int32{1, 2, 3, 4, 5, 6})
	rows, err := SplitRows(ids, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{2, 3}, {5, 6}}, rows)

	_, err = SplitRows(ids, 4)
	assert.Error(t, err)
	_, err = SplitRows(nil, 0)
	assert.Error(t, err)
}
