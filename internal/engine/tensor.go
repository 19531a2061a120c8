package engine

import (
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"
)

// DType names a floating point storage format.
type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

// Device names where a tensor lives, for example "cpu" or "cuda:0".
type Device string

const (
	DeviceCPU   Device = "cpu"
	DeviceCUDA0 Device = "cuda:0"
)

// Inputs is a tensorized batch. InputIDs and AttentionMask are int32
// [rows, seq]; PixelValues is [rows, 3, size, size] stored as float32, or as
// uint16 bit patterns when PixelDType is a half format.
type Inputs struct {
	InputIDs      *tensor.Dense
	AttentionMask *tensor.Dense
	PixelValues   *tensor.Dense
	PixelDType    DType
	PixelDevice   Device
	Device        Device
}

// Rows is the number of sequences in the batch.
func (in Inputs) Rows() int {
	if in.InputIDs == nil {
		return 0
	}
	return in.InputIDs.Shape()[0]
}

// SeqLen is the padded prompt length.
func (in Inputs) SeqLen() int {
	if in.InputIDs == nil {
		return 0
	}
	return in.InputIDs.Shape()[1]
}

// IDs returns the flat int32 backing of InputIDs.
func (in Inputs) IDs() []int32 {
	if in.InputIDs == nil {
		return nil
	}
	return in.InputIDs.Data().([]int32)
}

// Mask returns the flat int32 backing of AttentionMask.
func (in Inputs) Mask() []int32 {
	if in.AttentionMask == nil {
		return nil
	}
	return in.AttentionMask.Data().([]int32)
}

// Pixels returns the pixel values widened to float32.
func (in Inputs) Pixels() ([]float32, error) {
	if in.PixelValues == nil {
		return nil, nil
	}
	switch in.PixelDType {
	case "", Float32:
		data, ok := in.PixelValues.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("pixel values: expected float32 backing, got %T", in.PixelValues.Data())
		}
		return data, nil
	case Float16:
		bits, ok := in.PixelValues.Data().([]uint16)
		if !ok {
			return nil, fmt.Errorf("pixel values: expected uint16 backing, got %T", in.PixelValues.Data())
		}
		out := make([]float32, len(bits))
		for i := range bits {
			out[i] = float16.Frombits(bits[i]).Float32()
		}
		return out, nil
	case BFloat16:
		bits, ok := in.PixelValues.Data().([]uint16)
		if !ok {
			return nil, fmt.Errorf("pixel values: expected uint16 backing, got %T", in.PixelValues.Data())
		}
		out := make([]float32, len(bits))
		for i := range bits {
			out[i] = bfloat16.ToFloat32(bfloat16.BF16(bits[i]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown dtype: %s", in.PixelDType)
	}
}

// Place casts pixel values to the vision dtype and tags every tensor with
// its device. Ids and mask keep their integer type.
func Place(in Inputs, p Placement) (Inputs, error) {
	if in.PixelValues != nil && in.PixelDType != p.VisionDType {
		f32s, err := in.Pixels()
		if err != nil {
			return Inputs{}, err
		}

		shape := in.PixelValues.Shape().Clone()
		switch p.VisionDType {
		case Float32:
			in.PixelValues = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(f32s))
		case Float16:
			u16s := make([]uint16, len(f32s))
			for i := range f32s {
				u16s[i] = float16.Fromfloat32(f32s[i]).Bits()
			}
			in.PixelValues = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(u16s))
		case BFloat16:
			u16s := make([]uint16, len(f32s))
			for i := range f32s {
				u16s[i] = uint16(bfloat16.FromFloat32(f32s[i]))
			}
			in.PixelValues = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(u16s))
		default:
			return Inputs{}, fmt.Errorf("unknown dtype: %s", p.VisionDType)
		}
		in.PixelDType = p.VisionDType
	}

	in.PixelDevice = p.VisionDevice
	in.Device = p.LanguageDevice
	return in, nil
}
