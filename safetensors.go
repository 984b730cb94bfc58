package main

// safetensors module reads model weights stored in safetensors format
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// upper bound of safetensors JSON header size
const maxHeaderSize = 100 << 20

// Tensor represents dense row-major float32 tensor
type Tensor struct {
	Shape []int
	Data  []float32
}

// Size returns number of tensor elements
func (t *Tensor) Size() int {
	return numel(t.Shape)
}

// helper function to compute number of elements of given shape
func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// tensorInfo represents safetensors header entry
type tensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// LoadSafetensors reads all tensors of given safetensors file
func LoadSafetensors(fname string) (map[string]*Tensor, error) {
	data, err := os.ReadFile(filepath.Clean(fname))
	if err != nil {
		return nil, err
	}
	return parseSafetensors(data)
}

// helper function to parse safetensors content
func parseSafetensors(data []byte) (map[string]*Tensor, error) {
	if len(data) < 8 {
		return nil, errors.New("safetensors file is too short")
	}
	size := binary.LittleEndian.Uint64(data[:8])
	if size > maxHeaderSize || uint64(len(data)-8) < size {
		return nil, fmt.Errorf("invalid safetensors header size %d", size)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+size], &header); err != nil {
		return nil, fmt.Errorf("unable to parse safetensors header: %w", err)
	}
	body := data[8+size:]
	tensors := make(map[string]*Tensor, len(header))
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end < start || end > int64(len(body)) {
			return nil, fmt.Errorf("tensor %s: invalid data offsets %v", name, info.Offsets)
		}
		values, err := decodeFloats(info.DType, body[start:end])
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(values) != numel(info.Shape) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", name, info.Shape, len(values))
		}
		tensors[name] = &Tensor{Shape: info.Shape, Data: values}
	}
	return tensors, nil
}

// helper function to decode little-endian values of given dtype into float32
func decodeFloats(dtype string, buf []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(buf)%4 != 0 {
			return nil, fmt.Errorf("F32 buffer length %d", len(buf))
		}
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		return out, nil
	case "F16":
		if len(buf)%2 != 0 {
			return nil, fmt.Errorf("F16 buffer length %d", len(buf))
		}
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(buf)%2 != 0 {
			return nil, fmt.Errorf("BF16 buffer length %d", len(buf))
		}
		return bfloat16.DecodeFloat32(buf), nil
	case "F64":
		if len(buf)%8 != 0 {
			return nil, fmt.Errorf("F64 buffer length %d", len(buf))
		}
		out := make([]float32, len(buf)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}
