package main

// torch module reads model weights stored as pickled PyTorch state dict
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"fmt"
	"path/filepath"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// LoadTorchStateDict reads tensors of pytorch_model.bin file
func LoadTorchStateDict(fname string) (map[string]*Tensor, error) {
	obj, err := pytorch.Load(filepath.Clean(fname))
	if err != nil {
		return nil, err
	}
	tensors := make(map[string]*Tensor)
	add := func(key, value interface{}) error {
		name, ok := key.(string)
		if !ok {
			return fmt.Errorf("unexpected state dict key %v", key)
		}
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			// non tensor entries, e.g. _metadata, are ignored
			return nil
		}
		t, err := torchTensor(pt)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = t
		return nil
	}
	switch dict := obj.(type) {
	case *types.OrderedDict:
		for key, entry := range dict.Map {
			if err := add(key, entry.Value); err != nil {
				return nil, err
			}
		}
	case *types.Dict:
		for _, key := range dict.Keys() {
			if err := add(key, dict.MustGet(key)); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unsupported pickle object %T, expected state dict", obj)
	}
	return tensors, nil
}

// helper function to convert (possibly strided) torch tensor into dense one
func torchTensor(pt *pytorch.Tensor) (*Tensor, error) {
	var data []float32
	switch src := pt.Source.(type) {
	case *pytorch.FloatStorage:
		data = src.Data
	case *pytorch.HalfStorage:
		data = src.Data
	case *pytorch.DoubleStorage:
		data = make([]float32, len(src.Data))
		for i, v := range src.Data {
			data[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported storage %T", pt.Source)
	}
	shape := append([]int(nil), pt.Size...)
	out := make([]float32, numel(shape))
	if len(shape) == 0 {
		if pt.StorageOffset >= len(data) {
			return nil, fmt.Errorf("storage offset %d out of range", pt.StorageOffset)
		}
		out[0] = data[pt.StorageOffset]
		return &Tensor{Shape: shape, Data: out}, nil
	}
	idx := 0
	var gather func(dim, offset int) error
	gather = func(dim, offset int) error {
		if dim == len(shape) {
			if offset < 0 || offset >= len(data) {
				return fmt.Errorf("storage index %d out of range", offset)
			}
			out[idx] = data[offset]
			idx++
			return nil
		}
		for i := 0; i < shape[dim]; i++ {
			if err := gather(dim+1, offset+i*pt.Stride[dim]); err != nil {
				return err
			}
		}
		return nil
	}
	if len(pt.Stride) != len(shape) {
		return nil, fmt.Errorf("stride %v does not match shape %v", pt.Stride, shape)
	}
	if err := gather(0, pt.StorageOffset); err != nil {
		return nil, err
	}
	return &Tensor{Shape: shape, Data: out}, nil
}
