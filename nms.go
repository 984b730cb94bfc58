package main

// nms module implements YOLOv5 post-processing: confidence filtering and
// class-aware non-max suppression
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"fmt"
	"sort"
)

// NMSOptions represents non-max suppression parameters
type NMSOptions struct {
	ConfThreshold float64 // minimal confidence of a candidate
	IoUThreshold  float64 // IoU above which lower confidence box is dropped
	MaxDetections int     // maximal number of returned boxes
	MaxCandidates int     // maximal number of boxes entering suppression
	Agnostic      bool    // suppress boxes regardless of their class
}

// DefaultNMSOptions returns YOLOv5 defaults
func DefaultNMSOptions() NMSOptions {
	return NMSOptions{
		ConfThreshold: 0.25,
		IoUThreshold:  0.45,
		MaxDetections: 1000,
		MaxCandidates: 30000,
	}
}

// class offset used to separate boxes of different classes
const maxWH = 7680

// Box represents bounding box in xyxy format
type Box struct {
	X1, Y1, X2, Y2 float64
	Confidence     float64
	Class          int
}

// Area returns box area
func (b Box) Area() float64 {
	w, h := b.X2-b.X1, b.Y2-b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns intersection over union of two boxes
func IoU(a, b Box) float64 {
	x1, y1 := max(a.X1, b.X1), max(a.Y1, b.Y1)
	x2, y2 := min(a.X2, b.X2), min(a.Y2, b.Y2)
	iw, ih := x2-x1, y2-y1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NonMaxSuppression filters raw YOLOv5 predictions. Each row of pred has
// layout x, y, w, h, objectness, class scores...
func NonMaxSuppression(pred []float32, rowLen int, opts NMSOptions) ([]Box, error) {
	if rowLen < 6 {
		return nil, fmt.Errorf("prediction row length %d is too short", rowLen)
	}
	if len(pred)%rowLen != 0 {
		return nil, fmt.Errorf("prediction size %d is not multiple of row length %d", len(pred), rowLen)
	}
	var candidates []Box
	for off := 0; off+rowLen <= len(pred); off += rowLen {
		row := pred[off : off+rowLen]
		obj := float64(row[4])
		if obj <= opts.ConfThreshold {
			continue
		}
		cls, score := 0, float64(row[5])*obj
		for j := 6; j < rowLen; j++ {
			if s := float64(row[j]) * obj; s > score {
				cls, score = j-5, s
			}
		}
		if score <= opts.ConfThreshold {
			continue
		}
		cx, cy, w, h := float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])
		candidates = append(candidates, Box{
			X1: cx - w/2, Y1: cy - h/2,
			X2: cx + w/2, Y2: cy + h/2,
			Confidence: score,
			Class:      cls,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if opts.MaxCandidates > 0 && len(candidates) > opts.MaxCandidates {
		candidates = candidates[:opts.MaxCandidates]
	}

	keep := make([]Box, 0)
	suppressed := make([]bool, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		keep = append(keep, candidates[i])
		if opts.MaxDetections > 0 && len(keep) >= opts.MaxDetections {
			break
		}
		a := offsetBox(candidates[i], opts.Agnostic)
		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] {
				continue
			}
			if IoU(a, offsetBox(candidates[j], opts.Agnostic)) > opts.IoUThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep, nil
}

// helper function to shift box by its class so boxes of different classes
// never overlap
func offsetBox(b Box, agnostic bool) Box {
	if agnostic {
		return b
	}
	off := float64(b.Class) * maxWH
	return Box{X1: b.X1 + off, Y1: b.Y1 + off, X2: b.X2 + off, Y2: b.Y2 + off}
}

// ClipBox limits box coordinates to image of given size
func ClipBox(b Box, width, height float64) Box {
	b.X1 = clamp(b.X1, 0, width)
	b.X2 = clamp(b.X2, 0, width)
	b.Y1 = clamp(b.Y1, 0, height)
	b.Y2 = clamp(b.Y2, 0, height)
	return b
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
