package main

// detection module implements YOLOv5 object detection function
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// input image size of the detection network
const detectionImageSize = 640

// detection network tensor names
const (
	detectionInput  = "images"
	detectionOutput = "output0"
)

// detectionFiles lists required files of detection model directory, the
// class names are also looked up in data/ of ultralytics/yolov5 checkout
var detectionFiles = [][]string{
	{"yolov5s.onnx", "yolov5s.pt", "model.onnx", "model.pt"},
	{"names.yaml", "data.yaml", "coco.yaml", "names.txt", "data/coco.yaml", "data/*.yaml"},
}

// Detector represents YOLOv5 model served by inference backend
type Detector struct {
	client  *KServeClient
	names   []string
	options NMSOptions
	size    int
}

// Predict detects objects on given encoded image
func (d *Detector) Predict(data []byte) (DetectionResult, error) {
	img, format, err := decodeImage(data)
	if err != nil {
		return DetectionResult{}, err
	}
	resized := resizeRGB(img, d.size, d.size)
	input := InferTensor{
		Name:     detectionInput,
		Shape:    []int{1, 3, d.size, d.size},
		Datatype: "FP32",
		Data:     chwTensor(resized),
	}
	if Config.Verbose > 0 {
		b := img.Bounds()
		log.Printf("run %s inference on %s image %dx%d", d.client.Model, format, b.Dx(), b.Dy())
	}
	rsp, err := d.client.Infer(InferRequest{
		Inputs:  []InferTensor{input},
		Outputs: []InferOutput{{Name: detectionOutput}},
	})
	if err != nil {
		return DetectionResult{}, err
	}
	out, err := rsp.Output(detectionOutput)
	if err != nil {
		// single output models may use different tensor name
		out, err = rsp.Output("")
		if err != nil {
			return DetectionResult{}, err
		}
	}
	if len(out.Shape) == 0 {
		return DetectionResult{}, fmt.Errorf("%w: output %s has no shape", ErrBackend, out.Name)
	}
	rowLen := out.Shape[len(out.Shape)-1]
	boxes, err := NonMaxSuppression(out.Data, rowLen, d.options)
	if err != nil {
		return DetectionResult{}, err
	}
	size := float64(d.size)
	result := DetectionResult{Detections: make([]Detection, 0, len(boxes))}
	for _, b := range boxes {
		b = ClipBox(b, size, size)
		name := "unknown"
		if b.Class < len(d.names) {
			name = d.names[b.Class]
		}
		result.Detections = append(result.Detections, Detection{
			Xmin:       round(b.X1, 2),
			Ymin:       round(b.Y1, 2),
			Xmax:       round(b.X2, 2),
			Ymax:       round(b.Y2, 2),
			Confidence: round(b.Confidence, 4),
			ClassID:    b.Class,
			Name:       name,
		})
	}
	log.Printf("object detection succeeded, %d objects found", len(result.Detections))
	return result, nil
}

// helper function to round value to given number of decimals
func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// classNames represents YOLO dataset yaml file
type classNames struct {
	Names yaml.Node `yaml:"names"`
}

// loadClassNames reads class names from YAML (list or id to name mapping)
// or plain text file with one name per line
func loadClassNames(fname string) ([]string, error) {
	data, err := os.ReadFile(filepath.Clean(fname))
	if err != nil {
		return nil, err
	}
	if filepath.Ext(fname) == ".txt" {
		var names []string
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			if name := strings.TrimSpace(scanner.Text()); name != "" {
				names = append(names, name)
			}
		}
		return names, scanner.Err()
	}
	var doc classNames
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", fname, err)
	}
	switch doc.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := doc.Names.Decode(&names); err != nil {
			return nil, err
		}
		return names, nil
	case yaml.MappingNode:
		var mapping map[int]string
		if err := doc.Names.Decode(&mapping); err != nil {
			return nil, err
		}
		ids := make([]int, 0, len(mapping))
		for id := range mapping {
			if id < 0 {
				return nil, fmt.Errorf("negative class id %d in %s", id, fname)
			}
			ids = append(ids, id)
		}
		sort.Ints(ids)
		if len(ids) == 0 {
			return nil, nil
		}
		names := make([]string, ids[len(ids)-1]+1)
		for i := range names {
			if name, ok := mapping[i]; ok {
				names[i] = name
			} else {
				names[i] = strconv.Itoa(i)
			}
		}
		return names, nil
	default:
		return nil, fmt.Errorf("%s has no names list", fname)
	}
}

// helper function to load detector from artifact directory
func loadDetector(fc FunctionConfig, backend Backend) Loader[Model[[]byte, DetectionResult]] {
	return func(dir string, files map[string]string) (Model[[]byte, DetectionResult], error) {
		names, err := loadClassNames(files["names.yaml"])
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, errors.New("empty list of class names")
		}
		client := NewKServeClient(backend, fc.Model)
		if err := client.Ready(); err != nil {
			return nil, err
		}
		log.Printf("detection model %s: weights %s, %d classes, backend %s (%s)",
			fc.Model, filepath.Base(files["yolov5s.onnx"]), len(names), backend.Name, backend.URI)
		return &Detector{
			client:  client,
			names:   names,
			options: DefaultNMSOptions(),
			size:    detectionImageSize,
		}, nil
	}
}

// helper function to validate image key of detection request
func parseImage(raw json.RawMessage) ([]byte, *FunctionError) {
	if jsonType(raw) != "string" {
		return nil, newError(SchemaError, nil, "JSON must contain key 'image' with a base64 encoded string")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, newError(SchemaError, err, "JSON must contain key 'image' with a base64 encoded string")
	}
	if strings.TrimSpace(s) == "" {
		return nil, newError(SchemaError, nil, "base64 encoded image string must not be empty")
	}
	data, err := decodeBase64(s)
	if err != nil {
		return nil, newError(SchemaError, err, "key 'image' is not valid base64")
	}
	if len(data) == 0 {
		return nil, newError(SchemaError, nil, "base64 encoded image string must not be empty")
	}
	return data, nil
}

// NewDetectionFunction loads detection artifact and creates its function
func NewDetectionFunction(fc FunctionConfig, metrics *Metrics) *Function[[]byte, DetectionResult] {
	backend := Config.Backends[fc.Backend]
	artifact := LoadArtifact[Model[[]byte, DetectionResult]](fc.Name, DetectionKind, fc.ModelDir, detectionFiles, loadDetector(fc, backend))
	schema := Schema[[]byte]{Key: "image", Parse: parseImage}
	return NewFunction[[]byte, DetectionResult](schema, artifact, metrics)
}
