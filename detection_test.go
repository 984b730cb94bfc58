package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKServe represents KServe v2 inference server serving single model
type fakeKServe struct {
	model   string
	ready   bool
	fail    bool
	rows    [][]float32
	calls   atomic.Int32
	lastErr atomic.Value
}

func (s *fakeKServe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/v2/models/" + s.model + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch strings.TrimPrefix(r.URL.Path, prefix) {
	case "ready":
		if !s.ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	case "infer":
		s.calls.Add(1)
		if s.fail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "CUDA out of memory"}`))
			return
		}
		var req InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.lastErr.Store(err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		in := req.Inputs[0]
		if in.Name != detectionInput || fmt.Sprint(in.Shape) != "[1 3 640 640]" || len(in.Data) != 3*640*640 || in.Datatype != "FP32" {
			s.lastErr.Store(fmt.Sprintf("unexpected input %s %v %d", in.Name, in.Shape, len(in.Data)))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rowLen := 0
		var data []float32
		for _, row := range s.rows {
			rowLen = len(row)
			data = append(data, row...)
		}
		rsp := InferResponse{
			ModelName: s.model,
			Outputs: []InferTensor{{
				Name: detectionOutput, Datatype: "FP32",
				Shape: []int{1, len(s.rows), rowLen}, Data: data,
			}},
		}
		json.NewEncoder(w).Encode(rsp)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// helper function to start fake inference server and create detection
// function using it
func newDetectionTest(t *testing.T, kserve *fakeKServe, names string) *Function[[]byte, DetectionResult] {
	t.Helper()
	srv := httptest.NewServer(kserve)
	t.Cleanup(srv.Close)
	Config.Backends = Backends{"triton": {Name: "triton", Type: "KServe", URI: srv.URL, Timeout: 10}}

	dir := t.TempDir()
	writeFile(t, dir, "yolov5s.onnx", "onnx")
	writeFile(t, dir, "names.yaml", names)
	fc := FunctionConfig{Name: "yolov5s", Kind: DetectionKind, ModelDir: dir, Backend: "triton", Model: kserve.model}
	return NewDetectionFunction(fc, nil)
}

// helper function to create detection request body with base64 image
func imageBody(t *testing.T) string {
	data := testPNG(t, 64, 48, color.RGBA{R: 10, G: 200, B: 30, A: 255})
	return fmt.Sprintf(`{"image": %q}`, base64.StdEncoding.EncodeToString(data))
}

// TestDetectionFunction
func TestDetectionFunction(t *testing.T) {
	initTestConfig(t)
	kserve := &fakeKServe{model: "yolov5s", ready: true, rows: [][]float32{
		{320, 320, 100, 100, 0.9, 0.9, 0.1},
		{630, 10, 40, 40, 0.8, 0.1, 0.9},
		{100, 100, 10, 10, 0.1, 0.9, 0.9},
	}}
	f := newDetectionTest(t, kserve, "names:\n  - person\n")
	rec := f.Record()
	require.Equal(t, Ready, rec.State, rec.Reason)

	rsp := f.Handle(Request{Body: []byte(imageBody(t))}).Response()
	require.Equal(t, http.StatusOK, rsp.StatusCode, string(rsp.Body), kserve.lastErr.Load())
	var out DetectionResult
	require.NoError(t, json.Unmarshal(rsp.Body, &out))
	require.Len(t, out.Detections, 2)

	assert.Equal(t, Detection{Xmin: 270, Ymin: 270, Xmax: 370, Ymax: 370, Confidence: 0.81, ClassID: 0, Name: "person"}, out.Detections[0])
	assert.Equal(t, Detection{Xmin: 610, Ymin: 0, Xmax: 640, Ymax: 30, Confidence: 0.72, ClassID: 1, Name: "unknown"}, out.Detections[1])
	for _, d := range out.Detections {
		assert.True(t, 0 <= d.Xmin && d.Xmin <= d.Xmax && d.Xmax <= 640)
		assert.True(t, 0 <= d.Ymin && d.Ymin <= d.Ymax && d.Ymax <= 640)
		assert.True(t, d.Confidence >= 0 && d.Confidence <= 1)
	}
	assert.Equal(t, int32(1), kserve.calls.Load())
}

// TestDetectionNoObjects
func TestDetectionNoObjects(t *testing.T) {
	initTestConfig(t)
	kserve := &fakeKServe{model: "yolov5s", ready: true, rows: [][]float32{{1, 1, 1, 1, 0.01, 0.5, 0.5}}}
	f := newDetectionTest(t, kserve, "names: {0: person, 1: bicycle}\n")
	rsp := f.Handle(Request{Body: []byte(imageBody(t))}).Response()
	require.Equal(t, http.StatusOK, rsp.StatusCode, string(rsp.Body))
	assert.JSONEq(t, `{"detections": []}`, string(rsp.Body))
}

// TestDetectionInvalidInput
func TestDetectionInvalidInput(t *testing.T) {
	initTestConfig(t)
	kserve := &fakeKServe{model: "yolov5s", ready: true}
	f := newDetectionTest(t, kserve, "names: [person]\n")
	require.Equal(t, Ready, f.Record().State, f.Record().Reason)

	tests := map[string]string{
		`{"img": "abc"}`:          "JSON must contain key 'image'",
		`{"image": 42}`:           "base64 encoded string",
		`{"image": ""}`:           "must not be empty",
		`{"image": "%%%not-b64"}`: "not valid base64",
	}
	for body, msg := range tests {
		status, out := call(t, f, body)
		assert.Equal(t, http.StatusBadRequest, status, body)
		assert.Contains(t, out["error"], msg, body)
	}

	// valid base64 which is not an image fails during preprocessing
	body := fmt.Sprintf(`{"image": %q}`, base64.StdEncoding.EncodeToString([]byte("hello world")))
	status, out := call(t, f, body)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error while processing request", out["error"])
	assert.Equal(t, int32(0), kserve.calls.Load())
}

// TestDetectionBackendFailure
func TestDetectionBackendFailure(t *testing.T) {
	initTestConfig(t)
	kserve := &fakeKServe{model: "yolov5s", ready: true, fail: true}
	f := newDetectionTest(t, kserve, "names: [person]\n")
	status, out := call(t, f, imageBody(t))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error while processing request", out["error"])

	Config.VerboseErrors = true
	_, out = call(t, f, imageBody(t))
	assert.Contains(t, out["error"], "CUDA out of memory")
}

// TestDetectionUnavailable
func TestDetectionUnavailable(t *testing.T) {
	initTestConfig(t)

	// backend does not serve the model
	f := newDetectionTest(t, &fakeKServe{model: "yolov5s", ready: false}, "names: [person]\n")
	rec := f.Record()
	assert.Equal(t, Unavailable, rec.State)
	assert.Contains(t, rec.Reason, "inference backend failure")
	status, out := call(t, f, imageBody(t))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "yolov5s model is not available", out["error"])

	// empty names file
	f = newDetectionTest(t, &fakeKServe{model: "yolov5s", ready: true}, "names: []\n")
	assert.Equal(t, Unavailable, f.Record().State)

	// missing weights
	srv := httptest.NewServer(&fakeKServe{model: "yolov5s", ready: true})
	defer srv.Close()
	Config.Backends = Backends{"triton": {Name: "triton", URI: srv.URL}}
	dir := t.TempDir()
	writeFile(t, dir, "coco.yaml", "names: [person]\n")
	f = NewDetectionFunction(FunctionConfig{Name: "yolov5s", Kind: DetectionKind, ModelDir: dir, Backend: "triton", Model: "yolov5s"}, nil)
	assert.Equal(t, Unavailable, f.Record().State)
	assert.Contains(t, f.Record().Reason, "yolov5s.onnx")
}

// TestDetectionRepoLayout
func TestDetectionRepoLayout(t *testing.T) {
	initTestConfig(t)
	kserve := &fakeKServe{model: "yolov5s", ready: true, rows: [][]float32{{320, 320, 100, 100, 0.9, 0.1, 0.9}}}
	srv := httptest.NewServer(kserve)
	defer srv.Close()
	Config.Backends = Backends{"triton": {Name: "triton", URI: srv.URL}}

	// ultralytics/yolov5 checkout keeps class names in data/coco.yaml
	dir := t.TempDir()
	writeFile(t, dir, "yolov5s.pt", "weights")
	writeFile(t, dir, "hubconf.py", "dependencies = ['torch']\n")
	writeFile(t, dir, "data/coco128.yaml", "names:\n  0: wrong\n")
	writeFile(t, dir, "data/coco.yaml", "path: ../datasets/coco\nnames:\n  0: person\n  1: bicycle\ndownload: |\n  from utils.general import download\n")
	fc := FunctionConfig{Name: "yolov5s", Kind: DetectionKind, ModelDir: dir, Backend: "triton", Model: "yolov5s"}
	f := NewDetectionFunction(fc, nil)
	rec := f.Record()
	require.Equal(t, Ready, rec.State, rec.Reason)
	assert.Contains(t, rec.Files, filepath.Join(dir, "data", "coco.yaml"))
	assert.Contains(t, rec.Files, filepath.Join(dir, "yolov5s.pt"))

	status, out := call(t, f, imageBody(t))
	require.Equal(t, http.StatusOK, status, out)
	detections := out["detections"].([]any)
	require.Len(t, detections, 1)
	assert.Equal(t, "bicycle", detections[0].(map[string]any)["name"])

	// any dataset yaml of data/ is used when coco.yaml is absent
	dir = t.TempDir()
	writeFile(t, dir, "yolov5s.pt", "weights")
	writeFile(t, dir, "data/custom.yaml", "names: [helmet, vest]\n")
	fc.ModelDir = dir
	f = NewDetectionFunction(fc, nil)
	require.Equal(t, Ready, f.Record().State, f.Record().Reason)
	assert.Contains(t, f.Record().Files, filepath.Join(dir, "data", "custom.yaml"))
}

// TestLoadClassNames
func TestLoadClassNames(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		file    string
		content string
		names   []string
	}{
		{"names.yaml", "names:\n  - person\n  - bicycle\n", []string{"person", "bicycle"}},
		{"data.yaml", "nc: 3\nnames:\n  0: person\n  2: car\n", []string{"person", "1", "car"}},
		{"names.txt", "person\n\nbicycle\n  car  \n", []string{"person", "bicycle", "car"}},
	}
	for _, tt := range tests {
		fname := writeFile(t, dir, tt.file, tt.content)
		names, err := loadClassNames(fname)
		require.NoError(t, err, tt.file)
		assert.Equal(t, tt.names, names, tt.file)
	}
	fname := writeFile(t, dir, "bad.yaml", "nc: 3\n")
	_, err := loadClassNames(fname)
	assert.Error(t, err)
}

// TestRound
func TestRound(t *testing.T) {
	assert.Equal(t, 1.23, round(1.2345, 2))
	assert.Equal(t, 0.8765, round(0.87654, 4))
	assert.Equal(t, 640.0, round(640, 2))
}
