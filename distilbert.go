package main

// distilbert module implements DistilBERT sequence classification forward pass
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

const layerNormEps = 1e-12

// DistilBertConfig represents subset of HuggingFace config.json
type DistilBertConfig struct {
	Dim          int               `json:"dim"`
	NLayers      int               `json:"n_layers"`
	NHeads       int               `json:"n_heads"`
	HiddenDim    int               `json:"hidden_dim"`
	VocabSize    int               `json:"vocab_size"`
	MaxPositions int               `json:"max_position_embeddings"`
	Activation   string            `json:"activation"`
	ID2Label     map[string]string `json:"id2label"`
	NumLabels    int               `json:"num_labels"`
}

// LoadDistilBertConfig reads and validates config.json
func LoadDistilBertConfig(fname string) (DistilBertConfig, error) {
	var cfg DistilBertConfig
	data, err := os.ReadFile(filepath.Clean(fname))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse %s: %w", fname, err)
	}
	if cfg.MaxPositions == 0 {
		cfg.MaxPositions = 512
	}
	if cfg.Activation == "" {
		cfg.Activation = "gelu"
	}
	if cfg.Dim <= 0 || cfg.NLayers <= 0 || cfg.NHeads <= 0 || cfg.HiddenDim <= 0 {
		return cfg, fmt.Errorf("invalid model dimensions in %s", fname)
	}
	if cfg.Dim%cfg.NHeads != 0 {
		return cfg, fmt.Errorf("dim %d is not divisible by n_heads %d", cfg.Dim, cfg.NHeads)
	}
	if cfg.Activation != "gelu" && cfg.Activation != "relu" {
		return cfg, fmt.Errorf("unsupported activation %s", cfg.Activation)
	}
	return cfg, nil
}

// Labels returns class labels ordered by class id
func (c DistilBertConfig) Labels() []string {
	n := c.NumLabels
	ids := make([]int, 0, len(c.ID2Label))
	names := make(map[int]string)
	for key, name := range c.ID2Label {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		names[id] = name
	}
	sort.Ints(ids)
	if len(ids) > 0 && ids[len(ids)-1]+1 > n {
		n = ids[len(ids)-1] + 1
	}
	labels := make([]string, n)
	for i := range labels {
		if name, ok := names[i]; ok {
			labels[i] = name
		} else {
			labels[i] = fmt.Sprintf("LABEL_%d", i)
		}
	}
	return labels
}

// linear represents fully connected layer y = x W^T + b
type linear struct {
	w blas32.General // [out, in]
	b []float32      // [out]
}

// layerNorm represents layer normalization parameters
type layerNorm struct {
	g []float32
	b []float32
}

type transformerBlock struct {
	q, k, v, out linear
	saNorm       layerNorm
	lin1, lin2   linear
	outNorm      layerNorm
}

// DistilBert represents DistilBERT encoder with classification head
type DistilBert struct {
	cfg           DistilBertConfig
	labels        []string
	wordEmb       *Tensor
	posEmb        *Tensor
	embNorm       layerNorm
	blocks        []transformerBlock
	preClassifier linear
	classifier    linear
}

// weights wraps state dict and resolves names with or without model prefix
type weights map[string]*Tensor

func (w weights) get(name string, shape ...int) (*Tensor, error) {
	t, ok := w[name]
	if !ok {
		t, ok = w["distilbert."+name]
	}
	if !ok {
		return nil, fmt.Errorf("weight %s not found", name)
	}
	if len(shape) > 0 {
		if len(t.Shape) != len(shape) {
			return nil, fmt.Errorf("weight %s has shape %v, expected %v", name, t.Shape, shape)
		}
		for i, d := range shape {
			if d >= 0 && t.Shape[i] != d {
				return nil, fmt.Errorf("weight %s has shape %v, expected %v", name, t.Shape, shape)
			}
		}
	}
	return t, nil
}

func (w weights) linear(name string, out, in int) (linear, error) {
	wt, err := w.get(name+".weight", out, in)
	if err != nil {
		return linear{}, err
	}
	bt, err := w.get(name+".bias", out)
	if err != nil {
		return linear{}, err
	}
	return linear{
		w: blas32.General{Rows: out, Cols: in, Stride: in, Data: wt.Data},
		b: bt.Data,
	}, nil
}

func (w weights) layerNorm(name string, dim int) (layerNorm, error) {
	g, err := w.get(name+".weight", dim)
	if err != nil {
		return layerNorm{}, err
	}
	b, err := w.get(name+".bias", dim)
	if err != nil {
		return layerNorm{}, err
	}
	return layerNorm{g: g.Data, b: b.Data}, nil
}

// NewDistilBert builds model from configuration and state dict
func NewDistilBert(cfg DistilBertConfig, state map[string]*Tensor) (*DistilBert, error) {
	w := weights(state)
	d, h := cfg.Dim, cfg.HiddenDim
	m := &DistilBert{cfg: cfg}
	var err error
	if m.wordEmb, err = w.get("embeddings.word_embeddings.weight", -1, d); err != nil {
		return nil, err
	}
	if m.posEmb, err = w.get("embeddings.position_embeddings.weight", -1, d); err != nil {
		return nil, err
	}
	if m.embNorm, err = w.layerNorm("embeddings.LayerNorm", d); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.NLayers; i++ {
		var b transformerBlock
		prefix := fmt.Sprintf("transformer.layer.%d.", i)
		if b.q, err = w.linear(prefix+"attention.q_lin", d, d); err != nil {
			return nil, err
		}
		if b.k, err = w.linear(prefix+"attention.k_lin", d, d); err != nil {
			return nil, err
		}
		if b.v, err = w.linear(prefix+"attention.v_lin", d, d); err != nil {
			return nil, err
		}
		if b.out, err = w.linear(prefix+"attention.out_lin", d, d); err != nil {
			return nil, err
		}
		if b.saNorm, err = w.layerNorm(prefix+"sa_layer_norm", d); err != nil {
			return nil, err
		}
		if b.lin1, err = w.linear(prefix+"ffn.lin1", h, d); err != nil {
			return nil, err
		}
		if b.lin2, err = w.linear(prefix+"ffn.lin2", d, h); err != nil {
			return nil, err
		}
		if b.outNorm, err = w.layerNorm(prefix+"output_layer_norm", d); err != nil {
			return nil, err
		}
		m.blocks = append(m.blocks, b)
	}
	if m.preClassifier, err = w.linear("pre_classifier", d, d); err != nil {
		return nil, err
	}
	ct, err := w.get("classifier.weight", -1, d)
	if err != nil {
		return nil, err
	}
	nlabels := ct.Shape[0]
	if m.classifier, err = w.linear("classifier", nlabels, d); err != nil {
		return nil, err
	}
	if cfg.NumLabels == 0 {
		cfg.NumLabels = nlabels
	}
	m.cfg = cfg
	m.labels = cfg.Labels()
	if len(m.labels) != nlabels {
		return nil, fmt.Errorf("config has %d labels while classifier has %d outputs", len(m.labels), nlabels)
	}
	return m, nil
}

// Labels returns class labels of the model
func (m *DistilBert) Labels() []string {
	return m.labels
}

// MaxPositions returns maximum supported sequence length
func (m *DistilBert) MaxPositions() int {
	n := m.posEmb.Shape[0]
	if m.cfg.MaxPositions < n {
		n = m.cfg.MaxPositions
	}
	return n
}

// Forward computes class probabilities for given token ids
func (m *DistilBert) Forward(ids []int) ([]float32, error) {
	seq, d := len(ids), m.cfg.Dim
	if seq == 0 {
		return nil, fmt.Errorf("empty token sequence")
	}
	if seq > m.MaxPositions() {
		return nil, fmt.Errorf("sequence length %d exceeds %d positions", seq, m.MaxPositions())
	}
	vocab := m.wordEmb.Shape[0]
	x := newMatrix(seq, d)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("token id %d is out of vocabulary range %d", id, vocab)
		}
		row := x.Data[i*d : (i+1)*d]
		we := m.wordEmb.Data[id*d : (id+1)*d]
		pe := m.posEmb.Data[i*d : (i+1)*d]
		for j := range row {
			row[j] = we[j] + pe[j]
		}
	}
	m.embNorm.apply(x)

	for _, b := range m.blocks {
		x = m.block(b, x)
	}

	cls := blas32.General{Rows: 1, Cols: d, Stride: d, Data: x.Data[:d]}
	hidden := m.preClassifier.applyTo(cls)
	for i, v := range hidden.Data {
		if v < 0 {
			hidden.Data[i] = 0
		}
	}
	logits := m.classifier.applyTo(hidden)
	return softmax(logits.Data), nil
}

// helper function to compute single transformer block
func (m *DistilBert) block(b transformerBlock, x blas32.General) blas32.General {
	seq, d, nh := x.Rows, m.cfg.Dim, m.cfg.NHeads
	dh := d / nh
	q := b.q.applyTo(x)
	k := b.k.applyTo(x)
	v := b.v.applyTo(x)
	scale := float32(1 / math.Sqrt(float64(dh)))
	for i := range q.Data {
		q.Data[i] *= scale
	}
	ctx := newMatrix(seq, d)
	scores := newMatrix(seq, seq)
	for h := 0; h < nh; h++ {
		qh := headView(q, h, dh)
		kh := headView(k, h, dh)
		vh := headView(v, h, dh)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, qh, kh, 0, scores)
		for i := 0; i < seq; i++ {
			row := scores.Data[i*seq : (i+1)*seq]
			copy(row, softmax(row))
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, scores, vh, 0, headView(ctx, h, dh))
	}
	att := b.out.applyTo(ctx)
	addInPlace(att, x)
	b.saNorm.apply(att)

	ff := b.lin1.applyTo(att)
	if m.cfg.Activation == "relu" {
		for i, val := range ff.Data {
			if val < 0 {
				ff.Data[i] = 0
			}
		}
	} else {
		for i, val := range ff.Data {
			ff.Data[i] = gelu(val)
		}
	}
	out := b.lin2.applyTo(ff)
	addInPlace(out, att)
	b.outNorm.apply(out)
	return out
}

// helper function to create zero matrix
func newMatrix(rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: make([]float32, rows*cols)}
}

// helper function to return view of attention head columns
func headView(m blas32.General, h, dh int) blas32.General {
	return blas32.General{Rows: m.Rows, Cols: dh, Stride: m.Stride, Data: m.Data[h*dh:]}
}

// helper function to apply linear layer to matrix rows
func (l linear) applyTo(x blas32.General) blas32.General {
	y := newMatrix(x.Rows, l.w.Rows)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, x, l.w, 0, y)
	for i := 0; i < y.Rows; i++ {
		row := y.Data[i*y.Stride : i*y.Stride+y.Cols]
		for j := range row {
			row[j] += l.b[j]
		}
	}
	return y
}

// helper function to add matrix b to matrix a element-wise
func addInPlace(a, b blas32.General) {
	for i := range a.Data {
		a.Data[i] += b.Data[i]
	}
}

// apply normalizes every row of x in place
func (n layerNorm) apply(x blas32.General) {
	for i := 0; i < x.Rows; i++ {
		row := x.Data[i*x.Stride : i*x.Stride+x.Cols]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(len(row))
		var variance float64
		for _, v := range row {
			dv := float64(v) - mean
			variance += dv * dv
		}
		variance /= float64(len(row))
		inv := 1 / math.Sqrt(variance+layerNormEps)
		for j, v := range row {
			row[j] = float32((float64(v)-mean)*inv)*n.g[j] + n.b[j]
		}
	}
}

func gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
}

// softmax returns normalized exponentials of given values
func softmax(values []float32) []float32 {
	out := make([]float32, len(values))
	if len(values) == 0 {
		return out
	}
	maxv := values[0]
	for _, v := range values[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range values {
		e := math.Exp(float64(v - maxv))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// helper function to return label name for logging
func labelsString(labels []string) string {
	return strings.Join(labels, ",")
}
