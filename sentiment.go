package main

// sentiment module implements sentiment-analysis function
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"encoding/json"
	"log"
	"path/filepath"
	"strings"
)

// sentimentFiles lists required files of sentiment model directory
var sentimentFiles = [][]string{
	{"config.json"},
	{"model.safetensors", "pytorch_model.bin"},
	{"vocab.txt"},
}

// SentimentModel represents tokenizer and DistilBERT classifier
type SentimentModel struct {
	tokenizer *Tokenizer
	net       *DistilBert
}

// Predict returns most probable label and its score for given text
func (m *SentimentModel) Predict(text string) (SentimentResult, error) {
	ids := m.tokenizer.Encode(text)
	probs, err := m.net.Forward(ids)
	if err != nil {
		return SentimentResult{}, err
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return SentimentResult{Label: m.net.Labels()[best], Score: float64(probs[best])}, nil
}

// helper function to load sentiment model from artifact directory
func loadSentimentModel(dir string, files map[string]string) (Model[string, SentimentResult], error) {
	cfg, err := LoadDistilBertConfig(files["config.json"])
	if err != nil {
		return nil, err
	}
	var state map[string]*Tensor
	wfile := files["model.safetensors"]
	if filepath.Ext(wfile) == ".safetensors" {
		state, err = LoadSafetensors(wfile)
	} else {
		state, err = LoadTorchStateDict(wfile)
	}
	if err != nil {
		return nil, err
	}
	net, err := NewDistilBert(cfg, state)
	if err != nil {
		return nil, err
	}
	tokenizer, err := LoadTokenizer(dir, net.MaxPositions())
	if err != nil {
		return nil, err
	}
	log.Printf("sentiment model: %d layers, dim %d, labels [%s], vocabulary %d tokens, weights %s",
		cfg.NLayers, cfg.Dim, labelsString(net.Labels()), len(tokenizer.Vocab), filepath.Base(wfile))
	return &SentimentModel{tokenizer: tokenizer, net: net}, nil
}

// helper function to validate text key of sentiment request
func parseText(raw json.RawMessage) (string, *FunctionError) {
	if jsonType(raw) != "string" {
		return "", newError(SchemaError, nil, "JSON must contain key 'text' with a string value")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", newError(SchemaError, err, "JSON must contain key 'text' with a string value")
	}
	if strings.TrimSpace(text) == "" {
		return "", newError(SchemaError, nil, "key 'text' must not be empty")
	}
	return text, nil
}

// NewSentimentFunction loads sentiment artifact and creates its function
func NewSentimentFunction(fc FunctionConfig, metrics *Metrics) *Function[string, SentimentResult] {
	artifact := LoadArtifact[Model[string, SentimentResult]](fc.Name, SentimentKind, fc.ModelDir, sentimentFiles, loadSentimentModel)
	schema := Schema[string]{Key: "text", Parse: parseText}
	return NewFunction[string, SentimentResult](schema, artifact, metrics)
}
