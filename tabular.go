package main

// tabular module implements logistic regression function
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
)

// tabularFiles lists required files of tabular model directory
var tabularFiles = [][]string{
	{"model.json"},
}

// LogisticModel represents exported scikit-learn LogisticRegression
type LogisticModel struct {
	Coef      json.RawMessage `json:"coef"`      // [n] or [[n]]
	Intercept json.RawMessage `json:"intercept"` // f or [f]
	Classes   []int           `json:"classes"`   // class labels, [0, 1] by default

	coef      []float64
	intercept float64
}

// StandardScaler represents exported scikit-learn StandardScaler
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// TabularModel represents logistic regression with optional feature scaler
type TabularModel struct {
	model  LogisticModel
	scaler *StandardScaler
}

// Features returns number of features expected by the model
func (m *TabularModel) Features() int {
	return len(m.model.coef)
}

// Predict returns predicted class and probability of class 1
func (m *TabularModel) Predict(features []float64) (TabularResult, error) {
	n := m.Features()
	if len(features) != n {
		return TabularResult{}, newError(SchemaError, ErrDimensionMismatch,
			"%v: expected %d features, got %d", ErrDimensionMismatch, n, len(features))
	}
	x := make([]float64, n)
	copy(x, features)
	if m.scaler != nil {
		for i := range x {
			scale := m.scaler.Scale[i]
			if scale == 0 {
				scale = 1
			}
			x[i] = (x[i] - m.scaler.Mean[i]) / scale
		}
	}
	z := floats.Dot(m.model.coef, x) + m.model.intercept
	prob := 1 / (1 + math.Exp(-z))
	if math.IsNaN(prob) {
		return TabularResult{}, errors.New("logistic function returned NaN")
	}
	pred := m.model.Classes[0]
	if z > 0 {
		pred = m.model.Classes[1]
	}
	return TabularResult{Prediction: pred, Probability: prob}, nil
}

// helper function to decode coefficients given either as vector or as
// single row matrix
func (l *LogisticModel) decode() error {
	var row []float64
	if err := json.Unmarshal(l.Coef, &row); err != nil {
		var matrix [][]float64
		if err := json.Unmarshal(l.Coef, &matrix); err != nil {
			return fmt.Errorf("unable to parse coef: %w", err)
		}
		if len(matrix) != 1 {
			return fmt.Errorf("binary classifier expects one row of coefficients, got %d", len(matrix))
		}
		row = matrix[0]
	}
	if len(row) == 0 {
		return errors.New("empty coefficients")
	}
	l.coef = row
	if len(l.Intercept) > 0 {
		var value float64
		if err := json.Unmarshal(l.Intercept, &value); err != nil {
			var values []float64
			if err := json.Unmarshal(l.Intercept, &values); err != nil || len(values) != 1 {
				return fmt.Errorf("unable to parse intercept %s", string(l.Intercept))
			}
			value = values[0]
		}
		l.intercept = value
	}
	if len(l.Classes) == 0 {
		l.Classes = []int{0, 1}
	}
	if len(l.Classes) != 2 {
		return fmt.Errorf("binary classifier expects 2 classes, got %v", l.Classes)
	}
	return nil
}

// helper function to read JSON file into given object
func readJSON(fname string, v any) error {
	data, err := os.ReadFile(filepath.Clean(fname))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unable to parse %s: %w", fname, err)
	}
	return nil
}

// helper function to load tabular model from artifact directory
func loadTabularModel(features int) Loader[Model[[]float64, TabularResult]] {
	return func(dir string, files map[string]string) (Model[[]float64, TabularResult], error) {
		m := &TabularModel{}
		if err := readJSON(files["model.json"], &m.model); err != nil {
			return nil, err
		}
		if err := m.model.decode(); err != nil {
			return nil, err
		}
		if fname, ok := findFile(dir, []string{"scaler.json"}); ok {
			var scaler StandardScaler
			if err := readJSON(fname, &scaler); err != nil {
				return nil, err
			}
			if len(scaler.Mean) != m.Features() || len(scaler.Scale) != m.Features() {
				return nil, fmt.Errorf("%w: scaler has %d/%d values, model has %d coefficients",
					ErrDimensionMismatch, len(scaler.Mean), len(scaler.Scale), m.Features())
			}
			m.scaler = &scaler
		}
		if features > 0 && features != m.Features() {
			return nil, fmt.Errorf("%w: configured %d features, model has %d coefficients",
				ErrDimensionMismatch, features, m.Features())
		}
		log.Printf("tabular model: %d features, scaler %v, classes %v", m.Features(), m.scaler != nil, m.model.Classes)
		return m, nil
	}
}

// helper function to validate features key of tabular request
func parseFeatures(raw json.RawMessage) ([]float64, *FunctionError) {
	if jsonType(raw) != "array" {
		return nil, newError(SchemaError, nil, "JSON must contain key 'features' with an array of numbers")
	}
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, newError(SchemaError, err, "JSON must contain key 'features' with an array of numbers")
	}
	if len(values) == 0 {
		return nil, newError(SchemaError, nil, "key 'features' must not be empty")
	}
	features := make([]float64, len(values))
	for i, v := range values {
		f, ok := v.(float64)
		if !ok {
			return nil, newError(SchemaError, nil, "feature %d is not a number", i)
		}
		features[i] = f
	}
	return features, nil
}

// NewTabularFunction loads tabular artifact and creates its function
func NewTabularFunction(fc FunctionConfig, metrics *Metrics) *Function[[]float64, TabularResult] {
	artifact := LoadArtifact[Model[[]float64, TabularResult]](fc.Name, TabularKind, fc.ModelDir, tabularFiles, loadTabularModel(fc.Features))
	schema := Schema[[]float64]{Key: "features", Parse: parseFeatures}
	return NewFunction[[]float64, TabularResult](schema, artifact, metrics)
}
