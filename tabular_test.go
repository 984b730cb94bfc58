package main

import (
	"errors"
	"math"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper function to create tabular function from given model files
func newTabularTest(t *testing.T, model, scaler string, features int) *Function[[]float64, TabularResult] {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "model.json", model)
	if scaler != "" {
		writeFile(t, dir, "scaler.json", scaler)
	}
	fc := FunctionConfig{Name: "logreg", Kind: TabularKind, ModelDir: dir, Features: features}
	return NewTabularFunction(fc, nil)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// TestTabularPredict
func TestTabularPredict(t *testing.T) {
	initTestConfig(t)
	f := newTabularTest(t, `{"coef": [[1.0, 2.0]], "intercept": [0.5], "classes": [0, 1]}`, "", 0)
	require.Equal(t, Ready, f.Record().State, f.Record().Reason)

	status, out := call(t, f, `{"features": [1, 1]}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, out["prediction"])
	assert.InDelta(t, sigmoid(3.5), out["probability_of_class_1"], 1e-12)

	status, out = call(t, f, `{"features": [-3, 0.5]}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, out["prediction"])
	assert.InDelta(t, sigmoid(-1.5), out["probability_of_class_1"], 1e-12)
}

// TestTabularScaler
func TestTabularScaler(t *testing.T) {
	initTestConfig(t)
	f := newTabularTest(t,
		`{"coef": [2.0, -1.0, 0.5], "intercept": -0.25}`,
		`{"mean": [1, 2, 3], "scale": [2, 0, 0.5]}`, 3)
	require.Equal(t, Ready, f.Record().State, f.Record().Reason)

	status, out := call(t, f, `{"features": [3, 4, 4]}`)
	require.Equal(t, http.StatusOK, status)
	// scaled features: (3-1)/2=1, (4-2)/1=2, (4-3)/0.5=2
	z := 2*1.0 - 1*2.0 + 0.5*2.0 - 0.25
	assert.InDelta(t, sigmoid(z), out["probability_of_class_1"], 1e-12)
	assert.Equal(t, 1.0, out["prediction"])
}

// TestTabularDiabetesModel checks StandardScaler and LogisticRegression(C=1)
// parameters fitted on the first 20 rows of the Pima diabetes dataset
func TestTabularDiabetesModel(t *testing.T) {
	initTestConfig(t)
	model := `{
		"coef": [[0.20880042058736822, 0.8103010176886688, -0.03379518899038167, 0.545647277419941,
			0.5563914170157, -0.3680533468778467, 0.20646429875426828, -0.09262785662504575]],
		"intercept": [0.9020909680367649],
		"classes": [0, 1]
	}`
	scaler := `{
		"mean": [4.5, 129.4, 61.7, 17.8, 116.15, 30.95, 0.5116499999999999, 37.45],
		"scale": [3.4713109915419564, 34.45925129772845, 25.49725475418873, 17.284675293449975,
			210.37853383841235, 9.40996811896831, 0.5006839596991299, 11.29811931252277]
	}`
	f := newTabularTest(t, model, scaler, 8)
	require.Equal(t, Ready, f.Record().State, f.Record().Reason)

	// expected predict() and predict_proba()[:, 1] of the fitted pipeline
	tests := []struct {
		features    string
		prediction  float64
		probability float64
	}{
		{`[6, 148, 72, 35, 0, 33.6, 0.627, 50]`, 1, 0.8165063150175877},
		{`[1, 85, 66, 29, 0, 26.6, 0.351, 31]`, 0, 0.4613192580784558},
		{`[3, 120, 70, 20, 80, 32.0, 0.4, 40]`, 1, 0.6096053860920856},
	}
	for _, tt := range tests {
		status, out := call(t, f, `{"features": `+tt.features+`}`)
		require.Equal(t, http.StatusOK, status, out)
		assert.Equal(t, tt.prediction, out["prediction"], tt.features)
		assert.InDelta(t, tt.probability, out["probability_of_class_1"], 1e-9, tt.features)
	}
}

// TestTabularDimensionMismatch
func TestTabularDimensionMismatch(t *testing.T) {
	initTestConfig(t)
	f := newTabularTest(t, `{"coef": [0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8], "intercept": 0}`, "", 8)
	require.Equal(t, Ready, f.Record().State)

	status, out := call(t, f, `{"features": [1, 2, 3, 4, 5, 6, 7, 8, 9, 10]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "feature dimension mismatch: expected 8 features, got 10", out["error"])

	status, _ = call(t, f, `{"features": [1, 2, 3, 4, 5, 6, 7, 8]}`)
	assert.Equal(t, http.StatusOK, status)

	m, ok := f.artifact.Model()
	require.True(t, ok)
	_, err := m.Predict([]float64{1})
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

// TestTabularInvalidInput
func TestTabularInvalidInput(t *testing.T) {
	initTestConfig(t)
	f := newTabularTest(t, `{"coef": [1, 2], "intercept": 0}`, "", 0)
	tests := map[string]string{
		`{"features": []}`:         "must not be empty",
		`{"features": "1,2"}`:      "array of numbers",
		`{"features": [1, "a"]}`:   "feature 1 is not a number",
		`{"features": [1, null]}`:  "feature 1 is not a number",
		`{"features": [[1], [2]]}`: "feature 0 is not a number",
		`{"values": [1, 2]}`:       "JSON must contain key 'features'",
	}
	for body, msg := range tests {
		status, out := call(t, f, body)
		assert.Equal(t, http.StatusBadRequest, status, body)
		assert.Contains(t, out["error"], msg, body)
	}
}

// TestTabularUnavailable
func TestTabularUnavailable(t *testing.T) {
	initTestConfig(t)
	tests := []struct {
		name   string
		model  string
		scaler string
		n      int
		reason string
	}{
		{"bad json", `{"coef": `, "", 0, "unable to parse"},
		{"empty coef", `{"coef": [], "intercept": 0}`, "", 0, "empty coefficients"},
		{"multiclass", `{"coef": [[1], [2]], "intercept": [0, 0]}`, "", 0, "one row"},
		{"classes", `{"coef": [1], "classes": [0, 1, 2]}`, "", 0, "2 classes"},
		{"features guard", `{"coef": [1, 2]}`, "", 10, "configured 10 features"},
		{"scaler size", `{"coef": [1, 2]}`, `{"mean": [0], "scale": [1]}`, 0, "scaler has"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTabularTest(t, tt.model, tt.scaler, tt.n)
			rec := f.Record()
			assert.Equal(t, Unavailable, rec.State)
			assert.Contains(t, rec.Reason, tt.reason)
			status, out := call(t, f, `{"features": [1, 2]}`)
			assert.Equal(t, http.StatusInternalServerError, status)
			assert.Equal(t, "logreg model is not available", out["error"])
		})
	}

	f := NewTabularFunction(FunctionConfig{Name: "logreg", Kind: TabularKind, ModelDir: t.TempDir()}, nil)
	assert.Equal(t, Unavailable, f.Record().State)
	assert.Contains(t, f.Record().Reason, "model.json")
}
