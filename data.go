package main

// data module holds all data representations used in our package
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// Backend represents inference runtime backend
type Backend struct {
	Name    string `json:"name"`    // backend name, e.g. triton
	Type    string `json:"type"`    // backend protocol type, e.g. KServe
	URI     string `json:"uri"`     // backend URI, e.g. http://localhost:8000
	Timeout int    `json:"timeout"` // HTTP client timeout in seconds
}

// Backends represents map of inference backend records
type Backends map[string]Backend

// Request represents normalized function invocation payload
type Request struct {
	Body      []byte      // raw request body
	Header    http.Header // request headers
	Method    string      // HTTP method
	Query     url.Values  // query parameters
	RequestID string      // request identifier
}

// Response represents function invocation response
type Response struct {
	StatusCode int
	Body       []byte
}

// Result represents outcome of function invocation, either payload or error
type Result struct {
	Payload any
	Body    []byte // encoded payload
	Err     *FunctionError
}

// ErrorBody represents error payload returned to clients
type ErrorBody struct {
	Error string `json:"error"`
}

// Response converts result into HTTP response
func (r Result) Response() Response {
	if r.Err != nil {
		msg := r.Err.Message
		if r.Err.Kind == InferenceError && Config.VerboseErrors && r.Err.Cause != nil {
			msg = msg + ": " + r.Err.Cause.Error()
		}
		data, _ := json.Marshal(ErrorBody{Error: msg})
		return Response{StatusCode: r.Err.StatusCode(), Body: data}
	}
	if r.Body != nil {
		return Response{StatusCode: http.StatusOK, Body: r.Body}
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		data, _ = json.Marshal(ErrorBody{Error: errorMessage(JsonMarshal)})
		return Response{StatusCode: http.StatusInternalServerError, Body: data}
	}
	return Response{StatusCode: http.StatusOK, Body: data}
}

// SentimentResult represents sentiment function response
type SentimentResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// TabularResult represents tabular function response
type TabularResult struct {
	Prediction  int     `json:"prediction"`
	Probability float64 `json:"probability_of_class_1"`
}

// Detection represents single detected object
type Detection struct {
	Xmin       float64 `json:"xmin"`
	Ymin       float64 `json:"ymin"`
	Xmax       float64 `json:"xmax"`
	Ymax       float64 `json:"ymax"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	Name       string  `json:"name"`
}

// DetectionResult represents detection function response
type DetectionResult struct {
	Detections []Detection `json:"detections"`
}
