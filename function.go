package main

// function module implements inference request lifecycle shared by all
// function kinds
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"
)

// excerpt size of request body used in log messages
const bodyExcerpt = 200

// Model represents ready to use inference model
type Model[I, O any] interface {
	Predict(input I) (O, error)
}

// Schema describes required key of the request JSON object and how to
// convert its raw value into model input
type Schema[I any] struct {
	Key   string
	Parse func(raw json.RawMessage) (I, *FunctionError)
}

// Function represents served inference function
type Function[I, O any] struct {
	name     string
	kind     string
	schema   Schema[I]
	artifact *Artifact[Model[I, O]]
	metrics  *Metrics
}

// Handler represents kind independent view of a served function
type Handler interface {
	Name() string
	Kind() string
	Record() Record
	Handle(req Request) Result
}

// NewFunction creates new function for given schema and loaded artifact
func NewFunction[I, O any](schema Schema[I], artifact *Artifact[Model[I, O]], metrics *Metrics) *Function[I, O] {
	return &Function[I, O]{
		name:     artifact.Name,
		kind:     artifact.Kind,
		schema:   schema,
		artifact: artifact,
		metrics:  metrics,
	}
}

// Name returns function name
func (f *Function[I, O]) Name() string {
	return f.name
}

// Kind returns function kind
func (f *Function[I, O]) Kind() string {
	return f.kind
}

// Record returns meta-data record of function artifact
func (f *Function[I, O]) Record() Record {
	return artifactRecord(f.artifact)
}

// Handle processes single function invocation
func (f *Function[I, O]) Handle(req Request) Result {
	start := time.Now()
	res := f.handle(req)
	if res.Err == nil {
		data, err := json.Marshal(res.Payload)
		if err != nil {
			res = Result{Err: inferenceError(fmt.Errorf("unable to encode %s response: %w", f.name, err))}
		} else {
			res.Body = data
		}
	}
	status := http.StatusOK
	if res.Err != nil {
		status = res.Err.StatusCode()
		log.Printf("ERROR: %s request %s status %d: %v, body: %s", f.name, req.RequestID, status, res.Err, excerpt(req.Body))
	} else if Config.Verbose > 0 {
		log.Printf("%s request %s status %d in %v", f.name, req.RequestID, status, time.Since(start))
	}
	f.metrics.Request(f.name, f.kind, status, time.Since(start))
	return res
}

// helper function which runs precondition chain and model invocation
func (f *Function[I, O]) handle(req Request) (res Result) {
	model, ok := f.artifact.Model()
	if !ok {
		return Result{Err: newError(UnavailableError, nil, "%s model is not available", f.name)}
	}
	if Config.Verbose > 1 {
		log.Printf("%s request %s body (first %d bytes): %s", f.name, req.RequestID, bodyExcerpt, excerpt(req.Body))
	}
	payload, ferr := decodeObject(req.Body)
	if ferr != nil {
		return Result{Err: ferr}
	}
	raw, ok := payload[f.schema.Key]
	if !ok {
		return Result{Err: newError(SchemaError, nil, "JSON must contain key '%s'", f.schema.Key)}
	}
	input, ferr := f.schema.Parse(raw)
	if ferr != nil {
		return Result{Err: ferr}
	}

	defer func() {
		if err := recover(); err != nil {
			log.Printf("ERROR: %s model panic: %v\n%s", f.name, err, debug.Stack())
			res = Result{Err: newError(InferenceError, fmt.Errorf("%v", err), "internal server error while processing request")}
		}
	}()
	out, err := model.Predict(input)
	if err != nil {
		return Result{Err: inferenceError(err)}
	}
	return Result{Payload: out}
}

// helper function to map model errors into function errors
func inferenceError(err error) *FunctionError {
	var ferr *FunctionError
	if errors.As(err, &ferr) {
		return ferr
	}
	return newError(InferenceError, err, "internal server error while processing request")
}

// helper function to decode request body into JSON object
func decodeObject(body []byte) (map[string]json.RawMessage, *FunctionError) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, newError(MalformedInput, nil, "empty request body")
	}
	if !utf8.Valid(body) {
		return nil, newError(MalformedInput, nil, "request body is not valid UTF-8 text")
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, newError(MalformedInput, err, "invalid JSON input")
	}
	if payload == nil {
		return nil, newError(MalformedInput, nil, "invalid JSON input")
	}
	return payload, nil
}

// helper function to return JSON type of raw message
func jsonType(raw json.RawMessage) string {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return "empty"
	}
	switch v[0] {
	case '"':
		return "string"
	case '[':
		return "array"
	case '{':
		return "object"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

// helper function to return printable excerpt of request body
func excerpt(body []byte) string {
	s := string(body)
	if len(body) > bodyExcerpt {
		s = string(body[:bodyExcerpt]) + "..."
	}
	return strings.ToValidUTF8(s, "?")
}
