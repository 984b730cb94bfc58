package main

// client functions for inference backends speaking KServe v2 (open
// inference) protocol over HTTP/JSON
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// InferTensor represents input or output tensor of inference request
type InferTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

// InferOutput represents requested output tensor
type InferOutput struct {
	Name string `json:"name"`
}

// InferRequest represents KServe v2 inference request
type InferRequest struct {
	ID      string        `json:"id,omitempty"`
	Inputs  []InferTensor `json:"inputs"`
	Outputs []InferOutput `json:"outputs,omitempty"`
}

// InferResponse represents KServe v2 inference response
type InferResponse struct {
	ModelName    string        `json:"model_name"`
	ModelVersion string        `json:"model_version,omitempty"`
	ID           string        `json:"id,omitempty"`
	Outputs      []InferTensor `json:"outputs"`
	Error        string        `json:"error,omitempty"`
}

// KServeClient represents client of inference backend
type KServeClient struct {
	Backend Backend
	Model   string
	client  *http.Client
}

// NewKServeClient creates client for given backend and model name
func NewKServeClient(backend Backend, model string) *KServeClient {
	timeout := time.Duration(backend.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &KServeClient{
		Backend: backend,
		Model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// helper function to build model URL for given API
func (c *KServeClient) url(api string) string {
	uri := strings.TrimSuffix(c.Backend.URI, "/")
	return fmt.Sprintf("%s/v2/models/%s/%s", uri, c.Model, api)
}

// Ready checks that model is loaded on the backend
func (c *KServeClient) Ready() error {
	rurl := c.url("ready")
	rsp, err := c.client.Get(rurl)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer rsp.Body.Close()
	io.Copy(io.Discard, rsp.Body)
	if rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s answered %s", ErrBackend, rurl, rsp.Status)
	}
	return nil
}

// Infer sends inference request and returns response
func (c *KServeClient) Infer(req InferRequest) (InferResponse, error) {
	var out InferResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	rurl := c.url("infer")
	if Config.Verbose > 1 {
		log.Printf("POST request to %s with %d bytes", rurl, len(body))
	}
	hreq, err := http.NewRequest("POST", rurl, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	rsp, err := c.client.Do(hreq)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer rsp.Body.Close()
	data, err := io.ReadAll(rsp.Body)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if rsp.StatusCode != http.StatusOK {
		log.Printf("Request failed with response code: %d", rsp.StatusCode)
		var rerr InferResponse
		if json.Unmarshal(data, &rerr) == nil && rerr.Error != "" {
			return out, fmt.Errorf("%w: %s", ErrBackend, rerr.Error)
		}
		return out, fmt.Errorf("%w: %s answered %s", ErrBackend, rurl, rsp.Status)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: unable to parse response: %v", ErrBackend, err)
	}
	return out, nil
}

// Output returns named output tensor of the response, or the first one if
// name is empty
func (r InferResponse) Output(name string) (InferTensor, error) {
	for _, t := range r.Outputs {
		if name == "" || t.Name == name {
			return t, nil
		}
	}
	return InferTensor{}, fmt.Errorf("%w: response has no output %s", ErrBackend, name)
}
