package main

// metrics module reports function invocations to DogStatsD agent
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"fmt"
	"log"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// metric names, prefixed by client namespace
const (
	metricRequests      = "requests"
	metricLatency       = "latency"
	metricArtifactReady = "artifact.ready"
)

// Metrics represents statsd client used by functions
type Metrics struct {
	client statsd.ClientInterface
	rate   float64
}

// NewMetrics creates metrics client for given agent address, empty address
// leads to no-op client
func NewMetrics(addr string) *Metrics {
	if addr == "" {
		return &Metrics{client: &statsd.NoOpClient{}, rate: 1}
	}
	client, err := statsd.New(addr,
		statsd.WithNamespace("mlfaas."),
		statsd.WithTags([]string{"service:mlfaas"}),
	)
	if err != nil {
		log.Printf("ERROR: unable to create statsd client for %s: %v, metrics are disabled", addr, err)
		return &Metrics{client: &statsd.NoOpClient{}, rate: 1}
	}
	log.Printf("statsd metrics are sent to %s", addr)
	return &Metrics{client: client, rate: 1}
}

// Request records single function invocation
func (m *Metrics) Request(name, kind string, status int, elapsed time.Duration) {
	if m == nil || m.client == nil {
		return
	}
	tags := []string{"function:" + name, "kind:" + kind, fmt.Sprintf("status:%d", status)}
	if err := m.client.Incr(metricRequests, tags, m.rate); err != nil && Config.Verbose > 1 {
		log.Println("unable to send statsd counter", err)
	}
	if err := m.client.Timing(metricLatency, elapsed, tags[:2], m.rate); err != nil && Config.Verbose > 1 {
		log.Println("unable to send statsd timing", err)
	}
}

// ArtifactReady records artifact state of the function
func (m *Metrics) ArtifactReady(name, kind string, ready bool) {
	if m == nil || m.client == nil {
		return
	}
	value := 0.0
	if ready {
		value = 1
	}
	tags := []string{"function:" + name, "kind:" + kind}
	if err := m.client.Gauge(metricArtifactReady, value, tags, 1); err != nil && Config.Verbose > 1 {
		log.Println("unable to send statsd gauge", err)
	}
}

// Close flushes and closes underlying client
func (m *Metrics) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
