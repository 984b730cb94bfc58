package main

// registry module holds served functions
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"fmt"
	"log"
	"sort"
)

// Registry represents set of served functions. It is built once at start
// and only read afterwards.
type Registry struct {
	handlers []Handler
	index    map[string]Handler
}

// NewRegistry creates registry of given function handlers
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{index: make(map[string]Handler)}
	for _, h := range handlers {
		if _, ok := r.index[h.Name()]; ok {
			return nil, fmt.Errorf("duplicate function name %s", h.Name())
		}
		r.index[h.Name()] = h
		r.handlers = append(r.handlers, h)
	}
	return r, nil
}

// Get returns function handler of given name
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.index[name]
	return h, ok
}

// Handlers returns all function handlers in configuration order
func (r *Registry) Handlers() []Handler {
	return r.handlers
}

// Names returns sorted list of function names
func (r *Registry) Names() []string {
	var names []string
	for name := range r.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Records returns meta-data records of all function artifacts
func (r *Registry) Records() []Record {
	records := make([]Record, 0, len(r.handlers))
	for _, h := range r.handlers {
		records = append(records, h.Record())
	}
	return records
}

// Unavailable returns names of functions whose artifacts are not ready
func (r *Registry) Unavailable() []string {
	var names []string
	for _, h := range r.handlers {
		if rec := h.Record(); rec.State != Ready {
			names = append(names, h.Name())
		}
	}
	return names
}

// helper function to create function handler for given configuration
func newHandler(fc FunctionConfig, metrics *Metrics) (Handler, error) {
	switch fc.Kind {
	case SentimentKind:
		return NewSentimentFunction(fc, metrics), nil
	case TabularKind:
		return NewTabularFunction(fc, metrics), nil
	case DetectionKind:
		return NewDetectionFunction(fc, metrics), nil
	}
	return nil, fmt.Errorf("function %s has unsupported kind '%s'", fc.Name, fc.Kind)
}

// loadRegistry loads artifacts of all configured functions, functions with
// unavailable artifacts are still registered and answer with errors
func loadRegistry(functions []FunctionConfig, metrics *Metrics) (*Registry, error) {
	var handlers []Handler
	for _, fc := range functions {
		h, err := newHandler(fc, metrics)
		if err != nil {
			return nil, err
		}
		rec := h.Record()
		metrics.ArtifactReady(h.Name(), h.Kind(), rec.State == Ready)
		if rec.State != Ready {
			log.Printf("WARNING: function %s is registered but its model is unavailable: %s", h.Name(), rec.Reason)
		}
		handlers = append(handlers, h)
	}
	return NewRegistry(handlers...)
}

// helper function to publish artifact records to meta-data database
func publishRecords(md *MetaData, records []Record) {
	for _, rec := range records {
		if err := md.Insert(rec); err != nil {
			log.Printf("ERROR: unable to publish %s record: %v", rec.Function, err)
			return
		}
	}
	log.Printf("published %d artifact records to %s.%s", len(records), md.DBName, md.DBColl)
}
