package main

// metadata module keeps records about loaded model artifacts
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"sort"
	"time"

	"gopkg.in/mgo.v2/bson"
)

// Record define artifact meta-data record
type Record struct {
	Function  string   `json:"function" bson:"function"`       // function name
	Kind      string   `json:"kind" bson:"kind"`               // function kind
	Path      string   `json:"path" bson:"path"`               // artifact directory
	State     string   `json:"state" bson:"state"`             // Ready or Unavailable
	Reason    string   `json:"reason,omitempty" bson:"reason"` // reason of unavailability
	Files     []string `json:"files" bson:"files"`             // resolved artifact files
	LoadTime  float64  `json:"load_time" bson:"load_time"`     // load time in seconds
	Loaded    int64    `json:"loaded,omitempty" bson:"loaded"` // load timestamp
	Timestamp int64    `json:"timestamp" bson:"timestamp"`     // record timestamp
}

// helper function to create meta-data record of given artifact
func artifactRecord[M any](a *Artifact[M]) Record {
	files := make([]string, 0, len(a.Files))
	for _, fname := range a.Files {
		files = append(files, fname)
	}
	sort.Strings(files)
	rec := Record{
		Function:  a.Name,
		Kind:      a.Kind,
		Path:      a.Path,
		State:     a.State,
		Reason:    a.Reason,
		Files:     files,
		LoadTime:  a.LoadTime.Seconds(),
		Timestamp: time.Now().Unix(),
	}
	if !a.Loaded.IsZero() {
		rec.Loaded = a.Loaded.Unix()
	}
	return rec
}

// MetaData represents meta-data database object
type MetaData struct {
	DBName string
	DBColl string
}

// Insert inserts or replaces record in MetaData database
func (m *MetaData) Insert(rec Record) error {
	records := []Record{rec}
	err := MongoUpsert(m.DBName, m.DBColl, records)
	return err
}

// Remove removes given function from MetaData database
func (m *MetaData) Remove(function string) error {
	spec := bson.M{"function": function}
	err := MongoRemove(m.DBName, m.DBColl, spec)
	return err
}

// Records retrieves records from underlying MetaData database
func (m *MetaData) Records(function, kind, state string) ([]Record, error) {
	spec := bson.M{}
	if function != "" {
		spec["function"] = function
	}
	if kind != "" {
		spec["kind"] = kind
	}
	if state != "" {
		spec["state"] = state
	}
	records, err := MongoGet(m.DBName, m.DBColl, spec, 0, -1)
	return records, err
}
