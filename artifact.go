package main

// artifact module holds loaded model artifacts
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// artifact states
const (
	Ready       = "Ready"
	Unavailable = "Unavailable"
)

// Artifact represents loaded model of a function. It is populated once by
// LoadArtifact and never mutated afterwards.
type Artifact[M any] struct {
	Name     string            // function name
	Kind     string            // function kind
	Path     string            // absolute path of artifact directory
	State    string            // Ready or Unavailable
	Reason   string            // reason of unavailability
	Files    map[string]string // resolved required files
	Loaded   time.Time         // load timestamp
	LoadTime time.Duration     // load duration
	model    M
}

// Model returns loaded model and true if artifact is ready
func (a *Artifact[M]) Model() (M, bool) {
	return a.model, a.State == Ready
}

// IsReady returns true if artifact was successfully loaded
func (a *Artifact[M]) IsReady() bool {
	return a.State == Ready
}

// Loader loads model from artifact directory and its resolved files
type Loader[M any] func(dir string, files map[string]string) (M, error)

// LoadArtifact checks required files of the artifact directory and loads the
// model. Each entry of required is a list of alternative file names, the
// first existing one is used. Any failure leaves artifact Unavailable.
func LoadArtifact[M any](name, kind, dir string, required [][]string, loader Loader[M]) (a *Artifact[M]) {
	start := time.Now()
	a = &Artifact[M]{Name: name, Kind: kind, State: Unavailable, Files: make(map[string]string)}
	defer func() {
		if err := recover(); err != nil {
			a.State = Unavailable
			a.Reason = fmt.Sprintf("loader panic: %v", err)
			log.Printf("ERROR: %s artifact loader panic: %v", name, err)
		}
	}()
	path, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		a.Path = dir
		a.Reason = fmt.Sprintf("unable to resolve path %s: %v", dir, err)
		log.Printf("ERROR: %s %s", name, a.Reason)
		return a
	}
	a.Path = path
	if cwd, err := os.Getwd(); err == nil && Config.Verbose > 0 {
		log.Printf("%s: current working directory %s", name, cwd)
	}
	info, err := os.Stat(path)
	exists := err == nil && info.IsDir()
	log.Printf("%s: check '%s' (exists and is directory): %v", name, path, exists)
	if !exists {
		a.Reason = fmt.Sprintf("model directory %s not found", path)
		log.Printf("ERROR: %s %s", name, a.Reason)
		return a
	}
	for _, alternatives := range required {
		fname, ok := findFile(path, alternatives)
		log.Printf("%s: check %v in '%s' (exists): %v", name, alternatives, path, ok)
		if !ok {
			a.Reason = fmt.Sprintf("%v: none of %s found in %s", ErrMissingFile, strings.Join(alternatives, ", "), path)
			log.Printf("ERROR: %s %s", name, a.Reason)
			return a
		}
		a.Files[alternatives[0]] = fname
	}
	model, err := loader(path, a.Files)
	if err != nil {
		a.Reason = fmt.Sprintf("unable to load model from %s: %v", path, err)
		log.Printf("ERROR: %s %s", name, a.Reason)
		return a
	}
	a.model = model
	a.State = Ready
	a.Loaded = time.Now()
	a.LoadTime = time.Since(start)
	log.Printf("%s: %s model loaded from '%s' in %v", name, kind, path, a.LoadTime)
	return a
}

// helper function to find first existing regular file among alternatives,
// an alternative may be a glob pattern relative to dir
func findFile(dir string, alternatives []string) (string, bool) {
	for _, name := range alternatives {
		fnames := []string{filepath.Join(dir, name)}
		if strings.ContainsAny(name, "*?[") {
			matches, err := filepath.Glob(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			sort.Strings(matches)
			fnames = matches
		}
		for _, fname := range fnames {
			if info, err := os.Stat(fname); err == nil && !info.IsDir() {
				return fname, true
			}
		}
	}
	return "", false
}
