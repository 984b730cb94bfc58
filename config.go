package main

// config module
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// supported function kinds
const (
	SentimentKind = "sentiment"
	TabularKind   = "tabular"
	DetectionKind = "detection"
)

// FunctionKinds lists supported function kinds
var FunctionKinds = []string{SentimentKind, TabularKind, DetectionKind}

// Configuration stores server configuration parameters
type Configuration struct {
	// web server parts
	Base          string `json:"base"`           // base URL
	LogFile       string `json:"log_file"`       // server log file
	Port          int    `json:"port"`           // server port number
	Verbose       int    `json:"verbose"`        // verbose output
	LimiterPeriod string `json:"rate"`           // limiter rate value
	VerboseErrors bool   `json:"verbose_errors"` // expose inference error details in responses

	// server parts
	RootCAs     string   `json:"rootCAs"`      // server Root CAs path
	ServerCrt   string   `json:"server_cert"`  // server certificate
	ServerKey   string   `json:"server_key"`   // server certificate
	DomainNames []string `json:"domain_names"` // LetsEncrypt domain names

	// MetaData parts
	DBURI  string `json:"db_uri"`  // meta-data server URI
	DBName string `json:"db_name"` // meta-data database name
	DBColl string `json:"db_coll"` // meta-data database collection

	// monitoring parts
	StatsdAddr string `json:"statsd_addr"` // DogStatsD agent address, e.g. localhost:8125

	// inference parts
	Backends  Backends         `json:"backends"`  // inference runtime backends
	Functions []FunctionConfig `json:"functions"` // served functions
}

// FunctionConfig describes single served function
type FunctionConfig struct {
	Name     string `json:"name"`      // function name, used in /function/:name
	Kind     string `json:"kind"`      // function kind: sentiment, tabular or detection
	ModelDir string `json:"model_dir"` // model artifact directory
	Features int    `json:"features"`  // expected number of features (tabular)
	Backend  string `json:"backend"`   // inference backend name (detection)
	Model    string `json:"model"`     // model name on inference backend (detection)
}

// Config variable represents configuration object
var Config Configuration

// helper function to parse server configuration file
func parseConfig(configFile string) error {
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		log.Println("Unable to read", err)
		return err
	}
	err = json.Unmarshal(data, &Config)
	if err != nil {
		log.Println("Unable to parse", err)
		return err
	}
	setDefaults(&Config)
	return Config.Validate()
}

// helper function to assign default values to configuration
func setDefaults(c *Configuration) {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LimiterPeriod == "" {
		c.LimiterPeriod = "100-S"
	}
	if c.DBName == "" {
		c.DBName = "mlfaas"
	}
	if c.DBColl == "" {
		c.DBColl = "artifacts"
	}
	if c.Backends == nil {
		c.Backends = make(Backends)
	}
	for key, b := range c.Backends {
		if b.Name == "" {
			b.Name = key
		}
		if b.Timeout == 0 {
			b.Timeout = 30
		}
		c.Backends[key] = b
	}
	for i := range c.Functions {
		f := &c.Functions[i]
		f.Kind = strings.ToLower(strings.TrimSpace(f.Kind))
		if f.Name == "" {
			f.Name = f.Kind
		}
		if f.ModelDir == "" {
			f.ModelDir = defaultModelDir(f.Kind)
		}
		if f.Kind == DetectionKind && f.Model == "" {
			f.Model = "yolov5s"
		}
	}
}

// helper function to return default model directory of given function kind
func defaultModelDir(kind string) string {
	switch kind {
	case SentimentKind:
		return "./function/model"
	case DetectionKind:
		return "./function/yolov5_local_repo"
	default:
		return "./function"
	}
}

// Validate checks consistency of configuration
func (c *Configuration) Validate() error {
	if len(c.Functions) == 0 {
		return errors.New("no functions are configured")
	}
	names := make(map[string]bool)
	for _, f := range c.Functions {
		if !InList(f.Kind, FunctionKinds) {
			return fmt.Errorf("function %s has unsupported kind '%s', please use one of %v", f.Name, f.Kind, FunctionKinds)
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate function name %s", f.Name)
		}
		names[f.Name] = true
		if f.Kind == DetectionKind {
			if _, ok := c.Backends[f.Backend]; !ok {
				return fmt.Errorf("function %s refers to unknown backend '%s'", f.Name, f.Backend)
			}
		}
		if f.Features < 0 {
			return fmt.Errorf("function %s has negative number of features", f.Name)
		}
	}
	return nil
}
