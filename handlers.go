package main

// handlers module holds all HTTP handlers functions
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/uptrace/bunrouter"
)

// maximum size of function request body
const maxBodySize = 32 << 20

// templates used by HTML pages
var templates Templates

// StatusRecord represents server status
type StatusRecord struct {
	Server    string   `json:"server"`    // server info
	Ready     bool     `json:"ready"`     // all artifacts are ready
	Functions []Record `json:"functions"` // artifact records
	Timestamp int64    `json:"timestamp"` // status timestamp
}

// helper function to get function name from http request
func getFunction(r *http.Request) (string, bool) {
	params := bunrouter.ParamsFromContext(r.Context())
	name, ok := params.Map()["name"]
	return name, ok
}

// helper function to write JSON response
func writeJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// helper function to write JSON error response
func writeError(w http.ResponseWriter, status int, msg string) {
	data, _ := json.Marshal(ErrorBody{Error: msg})
	writeJSON(w, status, data)
}

// helper function to marshal and write JSON response
func writeRecord(w http.ResponseWriter, status int, rec any) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Println("ERROR: unable to marshal data", err)
		writeError(w, http.StatusInternalServerError, errorMessage(JsonMarshal))
		return
	}
	writeJSON(w, status, data)
}

// helper function to check if client asks for HTML page
func acceptHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// helper function to make initial template struct
func makeTmpl(title string) TmplRecord {
	tmpl := make(TmplRecord)
	tmpl["Title"] = title
	tmpl["Base"] = Config.Base
	tmpl["ServerInfo"] = info()
	return tmpl
}

// helper function to write HTML page built from top, given and bottom templates
func writePage(w http.ResponseWriter, tfile string, tmpl TmplRecord, status int) {
	var page strings.Builder
	for _, name := range []string{"top.tmpl", tfile, "bottom.tmpl"} {
		content, err := templates.Tmpl(name, tmpl)
		if err != nil {
			log.Printf("ERROR: unable to render %s: %v", name, err)
			writeError(w, http.StatusInternalServerError, errorMessage(GenericError))
			return
		}
		page.WriteString(content)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(page.String()))
}

// helper function to invoke function with HTTP request
func invoke(w http.ResponseWriter, r *http.Request, h Handler) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	req := Request{
		Body:      body,
		Header:    r.Header,
		Method:    r.Method,
		Query:     r.URL.Query(),
		RequestID: requestID(r),
	}
	rsp := h.Handle(req).Response()
	writeJSON(w, rsp.StatusCode, rsp.Body)
}

// FunctionHandler invokes function given in request path
func FunctionHandler(w http.ResponseWriter, r *http.Request) {
	name, _ := getFunction(r)
	h, ok := registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("function '%s' not found", name))
		return
	}
	invoke(w, r, h)
}

// RootHandler invokes the only configured function
func RootHandler(w http.ResponseWriter, r *http.Request) {
	handlers := registry.Handlers()
	if len(handlers) != 1 {
		msg := fmt.Sprintf("please use %s, available functions: %s",
			basePath("/function/<name>"), strings.Join(registry.Names(), ", "))
		writeError(w, http.StatusNotFound, msg)
		return
	}
	invoke(w, r, handlers[0])
}

// StatusHandler provides artifact state of every function
func StatusHandler(w http.ResponseWriter, r *http.Request) {
	records := registry.Records()
	if acceptHTML(r) {
		tmpl := makeTmpl("mlfaas status")
		tmpl["Records"] = records
		writePage(w, "status.tmpl", tmpl, http.StatusOK)
		return
	}
	rec := StatusRecord{
		Server:    info(),
		Ready:     len(registry.Unavailable()) == 0,
		Functions: records,
		Timestamp: time.Now().Unix(),
	}
	writeRecord(w, http.StatusOK, rec)
}

// ModelsHandler provides meta-data records of function artifacts
func ModelsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	function, kind, state := query.Get("function"), query.Get("kind"), query.Get("state")
	if metadata != nil {
		records, err := metadata.Records(function, kind, state)
		if err != nil {
			log.Printf("ERROR: unable to get meta-data: %v", err)
			writeError(w, http.StatusInternalServerError, errorMessage(MetaDataError))
			return
		}
		writeRecord(w, http.StatusOK, records)
		return
	}
	records := []Record{}
	for _, rec := range registry.Records() {
		if function != "" && rec.Function != function {
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		if state != "" && rec.State != state {
			continue
		}
		records = append(records, rec)
	}
	writeRecord(w, http.StatusOK, records)
}

// DocsHandler provides API documentation
func DocsHandler(w http.ResponseWriter, r *http.Request) {
	tmpl := makeTmpl("mlfaas documentation")
	content, err := mdToHTML(StaticFs, "static/md/docs.md")
	if err != nil {
		log.Println("ERROR: DocsHandler mdToHTML error", err)
		tmpl["Content"] = err.Error()
		writePage(w, "error.tmpl", tmpl, http.StatusInternalServerError)
		return
	}
	tmpl["Content"] = template.HTML(content)
	writePage(w, "docs.tmpl", tmpl, http.StatusOK)
}

// HealthHandler answers liveness probes
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeRecord(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler answers readiness probes, server is ready when every
// function artifact is loaded
func ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if names := registry.Unavailable(); len(names) > 0 {
		writeRecord(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "unavailable",
			"unavailable": names,
		})
		return
	}
	writeRecord(w, http.StatusOK, map[string]string{"status": "ready"})
}

// NotFoundHandler answers requests to unknown end-points
func NotFoundHandler(w http.ResponseWriter, req bunrouter.Request) error {
	writeError(w, http.StatusNotFound, fmt.Sprintf("end-point %s not found", req.URL.Path))
	return nil
}

// MethodNotAllowedHandler answers requests with unsupported HTTP method
func MethodNotAllowedHandler(w http.ResponseWriter, req bunrouter.Request) error {
	writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s is not allowed for %s", req.Method, req.URL.Path))
	return nil
}
