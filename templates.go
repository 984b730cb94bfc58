package main

// templates module
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"bytes"
	"embed"
	"html/template"
	"sync"
)

// StaticFs holds embedded templates and documentation
//
//go:embed static
var StaticFs embed.FS

// TmplRecord represent template record
type TmplRecord map[string]any

// Templates structure
type Templates struct {
	cache map[string]*template.Template
	mutex sync.Mutex
}

// Tmpl renders given template of embedded file system with provided data
func (q *Templates) Tmpl(tfile string, tmplData TmplRecord) (string, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.cache == nil {
		q.cache = make(map[string]*template.Template)
	}
	t, ok := q.cache[tfile]
	if !ok {
		var err error
		filenames := []string{"static/templates/" + tfile}
		t, err = template.New(tfile).ParseFS(StaticFs, filenames...)
		if err != nil {
			return "", err
		}
		q.cache[tfile] = t
	}
	buf := new(bytes.Buffer)
	if err := t.Execute(buf, tmplData); err != nil {
		return "", err
	}
	return buf.String(), nil
}
