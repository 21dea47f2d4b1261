// Package discovery reads an office server's WOPI capability document.
package discovery

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Table maps a lowercase file extension to action name to URL template.
type Table map[string]map[string]string

// ParseError reports a capability document that could not be read.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse discovery document: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errEmptyDocument = errors.New("document has no root element")

// ParseXML walks every <action> element in document order. The first urlsrc
// seen for an (extension, action) pair wins. Actions without an extension
// (mime-type apps) are skipped.
func ParseXML(data []byte) (Table, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	table := Table{}
	sawRoot := false

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		if start.Name.Local != "action" {
			continue
		}

		var name, ext, urlsrc string
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "name":
				name = attr.Value
			case "ext":
				ext = attr.Value
			case "urlsrc":
				urlsrc = attr.Value
			}
		}
		ext = normalizeExt(ext)
		name = strings.TrimSpace(name)
		if ext == "" || name == "" || urlsrc == "" {
			continue
		}

		actions, ok := table[ext]
		if !ok {
			actions = map[string]string{}
			table[ext] = actions
		}
		if _, exists := actions[name]; !exists {
			actions[name] = urlsrc
		}
	}

	if !sawRoot {
		return nil, &ParseError{Err: errEmptyDocument}
	}
	return table, nil
}

// Lookup returns the template for ext and action. The extension may carry a
// leading dot and any case.
func (t Table) Lookup(ext, action string) (string, bool) {
	actions, ok := t[normalizeExt(ext)]
	if !ok {
		return "", false
	}
	urlsrc, ok := actions[action]
	return urlsrc, ok
}

// Supports reports whether any action exists for ext.
func (t Table) Supports(ext string) bool {
	return len(t[normalizeExt(ext)]) > 0
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
