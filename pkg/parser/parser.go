// Package parser turns uploaded bytes into structured text blocks.
package parser

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/types"
)

type ParserConfig struct {
	// RemoteURL receives every type with no local parser. Empty disables it.
	RemoteURL string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	// MaxResponseBytes caps the remote service's JSON reply.
	MaxResponseBytes int64
}

// Registry dispatches by mime type.
type Registry struct {
	config  ParserConfig
	parsers map[string]types.Parser
	remote  types.Parser
}

func NewWithConfig(config ParserConfig) (*Registry, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = DefaultMaxResponseBytes
	}

	r := &Registry{
		config:  config,
		parsers: map[string]types.Parser{},
	}
	r.Register("text/plain", PlainText{})
	r.Register("text/markdown", Markdown{})
	r.Register("text/html", HTML{})
	r.Register("application/pdf", PDF{})

	if config.RemoteURL != "" {
		remote, err := NewRemote(config.RemoteURL, config.Timeout, config.RateLimit, config.MaxResponseBytes)
		if err != nil {
			return nil, err
		}
		r.remote = remote
	}
	return r, nil
}

func (r *Registry) Register(mimeType string, p types.Parser) {
	r.parsers[mimeType] = p
}

var extensionTypes = map[string]string{
	".txt":      "text/plain",
	".text":     "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".html":     "text/html",
	".htm":      "text/html",
	".pdf":      "application/pdf",
}

// MediaType normalizes a declared mime type, falling back to the file
// extension when the declaration is missing or generic.
func MediaType(mimeType, filename string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = ""
	}
	mt = strings.ToLower(mt)
	if mt == "" || mt == "application/octet-stream" {
		if byExt, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
			return byExt
		}
	}
	return mt
}

func (r *Registry) Parse(ctx context.Context, data []byte, mimeType, filename string) (*types.ParsedDocument, error) {
	mt := MediaType(mimeType, filename)

	p, ok := r.parsers[mt]
	if !ok {
		if r.remote == nil {
			return nil, errs.Parse("parser.Parse", fmt.Errorf("unsupported mime type %q for %s", mt, filename))
		}
		p = r.remote
	}

	doc, err := p.Parse(ctx, data, mt, filename)
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.Parse("parser.Parse", err)
		}
		return nil, err
	}
	if doc.Title == "" && filename != "" {
		doc.Title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	return doc, nil
}
