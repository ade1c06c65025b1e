// Package errs defines the error kinds shared by the pipeline packages.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindStorage            Kind = "storage"
	KindParse              Kind = "parse"
	KindEmbeddingProvider  Kind = "embedding_provider"
	KindExtractionProvider Kind = "extraction_provider"
	KindDatabase           Kind = "database"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
)

// Error carries a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Storage(op string, err error) error   { return E(KindStorage, op, err) }
func Parse(op string, err error) error     { return E(KindParse, op, err) }
func Database(op string, err error) error  { return E(KindDatabase, op, err) }
func NotFound(op string, err error) error  { return E(KindNotFound, op, err) }
func Embedding(op string, err error) error { return E(KindEmbeddingProvider, op, err) }

func Extraction(op string, err error) error {
	return E(KindExtractionProvider, op, err)
}

func Validation(op, format string, args ...any) error {
	return E(KindValidation, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
