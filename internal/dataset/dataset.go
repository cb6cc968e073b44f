package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/cuongbtq/certgen/internal/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one data record keyed by header name
type Row map[string]string

// Get returns the trimmed value of a column or "" when absent
func (r Row) Get(key string) string {
	return strings.TrimSpace(r[key])
}

// Dataset is a parsed upload. Row order matches the input and a row's
// position is its row index.
type Dataset struct {
	Header []string
	Rows   []Row
}

// Len returns the number of data rows
func (d *Dataset) Len() int {
	return len(d.Rows)
}

type options struct {
	maxRows int
}

// Option configures Parse
type Option func(*options)

// WithMaxRows rejects datasets with more than n data rows
func WithMaxRows(n int) Option {
	return func(o *options) {
		o.maxRows = n
	}
}

// Parse reads a CSV document. It returns either the whole dataset or a
// *domain.MalformedInputError and no rows.
func Parse(r io.Reader, opts ...Option) (*Dataset, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	ds := &Dataset{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, &domain.MalformedInputError{Line: parseErr.Line, Reason: parseErr.Err.Error()}
			}
			return nil, fmt.Errorf("failed to read dataset: %w", err)
		}

		if isBlank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)

		for _, v := range record {
			if !utf8.ValidString(v) {
				return nil, &domain.MalformedInputError{Line: line, Reason: "invalid UTF-8 encoding"}
			}
		}

		if ds.Header == nil {
			header, err := parseHeader(record)
			if err != nil {
				return nil, &domain.MalformedInputError{Line: line, Reason: err.Error()}
			}
			ds.Header = header
			continue
		}

		if len(record) != len(ds.Header) {
			return nil, &domain.MalformedInputError{
				Line:   line,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(ds.Header), len(record)),
			}
		}

		if o.maxRows > 0 && len(ds.Rows) >= o.maxRows {
			return nil, &domain.MalformedInputError{Reason: fmt.Sprintf("dataset exceeds %d rows", o.maxRows)}
		}

		row := make(Row, len(record))
		for i, key := range ds.Header {
			row[key] = record[i]
		}
		ds.Rows = append(ds.Rows, row)
	}

	if ds.Header == nil {
		return nil, &domain.MalformedInputError{Reason: "missing header row"}
	}

	return ds, nil
}

func parseHeader(record []string) ([]string, error) {
	header := make([]string, len(record))
	seen := make(map[string]struct{}, len(record))
	for i, name := range record {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("header column %d is empty", i+1)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate header %q", name)
		}
		seen[name] = struct{}{}
		header[i] = name
	}
	return header, nil
}

// isBlank matches lines without any delimiter and only whitespace.
// Delimiter-only records such as ",," are rows with empty values and keep
// their row index.
func isBlank(record []string) bool {
	return len(record) == 1 && strings.TrimSpace(record[0]) == ""
}
