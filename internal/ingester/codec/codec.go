// Package codec streams raw key/value records out of chunk files. Both CSV
// (with a header row) and newline-delimited JSON are supported, either plain
// or gzip-compressed.
package codec

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// RawRow is one decoded input record before validation. CSV rows hold string
// values; NDJSON rows hold whatever the JSON line contained.
type RawRow map[string]interface{}

const maxLineBytes = 1024 * 1024

type RowReader struct {
	closers []io.Closer

	// CSV mode
	csvReader *csv.Reader
	header    []string

	// NDJSON mode
	scanner *bufio.Scanner

	rowNum int
}

// NewReader wraps src in a row reader. A ".gz" filename suffix triggers gzip
// decompression; the format is CSV when the content type or remaining filename
// says so, NDJSON otherwise.
func NewReader(src io.Reader, filename string, contentType string) (*RowReader, error) {
	r := &RowReader{}

	name := filename
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip stream")
		}
		r.closers = append(r.closers, gz)
		src = gz
		name = strings.TrimSuffix(name, ".gz")
	}

	if contentType == "text/csv" || strings.HasSuffix(name, ".csv") {
		cr := csv.NewReader(src)
		cr.FieldsPerRecord = -1
		header, err := cr.Read()
		if err != nil {
			if err == io.EOF {
				// An empty file simply yields no rows.
				r.csvReader = cr
				r.header = []string{}
				return r, nil
			}
			return nil, errors.Wrap(err, "reading csv header")
		}
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}
		r.csvReader = cr
		r.header = header
		return r, nil
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	r.scanner = sc
	return r, nil
}

// Next returns the next record along with its 1-based row number. A non-nil
// error with a non-zero row number is a row-local decode failure; iteration
// may continue. io.EOF signals the end of the stream.
func (r *RowReader) Next() (RawRow, int, error) {
	if r.csvReader != nil {
		return r.nextCsv()
	}
	return r.nextNdjson()
}

func (r *RowReader) nextCsv() (RawRow, int, error) {
	record, err := r.csvReader.Read()
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	r.rowNum++
	if err != nil {
		return nil, r.rowNum, errors.Wrap(err, "malformed csv record")
	}

	row := make(RawRow, len(r.header))
	for i, name := range r.header {
		if i >= len(record) {
			break
		}
		// Empty cells are treated as absent so required-field checks
		// report them as missing rather than as bad values.
		if value := record[i]; value != "" {
			row[name] = value
		}
	}
	return row, r.rowNum, nil
}

func (r *RowReader) nextNdjson() (RawRow, int, error) {
	for r.scanner.Scan() {
		r.rowNum++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		row := RawRow{}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, r.rowNum, errors.Wrap(err, "malformed json line")
		}
		return row, r.rowNum, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "reading ndjson stream")
	}
	return nil, 0, io.EOF
}

func (r *RowReader) Close() error {
	var err error
	for _, c := range r.closers {
		if cerr := c.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
