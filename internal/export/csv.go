package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

const utf8BOM = "\ufeff"

var ErrInvalidChunk = errors.New("invalid chunk request")

// Chunk is one window of rows, keyed by column name.
type Chunk struct {
	Value     []map[string]string `json:"value"`
	Page      int                 `json:"page"`
	ChunkSize int                 `json:"chunkSize"`
}

// project renders a record against a fixed column list. Absent fields become
// empty cells so every row has the same shape.
func project(rec domain.Record, columns []string) []string {
	row := make([]string, len(columns))
	for i, col := range columns {
		row[i] = cell(rec[col])
	}
	return row
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(bufio.NewReaderSize(r, 64<<10))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

func readHeader(cr *csv.Reader) ([]string, error) {
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", crm.ErrMalformedResponse)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crm.ErrMalformedResponse, err)
	}
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		out[i] = strings.TrimSpace(h)
	}
	return out, nil
}

// ReadHeader returns only the column names of a CSV stream.
func ReadHeader(r io.Reader) ([]string, error) {
	return readHeader(newCSVReader(r))
}

// ReadChunk returns rows [page*size, (page+1)*size) of a CSV stream whose
// first record is the header. Reading stops as soon as the window is filled.
func ReadChunk(r io.Reader, page, size int) (*Chunk, error) {
	if page < 0 || size <= 0 {
		return nil, fmt.Errorf("%w: page must be >= 0 and chunk size > 0", ErrInvalidChunk)
	}
	cr := newCSVReader(r)
	header, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	chunk := &Chunk{Value: make([]map[string]string, 0, min(size, 1024)), Page: page, ChunkSize: size}
	// No stream holds a row past math.MaxInt; such windows are empty.
	if page > (math.MaxInt-size)/size {
		return chunk, nil
	}
	start := page * size
	end := start + size
	for idx := 0; idx < end; idx++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", crm.ErrMalformedResponse, idx, err)
		}
		if idx < start {
			continue
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		chunk.Value = append(chunk.Value, row)
	}
	return chunk, nil
}

// countRows counts data rows after the header.
func countRows(r io.Reader) ([]string, int, error) {
	cr := newCSVReader(r)
	cr.ReuseRecord = true
	header, err := readHeader(cr)
	if err != nil {
		return nil, 0, err
	}
	n := 0
	for {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return header, n, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: row %d: %v", crm.ErrMalformedResponse, n, err)
		}
		n++
	}
}
