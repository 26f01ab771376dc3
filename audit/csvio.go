package audit

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// SourceReader streams asset records from the upstream CSV in chunks.
type SourceReader struct {
	f       *os.File
	r       *csv.Reader
	header  []string
	idx     map[string]int
	line    int
	skipped int
}

// OpenSource opens path and validates that the required columns are present.
func OpenSource(path string) (*SourceReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := newCSVReader(f)
	header, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("source %s: empty file", path)
		}
		return nil, fmt.Errorf("source %s: read header: %w", path, err)
	}
	header = cleanHeader(header)
	idx := make(map[string]int, len(header))
	for i, c := range header {
		if _, dup := idx[c]; !dup {
			idx[c] = i
		}
	}
	for _, c := range []string{ColAssetID, ColImageURL, ColOriginalURL} {
		if _, ok := idx[c]; !ok {
			f.Close()
			return nil, fmt.Errorf("source %s: missing column %q", path, c)
		}
	}
	return &SourceReader{f: f, r: r, header: header, idx: idx, line: 1}, nil
}

// Columns is the input header, in file order.
func (s *SourceReader) Columns() []string {
	return append([]string(nil), s.header...)
}

// Skipped counts rows dropped because they had no asset_id.
func (s *SourceReader) Skipped() int { return s.skipped }

// Next returns up to n records. It returns io.EOF once the source is exhausted
// and no records were read.
func (s *SourceReader) Next(n int) ([]AssetRecord, error) {
	if n <= 0 {
		n = 1
	}
	out := make([]AssetRecord, 0, n)
	for len(out) < n {
		row, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		s.line++
		if err != nil {
			return out, fmt.Errorf("source line %d: %w", s.line, err)
		}
		rec := s.record(row)
		if rec.ID == "" {
			s.skipped++
			continue
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (s *SourceReader) record(row []string) AssetRecord {
	vals := make([]string, len(s.header))
	copy(vals, row)
	return AssetRecord{
		ID:          strings.TrimSpace(vals[s.idx[ColAssetID]]),
		ImageURL:    vals[s.idx[ColImageURL]],
		OriginalURL: vals[s.idx[ColOriginalURL]],
		Columns:     s.header,
		Values:      vals,
	}
}

func (s *SourceReader) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// csvAppender appends whole rows to a CSV file, writing the header only when the
// file starts empty. Each row is rendered in memory and written with one call.
type csvAppender struct {
	mu          sync.Mutex
	f           *os.File
	header      []string
	needsHeader bool
}

func openAppender(path string, header []string) (*csvAppender, error) {
	if err := repairTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &csvAppender{
		f:           f,
		header:      header,
		needsHeader: info.Size() == 0,
	}, nil
}

func (a *csvAppender) append(row []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return os.ErrClosed
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if a.needsHeader {
		if err := w.Write(a.header); err != nil {
			return err
		}
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if _, err := a.f.Write(buf.Bytes()); err != nil {
		return err
	}
	a.needsHeader = false
	return nil
}

func (a *csvAppender) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// repairTail truncates a last row left incomplete by a process that died while
// writing it, so the next append starts on a row boundary. Only the final row
// can be torn: every open repairs the file before appending.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	start, err := lastRowOffset(f)
	if err != nil {
		return fmt.Errorf("%s: scan rows: %w", path, err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return err
	}
	tail, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	if rowComplete(tail) {
		return nil
	}
	return f.Truncate(start)
}

// lastRowOffset returns the byte offset where the final row of r begins.
func lastRowOffset(r io.Reader) (int64, error) {
	cr := newCSVReader(r)
	var start, end int64
	for {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return start, nil
		}
		var pe *csv.ParseError
		if err != nil && !errors.As(err, &pe) {
			return 0, err
		}
		start, end = end, cr.InputOffset()
	}
}

// rowComplete reports whether tail is exactly one row that was fully written:
// newline-terminated with every quoted field closed.
func rowComplete(tail []byte) bool {
	if len(tail) == 0 {
		return true
	}
	if tail[len(tail)-1] != '\n' {
		return false
	}
	cr := csv.NewReader(bytes.NewReader(tail))
	cr.FieldsPerRecord = -1
	_, err := cr.Read()
	return !errors.Is(err, csv.ErrQuote)
}

// ResultSink is the append-only results file.
type ResultSink struct {
	a *csvAppender
}

func OpenResultSink(path string) (*ResultSink, error) {
	a, err := openAppender(path, ResultColumns)
	if err != nil {
		return nil, fmt.Errorf("open results %s: %w", path, err)
	}
	return &ResultSink{a: a}, nil
}

func (s *ResultSink) Write(res ComparisonResult) error {
	return s.a.append(res.Row())
}

func (s *ResultSink) Close() error { return s.a.close() }

// ErrorSink is the append-only error file: the input columns plus error_type.
type ErrorSink struct {
	a *csvAppender
}

// OpenErrorSink keeps the header of an existing error file so rows stay aligned
// with it; a new file gets inputColumns plus error_type.
func OpenErrorSink(path string, inputColumns []string) (*ErrorSink, error) {
	if err := repairTail(path); err != nil {
		return nil, fmt.Errorf("open errors %s: %w", path, err)
	}
	header, err := readHeader(path)
	if err != nil {
		return nil, fmt.Errorf("open errors %s: %w", path, err)
	}
	if len(header) == 0 {
		header = append(append([]string(nil), inputColumns...), ColErrorType)
	}
	a, err := openAppender(path, header)
	if err != nil {
		return nil, fmt.Errorf("open errors %s: %w", path, err)
	}
	return &ErrorSink{a: a}, nil
}

func (s *ErrorSink) Write(rec AssetRecord, kind ErrorKind) error {
	row := make([]string, len(s.a.header))
	for i, c := range s.a.header {
		switch c {
		case ColErrorType:
			row[i] = string(kind)
		case ColAssetID:
			row[i] = rec.ID
		default:
			row[i] = rec.Field(c)
		}
	}
	return s.a.append(row)
}

func (s *ErrorSink) Close() error { return s.a.close() }

// LoadIDs reads every asset_id of an existing output file. A missing or empty
// file yields no ids.
func LoadIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := newCSVReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	col := -1
	for i, c := range cleanHeader(header) {
		if c == ColAssetID {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%s: missing column %q", path, ColAssetID)
	}

	var ids []string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			// A torn last row from a killed process is expected; keep what was read.
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return ids, fmt.Errorf("%s: %w", path, err)
		}
		if col < len(row) {
			if id := strings.TrimSpace(row[col]); id != "" {
				ids = append(ids, id)
			}
		}
	}
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header, err := newCSVReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cleanHeader(header), nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

// cleanHeader trims whitespace and a UTF-8 BOM from column names.
func cleanHeader(h []string) []string {
	out := make([]string, len(h))
	for i, c := range h {
		if i == 0 {
			c = strings.TrimPrefix(c, "\ufeff")
		}
		out[i] = strings.TrimSpace(c)
	}
	return out
}
