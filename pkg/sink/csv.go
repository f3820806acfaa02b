// Package sink persists harvested items as one growing delimited table. The
// header is the sorted union of every field name seen so far; when a batch
// introduces new fields, the whole file is rewritten with old rows
// blank-filled, so the artifact is rectangular at all times.
package sink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for sink operations.
var (
	rowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sink_rows_total",
		Help: "Total rows appended to the result file",
	})

	schemaRewritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sink_schema_rewrites_total",
		Help: "Total full-file rewrites triggered by schema growth",
	})
)

// CSVSink is the append-only result store. Appends and header-extension
// rewrites are exclusive under one mutex.
type CSVSink struct {
	path   string
	logger zerolog.Logger

	mu          sync.Mutex
	file        *os.File
	writer      *csv.Writer
	header      []string
	headerIndex map[string]int
	appended    int64
}

// Open creates or reopens the result file. An existing file keeps its rows;
// its header becomes the starting schema.
func Open(path string, logger zerolog.Logger) (*CSVSink, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	s := &CSVSink{
		path:   path,
		logger: logger,
	}

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		header, err := readHeader(path)
		if err != nil {
			return nil, err
		}
		s.setHeader(header)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open result file: %w", err)
	}
	s.file = f
	s.writer = csv.NewWriter(f)

	return s, nil
}

// Append writes a batch of records. Records are open field maps; missing
// fields produce blank cells, new fields extend the schema first.
func (s *CSVSink) Append(records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newColumns := s.missingColumns(records)

	if s.header == nil {
		// First write establishes the header.
		sort.Strings(newColumns)
		s.setHeader(newColumns)
		if err := s.writer.Write(s.header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	} else if len(newColumns) > 0 {
		if err := s.extendSchema(newColumns); err != nil {
			return err
		}
	}

	for _, record := range records {
		row := make([]string, len(s.header))
		for field, value := range record {
			row[s.headerIndex[field]] = formatValue(value)
		}
		if err := s.writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}

	s.appended += int64(len(records))
	rowsWrittenTotal.Add(float64(len(records)))
	return nil
}

// Appended returns the number of rows written through this sink instance.
func (s *CSVSink) Appended() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended
}

// Header returns a copy of the current schema.
func (s *CSVSink) Header() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.header))
	copy(out, s.header)
	return out
}

// Close flushes and closes the file handle.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return s.file.Close()
}

// Validate ensures the file has content besides the header.
func (s *CSVSink) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat result file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("result file is empty")
	}
	return nil
}

// missingColumns returns batch fields absent from the header.
// Callers must hold s.mu.
func (s *CSVSink) missingColumns(records []map[string]any) []string {
	seen := make(map[string]struct{})
	var missing []string
	for _, record := range records {
		for field := range record {
			if _, ok := s.headerIndex[field]; ok {
				continue
			}
			if _, ok := seen[field]; ok {
				continue
			}
			seen[field] = struct{}{}
			missing = append(missing, field)
		}
	}
	return missing
}

// extendSchema rewrites the whole file under the grown header: old rows get
// blank cells for the new columns. The sink's header and file handle are
// replaced only once the rewrite is durable, so a failed rewrite leaves the
// sink appending under the old schema. Callers must hold s.mu.
func (s *CSVSink) extendSchema(newColumns []string) error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush before schema rewrite: %w", err)
	}

	oldHeader := s.header
	oldRows, err := readRows(s.path)
	if err != nil {
		return err
	}

	extended := append(append([]string{}, oldHeader...), newColumns...)
	sort.Strings(extended)
	index := make(map[string]int, len(extended))
	for i, col := range extended {
		index[col] = i
	}

	// Map old column positions into the new header.
	oldToNew := make([]int, len(oldHeader))
	for i, col := range oldHeader {
		oldToNew[i] = index[col]
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create rewrite temp file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(extended); err != nil {
		f.Close()
		return fmt.Errorf("write rewritten header: %w", err)
	}
	for _, oldRow := range oldRows {
		row := make([]string, len(extended))
		for i, value := range oldRow {
			row[oldToNew[i]] = value
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("write rewritten row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush rewritten file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close rewritten file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace result file: %w", err)
	}

	reopened, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen result file: %w", err)
	}

	// Rewrite is durable; install the new schema and retire the old handle.
	if err := s.file.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close replaced result file handle")
	}
	s.file = reopened
	s.writer = csv.NewWriter(reopened)
	s.setHeader(extended)

	schemaRewritesTotal.Inc()
	s.logger.Info().
		Int("columns", len(s.header)).
		Strs("new_columns", newColumns).
		Int("rewritten_rows", len(oldRows)).
		Msg("Extended result schema")

	return nil
}

// setHeader installs a header and rebuilds the index. Callers must hold s.mu
// (or own s exclusively).
func (s *CSVSink) setHeader(header []string) {
	s.header = header
	s.headerIndex = make(map[string]int, len(header))
	for i, col := range header {
		s.headerIndex[col] = i
	}
}

// readHeader reads the first record of an existing result file.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open result file: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		return nil, fmt.Errorf("read result header: %w", err)
	}
	return header, nil
}

// readRows reads all data rows (header excluded) of the result file.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open result file: %w", err)
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read result rows: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[1:], nil
}

// formatValue renders one dynamically-typed field value as a CSV cell.
func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		// Nested structures keep their JSON form.
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
