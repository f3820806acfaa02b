package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func openSink(t *testing.T, path string) *CSVSink {
	t.Helper()
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

// readTable parses the result file. csv.Reader rejects ragged rows, so a
// successful parse also proves the table is rectangular.
func readTable(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("result file is not rectangular: %v", err)
	}
	return rows
}

func TestCSVSink_FirstWriteEstablishesSortedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := openSink(t, path)
	defer s.Close()

	err := s.Append([]map[string]any{
		{"sku": "a1", "category_id": "phones", "price": 9.5},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	want := []string{"category_id", "price", "sku"}
	if got := s.Header(); !reflect.DeepEqual(got, want) {
		t.Errorf("Header() = %v, want %v", got, want)
	}
}

func TestCSVSink_SchemaGrowthRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := openSink(t, path)

	// First batch: fields {a, b}.
	if err := s.Append([]map[string]any{
		{"a": "1", "b": "2"},
		{"a": "3", "b": "4"},
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Second batch introduces c.
	if err := s.Append([]map[string]any{
		{"a": "5", "b": "6", "c": "7"},
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows := readTable(t, path)
	if len(rows) != 4 {
		t.Fatalf("result has %d rows, want 4 (header + 3)", len(rows))
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(rows[0], want) {
		t.Errorf("header = %v, want %v", rows[0], want)
	}

	// Rows written before c appeared have a blank c value.
	if !reflect.DeepEqual(rows[1], []string{"1", "2", ""}) {
		t.Errorf("rows[1] = %v, want [1 2 ]", rows[1])
	}
	if !reflect.DeepEqual(rows[3], []string{"5", "6", "7"}) {
		t.Errorf("rows[3] = %v, want [5 6 7]", rows[3])
	}
}

func TestCSVSink_MissingFieldsBlankFilled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := openSink(t, path)

	if err := s.Append([]map[string]any{
		{"sku": "a1", "color": "red"},
		{"sku": "a2"}, // no color
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	s.Close()

	rows := readTable(t, path)
	// header is [color sku]
	if !reflect.DeepEqual(rows[2], []string{"", "a2"}) {
		t.Errorf("rows[2] = %v, want blank color", rows[2])
	}
}

func TestCSVSink_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")

	s := openSink(t, path)
	if err := s.Append([]map[string]any{{"sku": "a1"}}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// A new run reopens the file and keeps appending under the same schema.
	s2 := openSink(t, path)
	if err := s2.Append([]map[string]any{{"sku": "a2"}}); err != nil {
		t.Fatal(err)
	}
	s2.Close()

	rows := readTable(t, path)
	if len(rows) != 3 {
		t.Fatalf("result has %d rows, want 3", len(rows))
	}
	if rows[2][0] != "a2" {
		t.Errorf("rows[2] = %v, want [a2]", rows[2])
	}
}

func TestCSVSink_ReopenThenSchemaGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")

	s := openSink(t, path)
	if err := s.Append([]map[string]any{{"sku": "a1"}}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2 := openSink(t, path)
	if err := s2.Append([]map[string]any{{"sku": "a2", "stock": 3}}); err != nil {
		t.Fatal(err)
	}
	s2.Close()

	rows := readTable(t, path)
	if want := []string{"sku", "stock"}; !reflect.DeepEqual(rows[0], want) {
		t.Errorf("header = %v, want %v", rows[0], want)
	}
	if !reflect.DeepEqual(rows[1], []string{"a1", ""}) {
		t.Errorf("rows[1] = %v, want [a1 ]", rows[1])
	}
	if !reflect.DeepEqual(rows[2], []string{"a2", "3"}) {
		t.Errorf("rows[2] = %v, want [a2 3]", rows[2])
	}
}

func TestCSVSink_FailedRewriteKeepsOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := openSink(t, path)

	if err := s.Append([]map[string]any{{"sku": "a1"}}); err != nil {
		t.Fatal(err)
	}

	// A directory squatting on the temp path makes the rewrite fail.
	if err := os.Mkdir(path+".tmp", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.Append([]map[string]any{{"sku": "a2", "stock": 3}}); err == nil {
		t.Fatal("Append() with blocked rewrite succeeded, want error")
	}

	// The failed rewrite must not have touched the schema or the handle:
	// appends under the old header keep working.
	if want := []string{"sku"}; !reflect.DeepEqual(s.Header(), want) {
		t.Errorf("Header() = %v, want %v after failed rewrite", s.Header(), want)
	}
	if err := s.Append([]map[string]any{{"sku": "a3"}}); err != nil {
		t.Fatalf("Append() after failed rewrite error = %v", err)
	}

	// Unblock and retry the growth.
	if err := os.Remove(path + ".tmp"); err != nil {
		t.Fatal(err)
	}
	if err := s.Append([]map[string]any{{"sku": "a2", "stock": 3}}); err != nil {
		t.Fatalf("Append() after unblocking error = %v", err)
	}
	s.Close()

	rows := readTable(t, path)
	if want := []string{"sku", "stock"}; !reflect.DeepEqual(rows[0], want) {
		t.Errorf("header = %v, want %v", rows[0], want)
	}
	if len(rows) != 4 {
		t.Fatalf("result has %d rows, want 4", len(rows))
	}
	if !reflect.DeepEqual(rows[2], []string{"a3", ""}) {
		t.Errorf("rows[2] = %v, want [a3 ]", rows[2])
	}
	if !reflect.DeepEqual(rows[3], []string{"a2", "3"}) {
		t.Errorf("rows[3] = %v, want [a2 3]", rows[3])
	}
}

func TestCSVSink_EmptyBatchNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := openSink(t, path)
	defer s.Close()

	if err := s.Append(nil); err != nil {
		t.Fatalf("Append(nil) error = %v", err)
	}
	if s.Appended() != 0 {
		t.Errorf("Appended() = %d, want 0", s.Appended())
	}
}

func TestCSVSink_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := openSink(t, path)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				batch := []map[string]any{{"sku": "x", "batch": g}}
				if err := s.Append(batch); err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	s.Close()

	rows := readTable(t, path)
	if len(rows) != 81 {
		t.Errorf("result has %d rows, want 81 (header + 80)", len(rows))
	}
	if s.Appended() != 80 {
		t.Errorf("Appended() = %d, want 80", s.Appended())
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "abc", "abc"},
		{"bool", true, "true"},
		{"float", 9.5, "9.5"},
		{"float integral", float64(100000), "100000"},
		{"int", 7, "7"},
		{"int64", int64(-3), "-3"},
		{"nested map", map[string]any{"k": "v"}, `{"k":"v"}`},
		{"slice", []any{"a", "b"}, `["a","b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatValue(tt.value); got != tt.want {
				t.Errorf("formatValue(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestCSVSink_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := openSink(t, path)
	defer s.Close()

	if err := s.Validate(); err == nil {
		t.Error("Validate() on empty file succeeded, want error")
	}

	if err := s.Append([]map[string]any{{"sku": "a1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
