package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/kaspero/pkg/checkpoint"
	"github.com/ajitpratap0/kaspero/pkg/ingest"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/storage"
)

func newTestSource(t *testing.T, path string) (*Source, *checkpoint.Manager) {
	t.Helper()
	manager := checkpoint.NewManager(storage.NewMemoryStore(), zaptest.NewLogger(t))
	return New(path, manager, zaptest.NewLogger(t)), manager
}

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func drain(t *testing.T, stream *ingest.RecordStream) []ingest.RawRecord {
	t.Helper()
	var out []ingest.RawRecord
	for raw := range stream.Records() {
		out = append(out, raw)
	}
	require.NoError(t, stream.Err())
	return out
}

func TestCleanValue(t *testing.T) {
	cases := []struct {
		in   string
		want interface{}
	}{
		{"  hello  ", "hello"},
		{"", nil},
		{"null", nil},
		{"None", nil},
		{"N/A", nil},
		{"na", nil},
		{"-", nil},
		{"42", int64(42)},
		{"-17", int64(-17)},
		{"3.14", 3.14},
		{"1", int64(1)}, // numeric wins over boolean
		{"true", true},
		{"Yes", true},
		{"false", false},
		{"no", false},
		{"2024-01-15", "2024-01-15"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cleanValue(tc.in), "cleanValue(%q)", tc.in)
	}
}

func TestDetectDelimiter(t *testing.T) {
	assert.Equal(t, ',', detectDelimiter([]byte("a,b,c\n1,2,3")))
	assert.Equal(t, '\t', detectDelimiter([]byte("a\tb\tc")))
	assert.Equal(t, ';', detectDelimiter([]byte("a;b;c\nrow")))
	assert.Equal(t, '|', detectDelimiter([]byte("a|b|c")))
	assert.Equal(t, ',', detectDelimiter([]byte("justoneheader")), "comma default")
}

func TestDetectEncoding(t *testing.T) {
	assert.Equal(t, "utf-8", detectEncoding([]byte("id,name\n1,plain")).name)
	assert.Equal(t, "utf-8-sig", detectEncoding([]byte("\xEF\xBB\xBFid,name")).name)
	assert.Equal(t, "utf-16", detectEncoding([]byte{0xFF, 0xFE, 'i', 0, 'd', 0}).name)
	assert.Equal(t, "windows-1252", detectEncoding([]byte("caf\xe9,note")).name)
}

func TestExtract(t *testing.T) {
	path := writeCSV(t, "products.csv",
		"name,summary,value,active\nWidget,Small widget,9.99,yes\nGadget,null,120,no\n")
	src, _ := newTestSource(t, path)

	stream, err := src.Extract(context.Background())
	require.NoError(t, err)
	records := drain(t, stream)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "Widget", first["name"])
	assert.Equal(t, 9.99, first["value"])
	assert.Equal(t, true, first["active"])
	assert.Equal(t, int64(1), first["_row_number"])
	assert.Equal(t, "products.csv", first["_source_file"])

	second := records[1]
	assert.Nil(t, second["summary"])
	assert.Equal(t, int64(120), second["value"])
	assert.Equal(t, int64(2), second["_row_number"])
}

func TestExtractResumesFromOffset(t *testing.T) {
	path := writeCSV(t, "data.csv", "id,name\n1,one\n2,two\n3,three\n")
	src, manager := newTestSource(t, path)

	offset := int64(2)
	_, err := manager.Apply(context.Background(), models.SourceTypeFile, checkpoint.Update{LastOffset: &offset})
	require.NoError(t, err)

	stream, err := src.Extract(context.Background())
	require.NoError(t, err)
	records := drain(t, stream)

	require.Len(t, records, 1)
	assert.Equal(t, "three", records[0]["name"])
	assert.Equal(t, int64(2), stream.Skipped())
}

func TestExtractSemicolonDelimiter(t *testing.T) {
	path := writeCSV(t, "eu.csv", "name;value\nalpha;1\n")
	src, _ := newTestSource(t, path)

	stream, err := src.Extract(context.Background())
	require.NoError(t, err)
	records := drain(t, stream)
	require.Len(t, records, 1)
	assert.Equal(t, "alpha", records[0]["name"])
	assert.Equal(t, int64(1), records[0]["value"])
}

func TestExtractBOM(t *testing.T) {
	path := writeCSV(t, "bom.csv", "\xEF\xBB\xBFname,value\nbeta,2\n")
	src, _ := newTestSource(t, path)

	stream, err := src.Extract(context.Background())
	require.NoError(t, err)
	records := drain(t, stream)
	require.Len(t, records, 1)
	assert.Equal(t, "beta", records[0]["name"], "BOM must not pollute the first header")
}

func TestExtractMissingFile(t *testing.T) {
	src, _ := newTestSource(t, filepath.Join(t.TempDir(), "absent.csv"))
	_, err := src.Extract(context.Background())
	require.Error(t, err)
}

func TestSourceID(t *testing.T) {
	src, _ := newTestSource(t, "ignored.csv")
	id := src.SourceID(ingest.RawRecord{"_row_number": int64(7), "_source_file": "data.csv"})
	assert.Equal(t, "data.csv:7", id)

	id = src.SourceID(ingest.RawRecord{"_row_number": int64(1)})
	assert.Equal(t, "unknown:1", id)
}

func TestCheckpointUpdate(t *testing.T) {
	src, _ := newTestSource(t, "ignored.csv")

	update := src.CheckpointUpdate(ingest.RawRecord{"_row_number": int64(5)})
	require.NotNil(t, update)
	assert.Equal(t, int64(5), *update.LastOffset)

	assert.Nil(t, src.CheckpointUpdate(ingest.RawRecord{}))
}

func TestTransformSynonyms(t *testing.T) {
	src, _ := newTestSource(t, "ignored.csv")

	fields, err := src.Transform(ingest.RawRecord{
		"name":         "Widget",
		"summary":      "A small widget",
		"_row_number":  int64(1),
		"_source_file": "f.csv",
	})
	require.NoError(t, err)
	assert.Equal(t, "Widget", fields.Title)
	assert.Equal(t, "A small widget", fields.Description)
	assert.Empty(t, fields.ExtraData, "internal keys never leak into extra_data")
}

func TestTransformDateFormats(t *testing.T) {
	src, _ := newTestSource(t, "ignored.csv")
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	for _, raw := range []string{"2024-01-15", "15/01/2024", "01/15/2024", "2024/01/15"} {
		fields, err := src.Transform(ingest.RawRecord{"date": raw})
		require.NoError(t, err)
		require.NotNil(t, fields.PublishedAt, "date %q", raw)
		assert.True(t, want.Equal(*fields.PublishedAt), "date %q parsed as %v", raw, fields.PublishedAt)
	}
}

func TestTransformTagsAndExtra(t *testing.T) {
	src, _ := newTestSource(t, "ignored.csv")

	fields, err := src.Transform(ingest.RawRecord{
		"title":    "Post",
		"tags":     "go, etl ,  , data",
		"sku":      int64(12345),
		"in_stock": true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "etl", "data"}, fields.Tags)
	assert.Equal(t, int64(12345), fields.ExtraData["sku"])
	assert.Equal(t, true, fields.ExtraData["in_stock"])
	assert.NotContains(t, fields.ExtraData, "title")
}

func TestTransformStringifiesTypedCells(t *testing.T) {
	src, _ := newTestSource(t, "ignored.csv")

	fields, err := src.Transform(ingest.RawRecord{"name": int64(42)})
	require.NoError(t, err)
	assert.Equal(t, "42", fields.Title)
}
