// Package file implements the flat-file source: CSV ingestion with
// encoding trial-decode, delimiter sniffing, row-offset resume, cell
// normalization, and synonym-based field mapping into the unified
// shape.
package file

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ajitpratap0/kaspero/pkg/checkpoint"
	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/ingest"
	"github.com/ajitpratap0/kaspero/pkg/models"
)

// Source extracts rows from one CSV file.
type Source struct {
	path        string
	checkpoints *checkpoint.Manager
	logger      *zap.Logger
}

// New builds a file source for a single path. The checkpoint manager
// supplies the row offset to resume from.
func New(path string, checkpoints *checkpoint.Manager, log *zap.Logger) *Source {
	return &Source{
		path:        path,
		checkpoints: checkpoints,
		logger:      log.With(zap.String("source", "file"), zap.String("path", path)),
	}
}

func (s *Source) Type() models.SourceType {
	return models.SourceTypeFile
}

// candidateEncoding pairs a label with its decoder for trial decoding.
type candidateEncoding struct {
	name    string
	decoder func() *encoding.Decoder
}

func candidates() []candidateEncoding {
	return []candidateEncoding{
		{"utf-8-sig", unicode.UTF8BOM.NewDecoder},
		{"utf-16", unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder},
		{"utf-8", unicode.UTF8.NewDecoder},
		{"windows-1252", charmap.Windows1252.NewDecoder},
		{"latin-1", charmap.ISO8859_1.NewDecoder},
	}
}

// detectEncoding trial-decodes a sample against the candidate list and
// returns the first that produces clean text. Latin-1 never rejects,
// so it closes the chain.
func detectEncoding(sample []byte) candidateEncoding {
	list := candidates()
	for _, cand := range list {
		switch cand.name {
		case "utf-8-sig":
			if bytes.HasPrefix(sample, []byte{0xEF, 0xBB, 0xBF}) && utf8.Valid(sample[3:]) {
				return cand
			}
		case "utf-16":
			if bytes.HasPrefix(sample, []byte{0xFF, 0xFE}) || bytes.HasPrefix(sample, []byte{0xFE, 0xFF}) {
				return cand
			}
		case "utf-8":
			if utf8.Valid(sample) {
				return cand
			}
		default:
			decoded, _, err := transform.Bytes(cand.decoder(), sample)
			if err == nil && !bytes.ContainsRune(decoded, utf8.RuneError) {
				return cand
			}
		}
	}
	return list[len(list)-1]
}

// detectDelimiter sniffs the column separator from the first sample
// line by picking the candidate with the highest count.
func detectDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}

	best, bestCount := ',', 0
	for _, cand := range []rune{',', '\t', ';', '|'} {
		if n := bytes.Count(line, []byte(string(cand))); n > bestCount {
			best, bestCount = cand, n
		}
	}
	return best
}

// cleanValue normalizes one cell: trims whitespace, maps sentinel
// strings to nil, and coerces numeric- and boolean-looking strings.
// Numeric coercion runs first, so "1" becomes the integer 1, not true.
func cleanValue(value string) interface{} {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "null", "none", "n/a", "na", "-":
		return nil
	}

	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	} else if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}

	switch strings.ToLower(value) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}

	return value
}

// Extract reads the CSV, skipping rows at or below the checkpointed
// offset, and emits cleaned rows tagged with their row number and
// source file.
func (s *Source) Extract(ctx context.Context) (*ingest.RecordStream, error) {
	lastRow, err := s.checkpoints.LastOffset(ctx, s.Type())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeExtraction, "failed to open CSV file")
	}

	sample := make([]byte, 4096)
	n, err := f.Read(sample)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeExtraction, "failed to sample CSV file")
	}
	sample = sample[:n]

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeExtraction, "failed to rewind CSV file")
	}

	enc := detectEncoding(sample)
	delimiter := detectDelimiter(sample)
	s.logger.Info("reading CSV",
		zap.String("encoding", enc.name),
		zap.String("delimiter", string(delimiter)),
		zap.Int64("resume_after_row", lastRow))

	reader := csv.NewReader(transform.NewReader(f, enc.decoder()))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	stream := ingest.NewRecordStream(0)
	baseName := filepath.Base(s.path)

	go func() {
		defer f.Close()

		header, err := reader.Read()
		if err == io.EOF {
			stream.Close()
			return
		}
		if err != nil {
			stream.CloseWithError(kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeExtraction, "failed to read CSV header"))
			return
		}

		for rowNum := int64(1); ; rowNum++ {
			row, err := reader.Read()
			if err == io.EOF {
				stream.Close()
				return
			}
			if err != nil {
				stream.CloseWithError(kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeExtraction, "failed to read CSV row"))
				return
			}

			if rowNum <= lastRow {
				stream.AddSkipped(1)
				continue
			}

			record := make(ingest.RawRecord, len(header)+2)
			for i, key := range header {
				if i >= len(row) {
					break
				}
				key = strings.TrimSpace(key)
				if key == "" {
					continue
				}
				record[key] = cleanValue(row[i])
			}
			record["_row_number"] = rowNum
			record["_source_file"] = baseName

			if !stream.Send(ctx, record) {
				stream.CloseWithError(ctx.Err())
				return
			}
		}
	}()

	return stream, nil
}

// SourceID is the filename and row number, a stable composite key.
func (s *Source) SourceID(raw ingest.RawRecord) string {
	rowNum, _ := raw["_row_number"].(int64)
	sourceFile, _ := raw["_source_file"].(string)
	if sourceFile == "" {
		sourceFile = "unknown"
	}
	return sourceFile + ":" + strconv.FormatInt(rowNum, 10)
}

// CheckpointUpdate advances the row offset after each loaded record so
// a mid-run failure resumes from the last good row.
func (s *Source) CheckpointUpdate(raw ingest.RawRecord) *checkpoint.Update {
	rowNum, ok := raw["_row_number"].(int64)
	if !ok {
		return nil
	}
	return &checkpoint.Update{LastOffset: &rowNum}
}

var dateFields = []string{"date", "created_at", "timestamp", "published_at", "created_date"}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"01/02/2006",
	"2006/01/02",
	"02-01-2006",
}

// synonyms maps each canonical unified field to the column names that
// feed it, in priority order.
var synonyms = map[string][]string{
	"title":       {"title", "name", "headline", "subject"},
	"description": {"description", "summary", "desc", "abstract"},
	"content":     {"content", "body", "text", "message"},
	"author":      {"author", "creator", "user", "writer", "by"},
	"category":    {"category", "type", "group", "section"},
	"url":         {"url", "link", "href"},
}

// mappedFields is every column name consumed by the synonym map, the
// tag column, and the date fields; anything else lands in extra_data.
var mappedFields = func() map[string]struct{} {
	out := map[string]struct{}{"tags": {}}
	for _, names := range synonyms {
		for _, n := range names {
			out[n] = struct{}{}
		}
	}
	for _, n := range dateFields {
		out[n] = struct{}{}
	}
	return out
}()

// Transform maps a cleaned row to unified fields via the synonym
// table, parses the first recognizable date column, and collects
// unmapped columns into extra_data.
func (s *Source) Transform(raw ingest.RawRecord) (*models.UnifiedFields, error) {
	data := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			continue
		}
		data[k] = v
	}

	var publishedAt *time.Time
	for _, field := range dateFields {
		v, ok := data[field]
		if !ok || v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, str); err == nil {
				publishedAt = &t
				break
			}
		}
		if publishedAt != nil {
			break
		}
	}

	var tags []string
	if v, ok := data["tags"].(string); ok {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	extra := make(map[string]interface{})
	for k, v := range data {
		if _, mapped := mappedFields[strings.ToLower(k)]; !mapped {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		extra = nil
	}

	return &models.UnifiedFields{
		Title:       firstString(data, synonyms["title"]),
		Description: firstString(data, synonyms["description"]),
		Content:     firstString(data, synonyms["content"]),
		Author:      firstString(data, synonyms["author"]),
		Category:    firstString(data, synonyms["category"]),
		Tags:        tags,
		URL:         firstString(data, synonyms["url"]),
		PublishedAt: publishedAt,
		ExtraData:   extra,
	}, nil
}

// firstString returns the first non-empty value among the named keys,
// stringifying typed cells that survived cleaning.
func firstString(data map[string]interface{}, keys []string) string {
	for _, key := range keys {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case int64:
			return strconv.FormatInt(s, 10)
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(s)
		}
	}
	return ""
}
