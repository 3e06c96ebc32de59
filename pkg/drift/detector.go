// Package drift detects structural differences between incoming
// record shapes and an expected per-source schema. Detection is
// advisory: it distinguishes likely renames from genuinely new or
// missing fields via fuzzy name matching, without requiring a
// versioned schema registry, and never gates ingestion.
package drift

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/kaspero/pkg/config"
	"github.com/ajitpratap0/kaspero/pkg/models"
)

// Result is one detected drift, prior to persistence.
type Result struct {
	FieldName    string
	DriftType    models.DriftType
	ExpectedType TypeTag
	ActualType   TypeTag
	Confidence   float64
	SampleValue  string
}

// Store is the persistence surface the detector needs.
type Store interface {
	InsertDrift(ctx context.Context, rec *models.SchemaDriftRecord) (int64, error)
	ListUnresolvedDrifts(ctx context.Context, sourceType models.SourceType) ([]*models.SchemaDriftRecord, error)
	ResolveDrift(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Schema maps field names to their expected type tags.
type Schema map[string]TypeTag

// Detector compares records against expected schemas.
type Detector struct {
	store     Store
	threshold float64
	sampleMax int

	mu       sync.RWMutex
	expected map[models.SourceType]Schema
	pairs    []compatiblePair

	logger *zap.Logger
}

// NewDetector creates a detector seeded with the default expected
// schemas for the three source types.
func NewDetector(store Store, cfg config.DriftConfig, logger *zap.Logger) *Detector {
	return &Detector{
		store:     store,
		threshold: cfg.ConfidenceThreshold,
		sampleMax: cfg.SampleValueLimit,
		expected:  defaultSchemas(),
		pairs:     defaultCompatiblePairs(),
		logger:    logger,
	}
}

// defaultSchemas seeds the expected field sets per source.
func defaultSchemas() map[models.SourceType]Schema {
	return map[models.SourceType]Schema{
		models.SourceTypeAPI: {
			"id":          TypeString,
			"title":       TypeString,
			"description": TypeString,
			"content":     TypeString,
			"author":      TypeString,
			"category":    TypeString,
			"tags":        TypeList,
			"url":         TypeString,
			"created_at":  TypeDatetime,
			"updated_at":  TypeDatetime,
		},
		models.SourceTypeFile: {
			"id":          TypeString,
			"name":        TypeString,
			"description": TypeString,
			"category":    TypeString,
			"value":       TypeFloat,
			"date":        TypeDatetime,
			"active":      TypeBool,
		},
		models.SourceTypeFeed: {
			"guid":        TypeString,
			"title":       TypeString,
			"description": TypeString,
			"link":        TypeString,
			"author":      TypeString,
			"pubDate":     TypeDatetime,
			"category":    TypeString,
		},
	}
}

// SetExpectedSchema replaces the expected schema for a source type.
// Operator action.
func (d *Detector) SetExpectedSchema(sourceType models.SourceType, schema Schema) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expected[sourceType] = schema
	d.logger.Info("expected schema updated", zap.String("source", string(sourceType)))
}

// ExpectedSchema returns a copy of the current expected schema.
func (d *Detector) ExpectedSchema(sourceType models.SourceType) Schema {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(Schema, len(d.expected[sourceType]))
	for k, v := range d.expected[sourceType] {
		out[k] = v
	}
	return out
}

// bestMatch finds the candidate with the highest case-insensitive
// similarity to name. An exact (folded) match short-circuits at 1.0.
func bestMatch(name string, candidates Schema) (string, float64) {
	best := ""
	score := 0.0
	for cand := range candidates {
		s := FoldedSimilarity(name, cand)
		if s > score {
			score = s
			best = cand
		}
	}
	return best, score
}

// bestMatchNames is bestMatch over a plain name set.
func bestMatchNames(name string, candidates map[string]interface{}) (string, float64) {
	best := ""
	score := 0.0
	for cand := range candidates {
		s := FoldedSimilarity(name, cand)
		if s > score {
			score = s
			best = cand
		}
	}
	return best, score
}

// DetectDrift compares a record's shape against the expected schema
// for its source type and returns every observed drift. Pure with
// respect to the detector's stores; only the schema map is read.
func (d *Detector) DetectDrift(sourceType models.SourceType, record map[string]interface{}) []Result {
	d.mu.RLock()
	expected := d.expected[sourceType]
	d.mu.RUnlock()

	var results []Result

	// Fields the schema does not know: renamed if a close name exists,
	// otherwise genuinely new.
	for field, value := range record {
		if _, ok := expected[field]; ok {
			continue
		}
		match, score := bestMatch(field, expected)
		if score >= d.threshold {
			results = append(results, Result{
				FieldName:    field,
				DriftType:    models.DriftTypeRenamedField,
				ExpectedType: expected[match],
				ActualType:   ClassifyValue(value),
				Confidence:   score,
				SampleValue:  d.sample(value),
			})
		} else {
			confidence := 1.0
			if match != "" {
				confidence = 1.0 - score
			}
			results = append(results, Result{
				FieldName:   field,
				DriftType:   models.DriftTypeNewField,
				ActualType:  ClassifyValue(value),
				Confidence:  confidence,
				SampleValue: d.sample(value),
			})
		}
	}

	// Expected fields absent from the record: missing unless a close
	// actual name suggests a rename already reported above.
	for field, expectedType := range expected {
		if _, ok := record[field]; ok {
			continue
		}
		match, score := bestMatchNames(field, record)
		if score < d.threshold {
			confidence := 1.0
			if match != "" {
				confidence = 1.0 - score
			}
			results = append(results, Result{
				FieldName:    field,
				DriftType:    models.DriftTypeMissingField,
				ExpectedType: expectedType,
				Confidence:   confidence,
			})
		}
	}

	// Fields present in both: type compatibility.
	for field, expectedType := range expected {
		value, ok := record[field]
		if !ok {
			continue
		}
		actualType := ClassifyValue(value)
		if !d.typesCompatible(expectedType, actualType) {
			results = append(results, Result{
				FieldName:    field,
				DriftType:    models.DriftTypeTypeChange,
				ExpectedType: expectedType,
				ActualType:   actualType,
				Confidence:   1.0,
				SampleValue:  d.sample(value),
			})
		}
	}

	return results
}

// typesCompatible reports whether the pair is acceptable without
// flagging drift.
func (d *Detector) typesCompatible(expected, actual TypeTag) bool {
	if expected == actual {
		return true
	}
	for _, p := range d.pairs {
		if (p.a == expected && p.b == actual) || (p.a == actual && p.b == expected) {
			return true
		}
	}
	return false
}

// sample renders a value for storage, truncated to the configured
// limit.
func (d *Detector) sample(value interface{}) string {
	if value == nil {
		return ""
	}
	s := fmt.Sprintf("%v", value)
	if runes := []rune(s); len(runes) > d.sampleMax {
		s = string(runes[:d.sampleMax])
	}
	return s
}

// RecordDrifts persists detected drifts and logs each as a warning.
// Persistence failures are logged and swallowed: drift recording must
// never abort the surrounding extraction.
func (d *Detector) RecordDrifts(ctx context.Context, sourceType models.SourceType, results []Result) {
	if len(results) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, r := range results {
		d.logger.Warn("schema drift detected",
			zap.String("source", string(sourceType)),
			zap.String("drift_type", string(r.DriftType)),
			zap.String("field", r.FieldName),
			zap.String("expected_type", string(r.ExpectedType)),
			zap.String("actual_type", string(r.ActualType)),
			zap.Float64("confidence", r.Confidence))

		rec := &models.SchemaDriftRecord{
			SourceType:      sourceType,
			FieldName:       r.FieldName,
			DriftType:       r.DriftType,
			ExpectedType:    string(r.ExpectedType),
			ActualType:      string(r.ActualType),
			ConfidenceScore: r.Confidence,
			SampleValue:     r.SampleValue,
			DetectedAt:      now,
		}
		if _, err := d.store.InsertDrift(ctx, rec); err != nil {
			d.logger.Error("failed to record schema drift",
				zap.String("field", r.FieldName),
				zap.Error(err))
		}
	}
}

// UnresolvedDrifts lists drifts awaiting operator action. An empty
// sourceType returns all sources.
func (d *Detector) UnresolvedDrifts(ctx context.Context, sourceType models.SourceType) ([]*models.SchemaDriftRecord, error) {
	return d.store.ListUnresolvedDrifts(ctx, sourceType)
}

// ResolveDrift marks a drift record resolved. Returns false if no such
// record exists.
func (d *Detector) ResolveDrift(ctx context.Context, id int64) (bool, error) {
	return d.store.ResolveDrift(ctx, id, time.Now().UTC())
}
