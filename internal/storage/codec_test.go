package storage

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"epigonos/internal/model"
)

func TestEncodeLineageStampsCurrentVersions(t *testing.T) {
	score := 12.5
	input := model.LineageRecord{
		Name:       "indiv-1",
		Species:    "species-a",
		Parents:    []string{"parent-1", "parent-2"},
		Operation:  model.OperationMate,
		Generation: 3,
		Ascension:  41,
		Score:      &score,
		BornAt:     "2026-08-23T10:00:00Z",
	}

	encoded, err := EncodeLineage(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeLineage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.SchemaVersion != CurrentSchemaVersion || decoded.CodecVersion != CurrentCodecVersion {
		t.Fatalf("versions not stamped: %+v", decoded.VersionedRecord)
	}
	input.SchemaVersion = CurrentSchemaVersion
	input.CodecVersion = CurrentCodecVersion
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("decoded lineage mismatch: got=%+v want=%+v", decoded, input)
	}
}

func TestDecodeLineageUnscoredRecord(t *testing.T) {
	encoded, err := EncodeLineage(model.LineageRecord{
		Name:      "indiv-2",
		Operation: model.OperationSeed,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeLineage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Score != nil {
		t.Fatalf("expected nil score, got %v", *decoded.Score)
	}
	if len(decoded.Parents) != 0 {
		t.Fatalf("expected no parents, got %+v", decoded.Parents)
	}
}

func TestDecodeLineageVersionMismatch(t *testing.T) {
	record := model.LineageRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion + 1},
		Name:            "indiv-3",
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeLineage(encoded); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestDiagnosticsCodecRoundTrip(t *testing.T) {
	input := model.DiagnosticsRecord{
		Generation:    7,
		Deaths:        24,
		BestScore:     91.5,
		MeanScore:     44.25,
		SpeciesCount:  3,
		StagnantCount: 1,
		Elites:        2,
		Timestamp:     "2026-08-23T10:05:00Z",
	}

	encoded, err := EncodeDiagnostics(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeDiagnostics(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	input.SchemaVersion = CurrentSchemaVersion
	input.CodecVersion = CurrentCodecVersion
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("decoded diagnostics mismatch: got=%+v want=%+v", decoded, input)
	}
}

func TestDecodeDiagnosticsVersionMismatch(t *testing.T) {
	record := model.DiagnosticsRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion + 1, CodecVersion: CurrentCodecVersion},
		Generation:      1,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeDiagnostics(encoded); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	if _, err := DecodeLineage([]byte("{not json")); err == nil {
		t.Fatal("expected decode error for malformed lineage payload")
	}
	if _, err := DecodeDiagnostics([]byte("{not json")); err == nil {
		t.Fatal("expected decode error for malformed diagnostics payload")
	}
}
