package storage

import (
	"encoding/json"
	"errors"

	"epigonos/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// EncodeLineage stamps the current versions onto the record before
// marshalling so decoded payloads always carry the writer's versions.
func EncodeLineage(record model.LineageRecord) ([]byte, error) {
	record.SchemaVersion = CurrentSchemaVersion
	record.CodecVersion = CurrentCodecVersion
	return json.Marshal(record)
}

func DecodeLineage(data []byte) (model.LineageRecord, error) {
	var record model.LineageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.LineageRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.LineageRecord{}, err
	}
	return record, nil
}

// EncodeDiagnostics stamps the current versions onto the record before
// marshalling.
func EncodeDiagnostics(record model.DiagnosticsRecord) ([]byte, error) {
	record.SchemaVersion = CurrentSchemaVersion
	record.CodecVersion = CurrentCodecVersion
	return json.Marshal(record)
}

func DecodeDiagnostics(data []byte) (model.DiagnosticsRecord, error) {
	var record model.DiagnosticsRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.DiagnosticsRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.DiagnosticsRecord{}, err
	}
	return record, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
