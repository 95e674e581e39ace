package individual

import (
	"encoding/json"
	"fmt"
)

// The metadata section of a record is a single JSON object. Known fields
// map onto the struct; everything else survives in Extra so that records
// written by newer revisions round-trip losslessly.

var knownFields = map[string]struct{}{
	"name":        {},
	"ascension":   {},
	"environment": {},
	"population":  {},
	"species":     {},
	"controller":  {},
	"telemetry":   {},
	"epigenome":   {},
	"score":       {},
	"generation":  {},
	"parents":     {},
	"children":    {},
	"birth_date":  {},
	"death_date":  {},
}

func (ind *Individual) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(knownFields)+len(ind.Extra))
	for key, value := range ind.Extra {
		if _, known := knownFields[key]; known {
			continue
		}
		out[key] = value
	}

	out["name"] = ind.Name
	out["ascension"] = ind.Ascension
	out["environment"] = ind.Environment
	out["population"] = ind.Population
	out["species"] = ind.Species
	out["controller"] = emptySlice(ind.Controller)
	out["telemetry"] = emptyMap(ind.Telemetry)
	out["epigenome"] = emptyMap(ind.Epigenome)
	out["score"] = ind.Score
	out["generation"] = ind.Generation
	out["parents"] = emptySlice(ind.Parents)
	out["children"] = emptySlice(ind.Children)
	out["birth_date"] = ind.BirthDate
	out["death_date"] = ind.DeathDate

	return json.Marshal(out)
}

func (ind *Individual) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	take := func(key string, dst any) error {
		value, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if string(value) == "null" {
			return nil
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		return nil
	}

	for _, field := range []struct {
		key string
		dst any
	}{
		{"name", &ind.Name},
		{"ascension", &ind.Ascension},
		{"environment", &ind.Environment},
		{"population", &ind.Population},
		{"species", &ind.Species},
		{"controller", &ind.Controller},
		{"telemetry", &ind.Telemetry},
		{"epigenome", &ind.Epigenome},
		{"score", &ind.Score},
		{"generation", &ind.Generation},
		{"parents", &ind.Parents},
		{"children", &ind.Children},
		{"birth_date", &ind.BirthDate},
		{"death_date", &ind.DeathDate},
	} {
		if err := take(field.key, field.dst); err != nil {
			return err
		}
	}

	if len(raw) > 0 {
		ind.Extra = raw
	}
	return nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
