package individual

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"epigonos/internal/genome"
)

func TestNewIDFormat(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		id := newID()
		if len(id) != 32 {
			t.Fatalf("id length = %d, want 32: %s", len(id), id)
		}
		if strings.ToUpper(id) != id {
			t.Fatalf("id not uppercase hex: %s", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	ind := New("test-env", "test-pop", []string{"controller", "--flag"}, genome.NewRaw([]byte{9, 8, 7}))
	ind.MarkBorn()
	ind.SetScore(12.5)
	ind.Telemetry["distance"] = "4.2"
	ind.Epigenome["learning_rate"] = "0.01"

	path, err := ind.Save(dir)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if path != ind.Path() {
		t.Fatalf("returned path %q differs from recorded path %q", path, ind.Path())
	}
	if filepath.Base(path) != ind.Name+Ext {
		t.Fatalf("alive individual saved as %q, want name-keyed file", filepath.Base(path))
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Name != ind.Name || loaded.Environment != "test-env" || loaded.Population != "test-pop" {
		t.Fatalf("identity fields lost: %+v", loaded)
	}
	if loaded.Species != ind.Species {
		t.Fatalf("species = %q, want %q", loaded.Species, ind.Species)
	}
	if len(loaded.Controller) != 2 || loaded.Controller[1] != "--flag" {
		t.Fatalf("controller = %v", loaded.Controller)
	}
	if loaded.ScoreValue() != 12.5 {
		t.Fatalf("score = %v, want 12.5", loaded.ScoreValue())
	}
	if loaded.Telemetry["distance"] != "4.2" || loaded.Epigenome["learning_rate"] != "0.01" {
		t.Fatalf("dictionaries lost: %+v", loaded)
	}
	if loaded.BirthDate == "" || loaded.BirthDate != ind.BirthDate {
		t.Fatalf("birth date = %q, want %q", loaded.BirthDate, ind.BirthDate)
	}
	if loaded.Dead() {
		t.Fatalf("alive individual loaded as dead")
	}

	payload, err := loaded.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !bytes.Equal(payload, []byte{9, 8, 7}) {
		t.Fatalf("payload = %v, want [9 8 7]", payload)
	}
}

func TestGenomeLoadsLazily(t *testing.T) {
	dir := t.TempDir()

	ind := New("e", "p", nil, genome.NewRaw([]byte{1, 2, 3, 4}))
	path, err := ind.Save(dir)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g, err := loaded.Genome(genome.RawCodec{})
	if err != nil {
		t.Fatalf("force genome: %v", err)
	}
	data, err := g.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Fatalf("forced genome = %v, want [1 2 3 4]", data)
	}
}

func TestSaveOverwritesInPlace(t *testing.T) {
	dir := t.TempDir()

	ind := New("e", "p", nil, genome.NewRaw([]byte{1}))
	first, err := ind.Save(dir)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	ind.SetScore(3)
	second, err := ind.Save("")
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if first != second {
		t.Fatalf("resave moved the record: %q vs %q", first, second)
	}

	loaded, err := Load(second)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ScoreValue() != 3 {
		t.Fatalf("score after resave = %v, want 3", loaded.ScoreValue())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory holds %d entries, want exactly the committed record", len(entries))
	}
}

func TestDeadIndividualKeyedByAscension(t *testing.T) {
	dir := t.TempDir()

	ind := New("e", "p", nil, genome.NewRaw([]byte{5}))
	asc := uint64(42)
	ind.Ascension = &asc
	ind.MarkDead()

	path, err := ind.Save(dir)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Base(path) != "42"+Ext {
		t.Fatalf("dead individual saved as %q, want ascension-keyed file", filepath.Base(path))
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Dead() || *loaded.Ascension != 42 {
		t.Fatalf("ascension lost: %+v", loaded.Ascension)
	}
	if loaded.DeathDate == "" {
		t.Fatalf("death date lost")
	}
}

func TestLoadRejectsMissingDelimiter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken"+Ext)
	if err := os.WriteFile(path, []byte(`{"name":"x"}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := Load(path); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestLoadRejectsBadMetadata(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "garbage"+Ext)
	if err := os.WriteFile(path, append([]byte("not json"), 0), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected format error for bad json, got %v", err)
	}

	path = filepath.Join(dir, "nameless"+Ext)
	if err := os.WriteFile(path, append([]byte(`{"score":"1"}`), 0), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected format error for missing name, got %v", err)
	}
}

func TestExtraFieldsSurviveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	record := `{"name":"keeper","generation":3,"custom_field":{"nested":true},"another":"value"}`
	path := filepath.Join(dir, "keeper"+Ext)
	if err := os.WriteFile(path, append([]byte(record), 0, 1, 2), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	ind, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ind.Extra) != 2 {
		t.Fatalf("extra = %v, want 2 preserved fields", ind.Extra)
	}

	resaved, err := ind.Save(dir)
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	reloaded, err := Load(resaved)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	var nested struct {
		Nested bool `json:"nested"`
	}
	if err := json.Unmarshal(reloaded.Extra["custom_field"], &nested); err != nil || !nested.Nested {
		t.Fatalf("custom_field lost: %s err=%v", reloaded.Extra["custom_field"], err)
	}
	if string(reloaded.Extra["another"]) != `"value"` {
		t.Fatalf("another = %s", reloaded.Extra["another"])
	}

	payload, err := reloaded.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !bytes.Equal(payload, []byte{1, 2}) {
		t.Fatalf("payload = %v, want [1 2]", payload)
	}
}

func TestScoreParsing(t *testing.T) {
	ind := New("e", "p", nil, genome.NewRaw(nil))
	if !math.IsNaN(ind.ScoreValue()) {
		t.Fatalf("unscored individual should yield NaN")
	}
	if ind.Eligible() {
		t.Fatalf("unscored individual should not be eligible")
	}

	ind.SetScore(math.NaN())
	if ind.Eligible() {
		t.Fatalf("NaN score should not be eligible")
	}

	bad := "not-a-number"
	ind.Score = &bad
	if !math.IsNaN(ind.ScoreValue()) || ind.Eligible() {
		t.Fatalf("unparsable score should yield NaN")
	}

	ind.SetScore(math.Inf(-1))
	if !ind.Eligible() {
		t.Fatalf("negative infinity is a sortable score and stays eligible")
	}
}

func TestCloneLineage(t *testing.T) {
	parent := New("e", "p", []string{"ctrl"}, genome.NewRaw([]byte{1, 2}))
	parent.Generation = 4

	child, err := parent.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if child.Generation != 5 {
		t.Fatalf("child generation = %d, want 5", child.Generation)
	}
	if len(child.Parents) != 1 || child.Parents[0] != parent.Name {
		t.Fatalf("child parents = %v", child.Parents)
	}
	if child.Species != parent.Species {
		t.Fatalf("clone changed species: %q vs %q", child.Species, parent.Species)
	}
	if len(parent.Children) != 1 || parent.Children[0] != child.Name {
		t.Fatalf("parent children = %v", parent.Children)
	}
	if child.Name == parent.Name {
		t.Fatalf("child must get a fresh name")
	}

	payload, err := child.Payload()
	if err != nil {
		t.Fatalf("child payload: %v", err)
	}
	if !bytes.Equal(payload, []byte{1, 2}) {
		t.Fatalf("child payload = %v", payload)
	}
}

func TestCloneFromDiskWithoutCodec(t *testing.T) {
	dir := t.TempDir()

	parent := New("e", "p", nil, genome.NewRaw([]byte{3, 1, 4}))
	path, err := parent.Save(dir)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	stored, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	child, err := stored.Clone()
	if err != nil {
		t.Fatalf("clone without forced genome: %v", err)
	}
	payload, err := child.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !bytes.Equal(payload, []byte{3, 1, 4}) {
		t.Fatalf("cloned payload = %v", payload)
	}
}

func TestMateLineageAndGeneration(t *testing.T) {
	a := New("e", "p", nil, genome.NewRaw([]byte{1, 1, 1, 1}))
	b := New("e", "p", nil, genome.NewRaw([]byte{2, 2, 2, 2}))
	a.Generation = 2
	b.Generation = 7

	child, err := a.Mate(b, 0)
	if err != nil {
		t.Fatalf("mate: %v", err)
	}
	if child.Generation != 8 {
		t.Fatalf("child generation = %d, want 8", child.Generation)
	}
	if len(child.Parents) != 2 || child.Parents[0] != a.Name || child.Parents[1] != b.Name {
		t.Fatalf("child parents = %v", child.Parents)
	}
	if len(a.Children) != 1 || len(b.Children) != 1 {
		t.Fatalf("parent children lists not updated: %v %v", a.Children, b.Children)
	}
	if child.Species != a.Species {
		t.Fatalf("without threshold the child inherits the first parent's species")
	}
}

func TestMateSpeciesAssignment(t *testing.T) {
	// Child of [1 1 1 1] and [2 2 2 2] is [1 1 2 2], distance 0.5 to both.
	a := New("e", "p", nil, genome.NewRaw([]byte{1, 1, 1, 1}))
	b := New("e", "p", nil, genome.NewRaw([]byte{2, 2, 2, 2}))

	child, err := a.Mate(b, 0.5)
	if err != nil {
		t.Fatalf("mate: %v", err)
	}
	if child.Species != a.Species {
		t.Fatalf("equidistant child should join the first parent checked, got %q", child.Species)
	}

	child, err = a.Mate(b, 0.3)
	if err != nil {
		t.Fatalf("mate: %v", err)
	}
	if child.Species == a.Species || child.Species == b.Species {
		t.Fatalf("distant child should found a new species")
	}
	if len(child.Species) != 32 {
		t.Fatalf("founded species id = %q", child.Species)
	}

	// Child of [1 1] and [2 2 2 2] is [1 2 2 2]: 0.75 from the first
	// parent, 0.25 from the second.
	c := New("e", "p", nil, genome.NewRaw([]byte{1, 1}))
	d := New("e", "p", nil, genome.NewRaw([]byte{2, 2, 2, 2}))
	child, err = c.Mate(d, 0.5)
	if err != nil {
		t.Fatalf("mate: %v", err)
	}
	if child.Species != d.Species {
		t.Fatalf("child should join the second parent's species, got %q", child.Species)
	}
}

func TestMateRequiresResidentGenomes(t *testing.T) {
	dir := t.TempDir()

	a := New("e", "p", nil, genome.NewRaw([]byte{1}))
	path, err := a.Save(dir)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	stored, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := New("e", "p", nil, genome.NewRaw([]byte{2}))

	if _, err := stored.Mate(b, 0); !errors.Is(err, ErrNoGenome) {
		t.Fatalf("expected resident-genome error, got %v", err)
	}

	if _, err := stored.Genome(genome.RawCodec{}); err != nil {
		t.Fatalf("force genome: %v", err)
	}
	if _, err := stored.Mate(b, 0); err != nil {
		t.Fatalf("mate after forcing: %v", err)
	}
}

func TestSpeciationDeterminism(t *testing.T) {
	a := New("e", "p", nil, genome.NewRaw([]byte{1, 1, 1, 1}))
	b := New("e", "p", nil, genome.NewRaw([]byte{200, 200, 200, 200}))

	first, err := a.Mate(b, 0.1)
	if err != nil {
		t.Fatalf("first mate: %v", err)
	}
	second, err := a.Mate(b, 0.1)
	if err != nil {
		t.Fatalf("second mate: %v", err)
	}
	if (first.Species == a.Species) != (second.Species == a.Species) ||
		(first.Species == b.Species) != (second.Species == b.Species) {
		t.Fatalf("species assignment not deterministic: %q vs %q", first.Species, second.Species)
	}
}
