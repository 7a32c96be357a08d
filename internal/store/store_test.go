package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/litmine/internal/schema"
)

var (
	testParams = []schema.InputParameter{
		{Name: "ion_channel", MaxLength: 20},
		{Name: "drug", MaxLength: 20},
	}
	testFeatures = []schema.OutputFeature{
		{Name: "effect", Type: schema.TypeString, Required: true},
		{Name: "shift_mv", Type: schema.TypeFloat},
		{Name: "cell_types", Type: schema.TypeString, Multiple: true},
	}
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), "screening", testParams, testFeatures, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateTable(context.Background()))
	return s
}

func combo(channel, drug string) []schema.Item {
	return []schema.Item{{Name: channel}, {Name: drug}}
}

func testRecord(docID string) *Record {
	return &Record{
		DocumentID: docID,
		Source:     "fulltext",
		Sections:   map[string]string{"section_1": "The drug inhibited the current."},
		Params:     combo("Nav1.5", "lidocaine"),
		Outputs: map[string]any{
			"effect":     "inhibition",
			"shift_mv":   -12.5,
			"cell_types": []any{"HEK293", "CHO"},
		},
	}
}

func TestOpen_RejectsInvalidIdentifiers(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "a.db"), "bad table", testParams, testFeatures, nil)
	assert.Error(t, err)

	badParams := []schema.InputParameter{{Name: "drop;--"}}
	_, err = Open(filepath.Join(dir, "b.db"), "ok", badParams, testFeatures, nil)
	assert.Error(t, err)

	badFeatures := []schema.OutputFeature{{Name: "x y", Type: schema.TypeString}}
	_, err = Open(filepath.Join(dir, "c.db"), "ok", testParams, badFeatures, nil)
	assert.Error(t, err)
}

func TestCreateTable_MatchesDeclaredColumns(t *testing.T) {
	s := openTestStore(t)

	rows, err := s.db.Query("PRAGMA table_info(screening)")
	require.NoError(t, err)
	defer rows.Close()

	var actual []string
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		require.NoError(t, rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk))
		actual = append(actual, name)
	}
	require.NoError(t, rows.Err())

	var declared []string
	for _, c := range TableColumns(testParams, testFeatures) {
		declared = append(declared, c.Name)
	}
	assert.Equal(t, declared, actual)
}

func TestCreateTable_Idempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateTable(context.Background()))
	require.NoError(t, s.CreateTable(context.Background()))
}

func TestUpsert_InsertThenFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.FindRecord(ctx, combo("Nav1.5", "lidocaine"), "111")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Upsert(ctx, testRecord("111")))

	id, found, err := s.FindRecord(ctx, combo("Nav1.5", "lidocaine"), "111")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotZero(t, id)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsert_SameIdentityUpdatesInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testRecord("111")))

	updated := testRecord("111")
	updated.Outputs["effect"] = "activation"
	require.NoError(t, s.Upsert(ctx, updated))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var effect string
	row := s.db.QueryRow("SELECT effect FROM screening WHERE document_id = ?", "111")
	require.NoError(t, row.Scan(&effect))
	assert.Equal(t, "activation", effect)
}

func TestUpsert_DistinctIdentitiesAreSeparateRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testRecord("111")))

	other := testRecord("222")
	require.NoError(t, s.Upsert(ctx, other))

	third := testRecord("111")
	third.Params = combo("Kv7.1", "lidocaine")
	require.NoError(t, s.Upsert(ctx, third))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestUpsert_EncodesListsAndNulls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("111")
	rec.Outputs["shift_mv"] = nil
	require.NoError(t, s.Upsert(ctx, rec))

	var cellTypes string
	var shift any
	row := s.db.QueryRow("SELECT cell_types, shift_mv FROM screening WHERE document_id = ?", "111")
	require.NoError(t, row.Scan(&cellTypes, &shift))

	var decoded []string
	require.NoError(t, json.Unmarshal([]byte(cellTypes), &decoded))
	assert.Equal(t, []string{"HEK293", "CHO"}, decoded)
	assert.Nil(t, shift)
}

func TestUpsert_RejectsMismatchedIdentity(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("111")
	rec.Params = []schema.Item{{Name: "Nav1.5"}}
	assert.Error(t, s.Upsert(context.Background(), rec))
}

func TestDropTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testRecord("111")))
	require.NoError(t, s.DropTable(ctx))

	_, err := s.Count(ctx)
	assert.Error(t, err)

	// Recreate and confirm it starts empty.
	require.NoError(t, s.CreateTable(ctx))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
