package schema

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementsCoverAllTables(t *testing.T) {
	stmts := Statements()
	joined := ""
	for _, s := range stmts {
		joined += s + "\n"
	}

	for _, table := range Tables {
		assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, joined, "'uncategorized'")
	assert.Contains(t, joined, "ON CONFLICT (name) DO NOTHING")
}

func TestEnsureExecutesEveryStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range Statements() {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, Ensure(sqlx.NewDb(db, "postgres")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncodeImagePayload(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	mime := "image/png"
	img := &Image{
		ID:            7,
		URL:           "https://example.com/a.png",
		SourceURL:     "https://example.com/",
		Filename:      "a.png",
		FileExtension: ".png",
		MimeType:      &mime,
		Tags:          StringList{"cat", "cute"},
		IsDownloaded:  true,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        "active",
	}

	payload, err := EncodeImage(img)
	require.NoError(t, err)

	// Scalars verbatim
	assert.Equal(t, int64(7), payload["id"])
	assert.Equal(t, "image/png", payload["mime_type"])
	assert.Equal(t, true, payload["is_downloaded"])
	// Timestamps as RFC 3339 text
	assert.Equal(t, "2026-03-14T09:26:53Z", payload["created_at"])
	// Containers as JSON text
	assert.Equal(t, `["cat","cute"]`, payload["tags"])
	// Absent optionals are explicit nulls
	assert.Nil(t, payload["md5_hash"])
	assert.Nil(t, payload["exif_data"])
}

func TestDecodeParamsRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	img := &Image{
		ID: 7, URL: "https://example.com/a.png", SourceURL: "https://example.com/",
		Filename: "a.png", FileExtension: ".png",
		CreatedAt: now, UpdatedAt: now, Status: "active",
	}
	payload, err := EncodeImage(img)
	require.NoError(t, err)

	cols, args, err := DecodeParams("images", payload)
	require.NoError(t, err)
	require.Len(t, args, len(cols))

	// Deterministic column order
	assert.IsIncreasing(t, cols)

	byCol := map[string]any{}
	for i, c := range cols {
		byCol[c] = args[i]
	}
	assert.Equal(t, now, byCol["created_at"].(time.Time).UTC())
	assert.Equal(t, "https://example.com/a.png", byCol["url"])
	assert.Nil(t, byCol["mime_type"])
}

func TestDecodeValueTimestampFormats(t *testing.T) {
	v, err := DecodeValue("images", "updated_at", "2026-03-14T09:26:53.123456789Z")
	require.NoError(t, err)
	assert.Equal(t, 123456789, v.(time.Time).Nanosecond())

	_, err = DecodeValue("images", "updated_at", "not a time")
	assert.Error(t, err)

	// Scalars pass through untouched
	v, err = DecodeValue("images", "width", float64(800))
	require.NoError(t, err)
	assert.Equal(t, float64(800), v)
}

func TestDecodeValueJSONColumn(t *testing.T) {
	// JSON text passes through
	v, err := DecodeValue("images", "tags", `["a","b"]`)
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, v)

	// A decoded container is re-encoded
	v, err = DecodeValue("images", "exif_data", map[string]any{"iso": 200})
	require.NoError(t, err)
	assert.JSONEq(t, `{"iso":200}`, v.(string))
}

func TestJSONMapValuerScanner(t *testing.T) {
	m := JSONMap{"k": "v"}
	val, err := m.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, val.(string))

	var out JSONMap
	require.NoError(t, out.Scan([]byte(`{"x":1}`)))
	assert.Equal(t, float64(1), out["x"])

	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)

	var nilMap JSONMap
	val, err = nilMap.Value()
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestStringListValuerScanner(t *testing.T) {
	l := StringList{"a", "b"}
	val, err := l.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, val.(string))

	var out StringList
	require.NoError(t, out.Scan(`["c"]`))
	assert.Equal(t, StringList{"c"}, out)

	assert.Error(t, out.Scan(42))
}
