package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/netbox-import/internal/record"
)

func sampleRows() record.ResultSet {
	return record.ResultSet{
		{
			"name":                record.String("srv1"),
			"id":                  record.Int(1),
			"cluster__name":       record.String("prod"),
			"interfaces__eth0__0": record.String("10.0.0.1"),
			"local_context_data":  record.String(`{"a":[1,2]}`),
		},
		{
			"name":    record.String("vm1"),
			"id":      record.Int(1),
			"tenant":  record.Null(),
			"primary": record.Bool(true),
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"json": FormatJSON, "JSONL": FormatJSONL, "ndjson": FormatJSONL, " csv ": FormatCSV} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("parquet")
	assert.Error(t, err)
}

func TestNewStdoutWriter(t *testing.T) {
	w, err := NewStdoutWriter("ndjson")
	require.NoError(t, err)
	assert.Equal(t, FormatJSONL, w.Format())

	_, err = NewStdoutWriter("xml")
	assert.Error(t, err)
}

func TestWriteRows_JSON(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter("json", &buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteRows(sampleRows()))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "srv1", got[0]["name"])
	assert.Equal(t, float64(1), got[0]["id"])
	assert.Equal(t, `{"a":[1,2]}`, got[0]["local_context_data"])
	assert.Nil(t, got[1]["tenant"])
	assert.Equal(t, true, got[1]["primary"])
}

func TestWriteRows_JSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter("json", &buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteRows(nil))
	assert.Equal(t, "[]\n", buf.String())
}

func TestWriteRows_JSONL(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter("jsonl", &buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteRows(sampleRows()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "vm1", second["name"])
}

func TestWriteRows_CSV(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter("csv", &buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteRows(sampleRows()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"cluster__name", "id", "interfaces__eth0__0", "local_context_data", "name", "primary", "tenant"}, records[0])
	assert.Equal(t, []string{"prod", "1", "10.0.0.1", `{"a":[1,2]}`, "srv1", "", ""}, records[1])
	assert.Equal(t, []string{"", "1", "", "", "vm1", "true", ""}, records[2])
}

func TestWriteColumns(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter("jsonl", &buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteColumns([]string{"id", "name"}))
	assert.Equal(t, "id\nname\n", buf.String())

	buf.Reset()
	w, err = NewWriter("json", &buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteColumns([]string{"id", "name"}))
	assert.JSONEq(t, `["id","name"]`, buf.String())
}
