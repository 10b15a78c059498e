package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/busrisk/internal/dataset"
	"github.com/rewired-gh/busrisk/internal/models"
)

func mustTable(t *testing.T, csv string) *dataset.Table {
	t.Helper()
	table, err := dataset.ParseBytes([]byte(csv), dataset.DefaultOptions())
	require.NoError(t, err)
	return table
}

func TestEncode(t *testing.T) {
	table := mustTable(t, "Borough,Victims Sex,Year,Date Of Incident\n"+
		"Camden,Male,2015,2015-01-05\n"+
		"Hackney,Female,2016,2016-06-18\n"+
		"Camden,,2017,\n")

	enc, err := NewEncoder(Config{
		Categorical:    []string{"Borough", "Victims Sex"},
		Numeric:        []string{"Year"},
		Timestamp:      "Date Of Incident",
		TimestampParts: []string{PartMonth, PartDayOfWeek},
	})
	require.NoError(t, err)

	m, err := enc.Encode(table)
	require.NoError(t, err)

	assert.Equal(t, []string{"Borough", "Victims Sex", "Year", "Date Of Incident:month", "Date Of Incident:day_of_week"}, m.Names())
	assert.Equal(t, models.Categorical, m.Specs[0].Kind)
	assert.Equal(t, models.Numeric, m.Specs[2].Kind)
	require.Len(t, m.Rows, 3)

	// Codes follow first appearance
	assert.Equal(t, 0.0, m.Rows[0][0])
	assert.Equal(t, 1.0, m.Rows[1][0])
	assert.Equal(t, 0.0, m.Rows[2][0])
	assert.Equal(t, []string{"Camden", "Hackney"}, m.Vocabulary["Borough"])

	// Missing categorical and timestamp values are NaN
	assert.True(t, math.IsNaN(m.Rows[2][1]))
	assert.True(t, math.IsNaN(m.Rows[2][3]))
	assert.True(t, math.IsNaN(m.Rows[2][4]))

	assert.Equal(t, 2016.0, m.Rows[1][2])
	assert.Equal(t, 6.0, m.Rows[1][3])
	// 2015-01-05 was a Monday
	assert.Equal(t, 1.0, m.Rows[0][4])
}

func TestEncode_IncompatibleNumeric(t *testing.T) {
	table := mustTable(t, "Year\n2015\ntwenty\n")
	enc, err := NewEncoder(Config{Numeric: []string{"Year"}})
	require.NoError(t, err)

	_, err = enc.Encode(table)
	assert.ErrorIs(t, err, ErrIncompatibleFeature)
}

func TestEncode_IncompatibleTimestamp(t *testing.T) {
	table := mustTable(t, "When\nyesterday\n")
	enc, err := NewEncoder(Config{Timestamp: "When", TimestampParts: []string{PartYear}})
	require.NoError(t, err)

	_, err = enc.Encode(table)
	assert.ErrorIs(t, err, ErrIncompatibleFeature)
}

func TestEncode_MissingColumn(t *testing.T) {
	enc, err := NewEncoder(Config{Categorical: []string{"Borough"}})
	require.NoError(t, err)

	_, err = enc.Encode(mustTable(t, "Route\n1\n"))
	assert.ErrorIs(t, err, dataset.ErrColumnNotFound)

	// An empty table without the column encodes to an empty matrix
	m, err := enc.Encode(mustTable(t, ""))
	require.NoError(t, err)
	assert.Empty(t, m.Rows)
	assert.Len(t, m.Specs, 1)
}

func TestNewEncoder_Validation(t *testing.T) {
	_, err := NewEncoder(Config{})
	assert.Error(t, err)

	_, err = NewEncoder(Config{Categorical: []string{"A"}, Numeric: []string{"A"}})
	assert.Error(t, err)

	_, err = NewEncoder(Config{Timestamp: "When"})
	assert.Error(t, err)

	_, err = NewEncoder(Config{Timestamp: "When", TimestampParts: []string{"quarter"}})
	assert.Error(t, err)
}
