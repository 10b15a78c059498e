package dataset

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tflSample = "\xEF\xBB\xBFYear,Date Of Incident,Route,Operator,Borough,Injury Result Description,Incident Event Type,Victims Sex,Victims Age\n" +
	"2015,01/01/2015,1,London General,Southwark,Injuries treated on scene,Slip Trip Fall,Female,Adult\n" +
	"2015,01/02/2015, 4 ,Arriva London North,Islington,Reported Minor Injury - Treated at Hospital,Collision Incident,Male,Elderly\n" +
	"2016,2016-03-15,N29,Arriva London North,NA,Reported Serious Injury,Onboard Injuries,NULL,Child\n"

func TestParse(t *testing.T) {
	table, err := ParseBytes([]byte(tflSample), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, table.Len())
	assert.Equal(t, "Year", table.Columns()[0], "BOM must be stripped from the first header")
	assert.True(t, table.HasColumn("Injury Result Description"))

	routes, err := table.Column("Route")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "4", "N29"}, routes)

	// Null tokens become empty strings
	assert.Equal(t, "", table.Value(2, "Borough"))
	assert.Equal(t, "", table.Value(2, "Victims Sex"))
	assert.Equal(t, "", table.Value(0, "No Such Column"))
}

func TestParse_EmptyInput(t *testing.T) {
	for _, input := range []string{"", "   \n", "\xEF\xBB\xBF"} {
		opts := DefaultOptions()
		opts.Required = []string{"Injury Result Description"}
		table, err := ParseBytes([]byte(input), opts)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, 0, table.Len())
	}
}

func TestParse_HeaderOnly(t *testing.T) {
	table, err := ParseBytes([]byte("Year,Injury Result Description\n"), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, []string{"Year", "Injury Result Description"}, table.Columns())
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"ragged row", "a,b\n1,2\n3\n"},
		{"bare quote", "a,b\n1,\"x\"y\n"},
		{"duplicate column", "a,a\n1,2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.input), DefaultOptions())
			assert.ErrorIs(t, err, ErrMalformedCSV)
		})
	}
}

func TestParse_RequiredColumn(t *testing.T) {
	opts := DefaultOptions()
	opts.Required = []string{"Injury Result Description"}
	_, err := ParseBytes([]byte("Year,Route\n2015,1\n"), opts)
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestParse_Delimiter(t *testing.T) {
	opts := DefaultOptions()
	opts.Delimiter = ';'
	table, err := ParseBytes([]byte("Year;Route\n2015;12\n"), opts)
	require.NoError(t, err)
	assert.Equal(t, "12", table.Value(0, "Route"))
}

func TestSetColumn(t *testing.T) {
	table, err := ParseBytes([]byte("Year,Route\n2015,1\n2016,2\n"), DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, table.SetColumn("high_risk", []string{"true", "false"}))
	assert.True(t, table.IsDerived("high_risk"))
	assert.Equal(t, []string{"Year", "Route", "high_risk"}, table.Columns())

	// Replacing a derived column keeps the column count stable
	require.NoError(t, table.SetColumn("high_risk", []string{"false", "false"}))
	assert.Len(t, table.Columns(), 3)
	assert.Equal(t, "false", table.Value(0, "high_risk"))

	assert.Error(t, table.SetColumn("Route", []string{"x", "y"}), "source columns are immutable")
	assert.Error(t, table.SetColumn("short", []string{"x"}))
}

func TestMarkDerived(t *testing.T) {
	table, err := ParseBytes([]byte("Route,high_risk\n1,true\n"), DefaultOptions())
	require.NoError(t, err)

	assert.Error(t, table.SetColumn("high_risk", []string{"false"}))
	require.NoError(t, table.MarkDerived("high_risk"))
	assert.True(t, table.IsDerived("high_risk"))
	require.NoError(t, table.SetColumn("high_risk", []string{"false"}))
	assert.Equal(t, []string{"Route", "high_risk"}, table.Columns())
	assert.Equal(t, "false", table.Value(0, "high_risk"))

	assert.ErrorIs(t, table.MarkDerived("missing"), ErrColumnNotFound)
}

func TestWriteCSV(t *testing.T) {
	table, err := ParseBytes([]byte("Year,Route\n2015,1\n"), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, table.SetColumn("high_risk", []string{"true"}))

	var buf bytes.Buffer
	require.NoError(t, table.WriteCSV(&buf))
	assert.Equal(t, "Year,Route,high_risk\n2015,1,true\n", buf.String())
}

func TestIncidents(t *testing.T) {
	table, err := Parse(strings.NewReader(tflSample), DefaultOptions())
	require.NoError(t, err)

	incidents := Incidents(table, DefaultColumns(), nil)
	require.Len(t, incidents, 3)

	first := incidents[0]
	assert.Equal(t, "row-1", first.ID)
	assert.Equal(t, 2015, first.Year)
	assert.Equal(t, time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC), first.Date)
	assert.Equal(t, "London General", first.Operator)
	assert.Equal(t, "Injuries treated on scene", first.InjuryDescription)

	// dd/mm/yyyy
	assert.Equal(t, time.February, incidents[1].Date.Month())
	assert.Equal(t, "4", incidents[1].Route)
	assert.Equal(t, time.March, incidents[2].Date.Month())
	assert.Equal(t, "", incidents[2].Borough)
}

func TestIncidents_IDColumnAndYearFallback(t *testing.T) {
	table, err := ParseBytes([]byte("id,date,desc\nA-1,2019-05-04,x\n,2020-01-01,y\n"), DefaultOptions())
	require.NoError(t, err)

	incidents := Incidents(table, Columns{ID: "id", Date: "date", Description: "desc"}, nil)
	assert.Equal(t, "A-1", incidents[0].ID)
	assert.Equal(t, 2019, incidents[0].Year)
	assert.Equal(t, "row-2", incidents[1].ID)
}

func TestParseTime(t *testing.T) {
	_, err := ParseTime("not a date", nil)
	assert.Error(t, err)

	ts, err := ParseTime("2021-07-09T10:00:00Z", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, ts.Hour())
}
