package loader

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/edulab/blackbox/internal/config"
	"github.com/edulab/blackbox/internal/step"
)

func writeWorkbook(t *testing.T, cases, steps [][]interface{}) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	_, err := f.NewSheet("Cases")
	require.NoError(t, err)
	for i, row := range cases {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Cases", cell, &row))
	}

	_, err = f.NewSheet("Steps")
	require.NoError(t, err)
	for i, row := range steps {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Steps", cell, &row))
	}

	path := filepath.Join(t.TempDir(), "suite.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func testConfig(path string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.SuitePath = path
	cfg.ClientPath = "/opt/default-client"
	cfg.ServerPath = "/opt/default-server"
	return cfg
}

func TestLoad_When_WorkbookIsWellFormed(t *testing.T) {
	t.Parallel()

	path := writeWorkbook(t,
		[][]interface{}{
			{"Name", "Question", "Points", "Protocol", "Client", "Server"},
			{"list books", "Q1", 10, "http", "", "/opt/custom-server"},
			{"tcp echo", "Q2", 5, "tcp", "", ""},
		},
		[][]interface{}{
			{"Question", "Stage", "Action", "Target", "Value", "Method", "Status", "ByteSize", "DataType", "Body"},
			{"Q1", "1", "ServerStart", "", "", "", "", "", "", ""},
			{"Q1", "1", "HttpRequest", "", "/books", "POST", "", "", "", `{"title":"Dune"}`},
			{"Q1", "2", "CompareJson", "capture://servers-resp/Q1/1", `{"id":1}`, "GET", "200", 8, "json", ""},
			{"Q2", "1", "ClientInput", "", "hello", "", "", "", "", ""},
		})

	s, err := Load(testConfig(path))
	require.NoError(t, err)
	require.Len(t, s.Cases, 2)

	first := s.Cases[0]
	assert.Equal(t, "list books", first.Name)
	assert.Equal(t, "Q1", first.Question)
	assert.Equal(t, 10.0, first.Points)
	assert.Equal(t, "http", first.Protocol)
	assert.Equal(t, "/opt/default-client", first.ClientPath)
	assert.Equal(t, "/opt/custom-server", first.ServerPath)
	require.Len(t, first.Steps, 3)
	assert.Equal(t, step.ActionServerStart, first.Steps[0].Action)
	assert.Nil(t, first.Steps[0].Meta)
	assert.Equal(t, step.ActionHTTPRequest, first.Steps[1].Action)
	assert.Equal(t, `{"title":"Dune"}`, first.Steps[1].Meta["body"])
	assert.Equal(t, step.ActionCompareJSON, first.Steps[2].Action)
	assert.Equal(t, "200", first.Steps[2].StatusCode)
	assert.Equal(t, 8, first.Steps[2].ByteSize)

	second := s.Cases[1]
	require.Len(t, second.Steps, 1)
	assert.Equal(t, step.ActionClientInput, second.Steps[0].Action)
	assert.Equal(t, "hello", second.Steps[0].Value)
}

func TestLoad_When_ActionIsUnknown(t *testing.T) {
	t.Parallel()

	path := writeWorkbook(t,
		[][]interface{}{
			{"Name", "Question", "Points", "Protocol"},
			{"case", "Q1", 1, ""},
		},
		[][]interface{}{
			{"Question", "Stage", "Action"},
			{"Q1", "1", "Teleport"},
		})

	_, err := Load(testConfig(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestLoad_When_NoCases(t *testing.T) {
	t.Parallel()

	path := writeWorkbook(t,
		[][]interface{}{{"Name", "Question", "Points", "Protocol"}},
		[][]interface{}{{"Question", "Stage", "Action"}})

	_, err := Load(testConfig(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no test cases")
}

func TestLoad_When_HeaderIsMalformed(t *testing.T) {
	t.Parallel()

	path := writeWorkbook(t,
		[][]interface{}{
			{"Totally", "Wrong", "Header"},
			{"case", "Q1", 1},
		},
		[][]interface{}{{"Question", "Stage", "Action"}})

	_, err := Load(testConfig(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed header")
}

func TestLoad_When_WorkbookMissing(t *testing.T) {
	t.Parallel()

	_, err := Load(testConfig(filepath.Join(t.TempDir(), "absent.xlsx")))
	assert.Error(t, err)
}
