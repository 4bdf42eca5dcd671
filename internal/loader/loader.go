// Package loader reads the spreadsheet-based suite definition: one Cases
// sheet naming the graded units and one Steps sheet holding the ordered
// execution plan per question.
package loader

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/edulab/blackbox/internal/config"
	"github.com/edulab/blackbox/internal/step"
	"github.com/edulab/blackbox/internal/suite"
)

// Cases sheet columns.
const (
	caseColName = iota
	caseColQuestion
	caseColPoints
	caseColProtocol
	caseColClient
	caseColServer
	caseColumns
)

// Steps sheet columns.
const (
	stepColQuestion = iota
	stepColStage
	stepColAction
	stepColTarget
	stepColValue
	stepColMethod
	stepColStatus
	stepColByteSize
	stepColDataType
	stepColBody
	stepColumns
)

// Load reads the workbook at cfg.SuitePath and produces the ordered case
// list. A workbook with no usable cases or a malformed header aborts the
// run; this is the only failure class that does.
func Load(cfg *config.Config) (suite.Suite, error) {
	f, err := excelize.OpenFile(cfg.SuitePath)
	if err != nil {
		return suite.Suite{}, errors.Wrapf(err, "opening suite workbook %s", cfg.SuitePath)
	}
	defer f.Close()

	caseRows, err := f.GetRows(cfg.CasesSheet)
	if err != nil {
		return suite.Suite{}, errors.Wrapf(err, "reading sheet %s", cfg.CasesSheet)
	}
	stepRows, err := f.GetRows(cfg.StepsSheet)
	if err != nil {
		return suite.Suite{}, errors.Wrapf(err, "reading sheet %s", cfg.StepsSheet)
	}
	if len(caseRows) < 2 {
		return suite.Suite{}, errors.Errorf("no test cases found in sheet %s", cfg.CasesSheet)
	}
	if err := checkHeader(caseRows[0], "name"); err != nil {
		return suite.Suite{}, errors.Wrapf(err, "sheet %s", cfg.CasesSheet)
	}
	if len(stepRows) > 0 {
		if err := checkHeader(stepRows[0], "question"); err != nil {
			return suite.Suite{}, errors.Wrapf(err, "sheet %s", cfg.StepsSheet)
		}
	}

	stepsByQuestion, err := parseSteps(stepRows)
	if err != nil {
		return suite.Suite{}, err
	}

	s := suite.Suite{Name: cfg.SuitePath}
	for i, row := range caseRows[1:] {
		tc, err := parseCase(row, cfg)
		if err != nil {
			return suite.Suite{}, errors.Wrapf(err, "cases row %d", i+2)
		}
		if tc.Name == "" {
			continue
		}
		tc.Steps = stepsByQuestion[tc.Question]
		s.Cases = append(s.Cases, tc)
	}
	if len(s.Cases) == 0 {
		return suite.Suite{}, errors.Errorf("no test cases found in sheet %s", cfg.CasesSheet)
	}
	return s, nil
}

// checkHeader verifies the first header cell so a sheet saved with the
// wrong layout fails loudly instead of producing empty cases.
func checkHeader(header []string, want string) error {
	if len(header) == 0 || !strings.EqualFold(strings.TrimSpace(header[0]), want) {
		return errors.Errorf("malformed header: first column must be %q", want)
	}
	return nil
}

func parseCase(row []string, cfg *config.Config) (suite.TestCase, error) {
	tc := suite.TestCase{
		Name:       cell(row, caseColName),
		Question:   cell(row, caseColQuestion),
		Protocol:   strings.ToLower(cell(row, caseColProtocol)),
		ClientPath: cfg.ClientPath,
		ServerPath: cfg.ServerPath,
	}
	if raw := cell(row, caseColPoints); raw != "" {
		points, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return suite.TestCase{}, errors.Wrapf(err, "bad points value %q", raw)
		}
		tc.Points = points
	}
	if override := cell(row, caseColClient); override != "" {
		tc.ClientPath = override
	}
	if override := cell(row, caseColServer); override != "" {
		tc.ServerPath = override
	}
	return tc, nil
}

func parseSteps(rows [][]string) (map[string][]step.Step, error) {
	byQuestion := make(map[string][]step.Step)
	if len(rows) < 2 {
		return byQuestion, nil
	}
	for i, row := range rows[1:] {
		question := cell(row, stepColQuestion)
		actionTag := cell(row, stepColAction)
		if question == "" && actionTag == "" {
			continue
		}
		action, err := step.ParseAction(actionTag)
		if err != nil {
			return nil, errors.Wrapf(err, "steps row %d", i+2)
		}
		s := step.Step{
			ID:         i + 2,
			Question:   question,
			Stage:      cell(row, stepColStage),
			Action:     action,
			Target:     cell(row, stepColTarget),
			Value:      cell(row, stepColValue),
			Method:     cell(row, stepColMethod),
			StatusCode: cell(row, stepColStatus),
			DataType:   cell(row, stepColDataType),
		}
		if raw := cell(row, stepColByteSize); raw != "" {
			size, err := strconv.Atoi(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "steps row %d: bad byte size %q", i+2, raw)
			}
			s.ByteSize = size
		}
		if body := cell(row, stepColBody); body != "" {
			s.Meta = map[string]string{"body": body}
		}
		byQuestion[question] = append(byQuestion[question], s)
	}
	return byQuestion, nil
}

func cell(row []string, idx int) string {
	if idx < len(row) {
		return strings.TrimSpace(row[idx])
	}
	return ""
}
