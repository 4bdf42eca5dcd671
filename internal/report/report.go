// Package report writes the grade report: a timestamped sheet appended to
// the suite workbook plus a styled console summary.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
	"golang.org/x/term"

	"github.com/edulab/blackbox/internal/suite"
)

const (
	sheetNameFormat  = "Run_%s"
	sheetTimeFormat  = "2006-01-02_15-04-05"
	failFillColor    = "FFC7CE"
	headerFillColor  = "D9E1F2"
	messageCellWidth = 80
)

var sheetHeaders = []string{
	"Case", "Question", "Stage", "Action", "Passed", "Code",
	"Duration (ms)", "Message", "Diff Index", "Expected", "Actual",
}

// Writer produces both report surfaces.
type Writer struct {
	// Out receives the console summary.
	Out io.Writer
	// NoColor forces the monochrome rendering.
	NoColor bool
}

// NewWriter returns a writer targeting out.
func NewWriter(out io.Writer, noColor bool) *Writer {
	return &Writer{Out: out, NoColor: noColor}
}

// WriteWorkbook appends a new result sheet to the workbook at path and
// saves it in place.
func (w *Writer) WriteWorkbook(path string, res suite.SuiteResult) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return errors.Wrapf(err, "opening report workbook %s", path)
	}
	defer f.Close()

	sheet := fmt.Sprintf(sheetNameFormat, time.Now().Format(sheetTimeFormat))
	index, err := f.NewSheet(sheet)
	if err != nil {
		return errors.Wrap(err, "creating report sheet")
	}
	f.SetActiveSheet(index)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{headerFillColor}},
	})
	failStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{failFillColor}},
	})

	for i, header := range sheetHeaders {
		cellName, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cellName, header)
		_ = f.SetCellStyle(sheet, cellName, cellName, headerStyle)
	}

	row := 2
	for _, cr := range res.Cases {
		for _, sr := range cr.Steps {
			cells := []interface{}{
				cr.Case.Name,
				sr.Step.Question,
				sr.Step.Stage,
				sr.Step.Action.String(),
				sr.Passed,
				string(sr.Code),
				sr.Duration.Milliseconds(),
				sr.Message,
				sr.DiffIndex,
				sr.ExpectedExcerpt,
				sr.ActualExcerpt,
			}
			for i, v := range cells {
				cellName, _ := excelize.CoordinatesToCellName(i+1, row)
				_ = f.SetCellValue(sheet, cellName, v)
				if !sr.Passed {
					_ = f.SetCellStyle(sheet, cellName, cellName, failStyle)
				}
			}
			row++
		}
	}

	awarded, possible := res.Awarded()
	row++
	_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), "Total")
	_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row),
		fmt.Sprintf("%.1f / %.1f", awarded, possible))
	_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row+1), "Duration")
	_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row+1),
		res.Finished.Sub(res.Started).Round(time.Millisecond).String())

	if err := f.Save(); err != nil {
		return errors.Wrap(err, "saving report workbook")
	}
	return nil
}

// WriteConsole renders the per-case summary. Styling is dropped when the
// destination is not a terminal or color is disabled.
func (w *Writer) WriteConsole(res suite.SuiteResult) {
	styled := !w.NoColor && isTerminal(w.Out)

	passStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle := lipgloss.NewStyle().Bold(true).Underline(true)

	render := func(style lipgloss.Style, s string) string {
		if !styled {
			return s
		}
		return style.Render(s)
	}

	fmt.Fprintf(w.Out, "\n%s\n", render(titleStyle, "GRADE SUMMARY"))
	for _, cr := range res.Cases {
		verdict := render(passStyle, "PASS")
		if !cr.AllPassed {
			verdict = render(failStyle, "FAIL")
		}
		fmt.Fprintf(w.Out, "%s  %-30s %6.1f / %-6.1f %s\n",
			verdict,
			runewidth.Truncate(cr.Case.Name, 30, "…"),
			cr.PointsAwarded, cr.PointsPossible,
			render(mutedStyle, cr.Duration.Round(time.Millisecond).String()))
		for _, sr := range cr.Steps {
			if sr.Passed {
				continue
			}
			msg := runewidth.Truncate(strings.ReplaceAll(sr.Message, "\n", " "), messageCellWidth, "…")
			fmt.Fprintf(w.Out, "      %s step %d (%s): %s\n",
				render(failStyle, "✗"), sr.Step.ID, sr.Step.Action, msg)
		}
	}

	awarded, possible := res.Awarded()
	fmt.Fprintf(w.Out, "\nTotal: %.1f / %.1f\n", awarded, possible)
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
