package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

// printEvent prints one streamed event and reports whether it was the job's
// last.
func printEvent(evt events.Event) bool {
	switch p := evt.Payload.(type) {
	case events.ScriptLogPayload:
		printLog(p)
	case events.SchemaChangedPayload:
		pterm.Info.Printfln("Default schema is now %s", p.Schema)
	case events.ConnectionStatePayload:
		if p.State == events.ConnectionStateReconnected || p.State == events.ConnectionStateFailed {
			pterm.Warning.Printfln("%s connection %s: %s", p.Role, p.State, p.Message)
		}
	case events.ScriptJobCompletedPayload:
		return true
	}
	return false
}

func printLog(p events.ScriptLogPayload) {
	text := p.Text
	if p.Line > 0 {
		text = fmt.Sprintf("line %d: %s", p.Line, text)
	}
	if p.DurationMs > 0 {
		text = fmt.Sprintf("%s (%d ms)", text, p.DurationMs)
	}
	switch engine.LogKind(p.Kind) {
	case engine.LogOK:
		pterm.Success.Println(text)
	case engine.LogWarning:
		pterm.Warning.Println(text)
	case engine.LogError:
		pterm.Error.Println(text)
	default:
		pterm.Info.Println(text)
	}
}

func renderReport(result *service.ScriptResult) {
	rep := result.Report
	if rep == nil {
		pterm.Error.Println(result.Error)
		return
	}
	for _, res := range rep.Results {
		for _, rs := range res.ResultSets {
			pterm.Println()
			pterm.DefaultSection.WithLevel(2).Printfln("Statement %d (line %d)", res.Index, res.Line)
			_ = pterm.DefaultTable.WithHasHeader().WithData(tableData(rs)).Render()
			if rs.Truncated {
				pterm.Warning.Printfln("Showing the first %d rows", len(rs.Rows))
			}
		}
	}

	pterm.Println()
	summary := [][]string{
		{"Status", string(result.Status)},
		{"Statements", strconv.Itoa(rep.Statements)},
		{"Errors", strconv.Itoa(rep.Errors)},
		{"Result sets", strconv.Itoa(rep.ResultSets)},
		{"Duration", rep.Duration.Round(time.Millisecond).String()},
	}
	if rep.SuppressedResultSets > 0 {
		summary = append(summary, []string{"Suppressed result sets", strconv.Itoa(rep.SuppressedResultSets)})
	}
	_ = pterm.DefaultTable.WithData(summary).Render()
	if rep.Error != "" {
		pterm.Error.Println(rep.Error)
	}
}

func tableData(rs *engine.ResultSet) [][]string {
	data := make([][]string, 0, len(rs.Rows)+1)
	header := make([]string, len(rs.Columns))
	for i, col := range rs.Columns {
		header[i] = col.Name
	}
	data = append(data, header)
	for _, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		data = append(data, cells)
	}
	return data
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case []byte:
		return "0x" + hex.EncodeToString(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
