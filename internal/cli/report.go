package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ChuLiYu/annosync/internal/importer"
	"github.com/ChuLiYu/annosync/internal/ledger"
	"github.com/ChuLiYu/annosync/pkg/types"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// renderReport prints per-file outcomes, a summary line and the error list.
func renderReport(r *importer.Report) string {
	var b strings.Builder

	rows := make([][]string, 0, len(r.Files))
	for _, e := range r.Files {
		detail := e.Reason
		if e.Error != nil {
			detail = e.Error.Error()
		}
		annotations := ""
		if e.Status == ledger.StatusImported || e.Status == ledger.StatusFailed {
			annotations = fmt.Sprintf("%d", e.Annotations)
		}
		rows = append(rows, []string{e.Path, e.FullPath, string(e.Status), annotations, detail})
	}
	b.WriteString(renderTable(
		[]string{"File", "Remote", "Status", "Annotations", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	b.WriteString("\n")

	var counts []string
	for _, s := range ledger.Statuses {
		if n := r.Stats[s]; n > 0 {
			counts = append(counts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	fmt.Fprintf(&b, "Dataset %s: %s in %s\n", r.Dataset, strings.Join(counts, " "), r.Duration.Round(time.Millisecond))
	if n := len(r.ClassesCreated); n > 0 {
		fmt.Fprintf(&b, "Classes created: %d\n", n)
	}
	if n := len(r.ClassesAttached); n > 0 {
		fmt.Fprintf(&b, "Classes added to dataset: %d\n", n)
	}
	if n := len(r.PropertiesCreated) + len(r.PropertiesUpdated); n > 0 {
		fmt.Fprintf(&b, "Properties created: %d, updated: %d\n", len(r.PropertiesCreated), len(r.PropertiesUpdated))
	}
	if r.Aborted {
		fmt.Fprintf(&b, "Import aborted: %s\n", r.AbortReason)
	}
	if len(r.Errors) > 0 {
		b.WriteString("Errors:\n")
		for _, err := range r.Errors {
			fmt.Fprintf(&b, "  - %v\n", err)
		}
	}
	return b.String()
}

// renderClasses lists classes with their dataset membership.
func renderClasses(classes []types.RemoteClass) string {
	sorted := append([]types.RemoteClass(nil), classes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	rows := make([][]string, 0, len(sorted))
	for _, c := range sorted {
		inDataset := "no"
		if c.Available {
			inDataset = "yes"
		}
		rows = append(rows, []string{c.Name, strings.Join(c.AnnotationTypes, ","), inDataset, c.ID})
	}
	return renderTable([]string{"Name", "Types", "In dataset", "ID"}, rows, nil)
}
