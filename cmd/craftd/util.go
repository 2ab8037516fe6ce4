package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/craftd/craftd/pkg/client"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// renderProjects prints the list response as a table, one project per row.
func renderProjects(w io.Writer, list []client.ProjectSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Type", "Version", "State", "PID", "Path"})
	for _, p := range list {
		pid := ""
		if p.PID > 0 {
			pid = strconv.Itoa(p.PID)
		}
		tw.AppendRow(table.Row{p.ID, p.Name, p.ServerType, p.Version, p.State, pid, p.Path})
	}
	tw.Render()
}
