package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/vitaminmoo/improv-tool/internal/store"
)

// PrintHistory lists provisioning attempts, newest first.
func PrintHistory(out io.Writer, entries []store.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No provisioning history")
		return
	}
	fmt.Fprintf(out, "%-12s  %-19s  %-17s  %-16s  %s\n", "ID", "TIME", "ADDRESS", "NAME", "RESULT")
	for _, e := range entries {
		result := e.DeviceState
		if e.ErrorState != "" {
			result += " (" + e.ErrorState + ")"
		}
		name := e.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(out, "%-12s  %-19s  %-17s  %-16s  %s\n",
			store.ShortID(e.ID), e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Address, name, result)
	}
}

// PrintEntry shows one history entry in full.
func PrintEntry(out io.Writer, e *store.Entry) {
	fmt.Fprintf(out, "ID:      %s\n", e.ID)
	fmt.Fprintf(out, "Time:    %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Device:  %s", e.Address)
	if e.Name != "" {
		fmt.Fprintf(out, " (%s)", e.Name)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "State:   %s\n", e.DeviceState)
	if e.ErrorState != "" {
		fmt.Fprintf(out, "Error:   %s\n", e.ErrorState)
	}
	if len(e.Results) > 0 {
		fmt.Fprintf(out, "Results: %s\n", strings.Join(e.Results, ", "))
	}
	fmt.Fprintf(out, "Via:     %s\n", e.Method)
}
