// Package output provides output formatting for the mailcache CLI.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/colthorp/mailcache-go/internal/core"
	"github.com/colthorp/mailcache-go/internal/mail"
)

// PrintJSON prints a single item as formatted JSON.
func PrintJSON(item any) {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// PrintMessagesJSON writes messages as a compact JSON array.
func PrintMessagesJSON(msgs []*mail.Message) {
	fmt.Print("[")
	for i, msg := range msgs {
		if i > 0 {
			fmt.Print(",")
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		os.Stdout.Write(data)
	}
	fmt.Println("]")
}

// PrintMessagesTable writes messages as an aligned table, one row per
// message.
func PrintMessagesTable(msgs []*mail.Message) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tFROM\tSUBJECT\tSIZE\tLABELS")
	for _, msg := range msgs {
		from := msg.SenderEmail
		if msg.SenderName != "" {
			from = msg.SenderName
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			core.FormatDatetime(msg.Timestamp),
			truncate(from, 30),
			truncate(msg.Subject, 50),
			formatSize(msg.SizeBytes),
			strings.Join(msg.Labels, ","),
		)
	}
	w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
