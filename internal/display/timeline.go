package display

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/sessiond/internal/chainstore"
)

// RenderChain formats a session's chain records as a human-readable,
// color-coded timeline, one line (plus optional detail lines) per
// record — the tail/replay view for `sessionctl tail`.
func RenderChain(records []chainstore.Record, verbose bool) string {
	var b strings.Builder
	for i, rec := range records {
		style := styleForType(rec.Type)
		seq := seqStyle.Render(fmt.Sprintf("#%d", i+1))
		ts := timeStyle.Render(rec.Timestamp.Format("15:04:05"))
		label := style.Render(rec.Type)

		fmt.Fprintf(&b, "%s  %s  %s", seq, ts, label)
		if rec.Signature == "" {
			fmt.Fprint(&b, "  "+warnStyle.Render("(unsigned)"))
		}
		b.WriteString("\n")

		if verbose {
			b.WriteString(renderDetail(rec))
		}
	}
	b.WriteString(divider + "\n")
	return b.String()
}

func renderDetail(rec chainstore.Record) string {
	var data map[string]interface{}
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		return ""
	}
	var b strings.Builder
	for _, k := range []string{"client", "task_type", "title", "category", "complexity", "duration_seconds", "heartbeat_number"} {
		if v, ok := data[k]; ok {
			fmt.Fprintf(&b, "       %s %s\n", labelStyle.Render(k+":"), valueStyle.Render(fmt.Sprint(v)))
		}
	}
	fmt.Fprintf(&b, "       %s %s\n", labelStyle.Render("hash:"), dimStyle.Render(rec.Hash[:12]+"…"))
	return b.String()
}

// RenderHeader prints a bold title line, used by sessionctl tail.
func RenderHeader(title string) string {
	return titleStyle.Render(title) + "\n" + divider + "\n"
}

func BlockHeader(s string) string {
	return blockHeaderStyle.Render(s)
}

func Error(s string) string {
	return errorStyle.Render(s)
}
