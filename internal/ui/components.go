// Package ui renders the admin status page.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"
)

// Status is the data shown on the status page.
type Status struct {
	Backend           string
	Version           string
	Uptime            string
	ActiveConnections int
	// Counts lists artifact counts per kind, in display order. It is empty
	// when the backend cannot count.
	Counts []KindCount
}

// KindCount is the number of stored artifacts of one kind.
type KindCount struct {
	Kind      string
	Extension string
	Count     int
}

func writeAll(w io.Writer, parts ...string) error {
	for _, p := range parts {
		if _, err := io.WriteString(w, p); err != nil {
			return err
		}
	}
	return nil
}

// Layout renders a full HTML page with a title and body component. The page
// reloads itself every refresh seconds when refresh is positive.
func Layout(title string, refresh int, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<!DOCTYPE html><html lang=\"en\">",
			"<head><meta charset=\"utf-8\">",
			"<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">",
		)
		if err != nil {
			return err
		}

		if refresh > 0 {
			if err := writeAll(w, fmt.Sprintf("<meta http-equiv=\"refresh\" content=\"%d\">", refresh)); err != nil {
				return err
			}
		}

		err = writeAll(w,
			"<title>", html.EscapeString(title), "</title>",
			// Minimal modern CSS framework (Pico.css) via CDN.
			"<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">",
			"</head><body><main class=\"container\">",
		)
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		return writeAll(w, "</main></body></html>")
	})
}

// StatusPage renders the server summary and the artifact counts.
func StatusPage(s Status) templ.Component {
	return Layout("Stash - Status", 10, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<section><header><h1>Stash</h1>",
			"<p>Build artifact cache server.</p></header>",
			"<table><tbody>",
			row("Backend", html.EscapeString(s.Backend)),
			row("Protocol version", html.EscapeString(s.Version)),
			row("Uptime", html.EscapeString(s.Uptime)),
			row("Active connections", fmt.Sprint(s.ActiveConnections)),
			"</tbody></table></section>",
		)
		if err != nil {
			return err
		}

		if err := writeAll(w, "<section><h2>Artifacts</h2>"); err != nil {
			return err
		}

		if len(s.Counts) == 0 {
			return writeAll(w, "<p>This backend does not report artifact counts.</p></section>")
		}

		if err := writeAll(w, "<table><thead><tr><th>Kind</th><th>Extension</th><th>Count</th></tr></thead><tbody>"); err != nil {
			return err
		}

		total := 0
		for _, c := range s.Counts {
			total += c.Count
			line := fmt.Sprintf("<tr><td>%s</td><td>.%s</td><td>%d</td></tr>",
				html.EscapeString(c.Kind), html.EscapeString(c.Extension), c.Count)
			if err := writeAll(w, line); err != nil {
				return err
			}
		}

		return writeAll(w,
			fmt.Sprintf("</tbody><tfoot><tr><th>Total</th><th></th><th>%d</th></tr></tfoot>", total),
			"</table></section>",
		)
	}))
}

func row(label, value string) string {
	return "<tr><th scope=\"row\">" + label + "</th><td>" + value + "</td></tr>"
}
