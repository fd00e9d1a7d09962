package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// MaxListedNew caps how many new products a message lists in full.
const MaxListedNew = 10

// Notifier delivers one change notification. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, added []models.ProductRecord, matches []models.WatchMatch) error
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, added []models.ProductRecord, matches []models.WatchMatch) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, added, matches); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Message struct {
	Subject string
	Text    string
	HTML    string
}

type ComposeOptions struct {
	SubjectPrefix string
	ReportDir     string
	Now           time.Time
}

// Subject renders "{prefix} N new products + M watchlist matches", leaving
// out whichever part is zero.
func Subject(prefix string, newCount, matchCount int) string {
	parts := make([]string, 0, 2)
	if newCount > 0 {
		parts = append(parts, fmt.Sprintf("%d new products", newCount))
	}
	if matchCount > 0 {
		parts = append(parts, fmt.Sprintf("%d watchlist matches", matchCount))
	}
	return strings.TrimSpace(prefix + " " + strings.Join(parts, " + "))
}

func Compose(added []models.ProductRecord, matches []models.WatchMatch, opts ComposeOptions) (Message, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	listed := added
	if len(listed) > MaxListedNew {
		listed = listed[:MaxListedNew]
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Catalog update - %s\n", opts.Now.Format("2006-01-02 15:04:05"))
	text.WriteString(strings.Repeat("=", 60) + "\n\n")

	if len(added) > 0 {
		fmt.Fprintf(&text, "NEW PRODUCTS (%d):\n", len(added))
		for _, p := range listed {
			fmt.Fprintf(&text, "  - %s - %s\n", p.Name, FormatPrice(p.Currency, p.Price))
			if p.ProductURL != "" {
				fmt.Fprintf(&text, "    %s\n", p.ProductURL)
			}
		}
		if more := len(added) - len(listed); more > 0 {
			fmt.Fprintf(&text, "  ... and %d more products\n", more)
		}
		text.WriteString("\n")
	}

	if len(matches) > 0 {
		fmt.Fprintf(&text, "WATCHLIST MATCHES (%d):\n", len(matches))
		for _, m := range matches {
			fmt.Fprintf(&text, "  - %s - %s\n", m.Product.Name, FormatPrice(m.Product.Currency, m.Product.Price))
			fmt.Fprintf(&text, "    Reason: %s\n", m.Reason)
			if m.Product.ProductURL != "" {
				fmt.Fprintf(&text, "    %s\n", m.Product.ProductURL)
			}
		}
		text.WriteString("\n")
	}

	if opts.ReportDir != "" {
		fmt.Fprintf(&text, "Full report: %s/\n", strings.TrimRight(opts.ReportDir, "/"))
	}

	var html bytes.Buffer
	err := htmlTemplate.Execute(&html, map[string]any{
		"Time":      opts.Now.Format("2006-01-02 15:04:05"),
		"NewCount":  len(added),
		"New":       listed,
		"More":      len(added) - len(listed),
		"Matches":   matches,
		"ReportDir": opts.ReportDir,
	})
	if err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}

	return Message{
		Subject: Subject(opts.SubjectPrefix, len(added), len(matches)),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

// FormatPrice renders 85000 HKD as "HKD 85,000".
func FormatPrice(currency string, price int64) string {
	digits := strconv.FormatInt(price, 10)
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String()
	if neg {
		out = "-" + out
	}
	if currency == "" {
		return out
	}
	return currency + " " + out
}

var htmlTemplate = template.Must(template.New("email").Funcs(template.FuncMap{
	"price": FormatPrice,
}).Parse(`<html><body>
<h2>Catalog update - {{.Time}}</h2>
{{if .NewCount}}<h3>New products ({{.NewCount}})</h3>
<ul>{{range .New}}
<li>{{if .ProductURL}}<a href="{{.ProductURL}}">{{.Name}}</a>{{else}}{{.Name}}{{end}} - {{price .Currency .Price}}</li>{{end}}
</ul>{{if gt .More 0}}<p>... and {{.More}} more products</p>{{end}}{{end}}
{{if .Matches}}<h3>Watchlist matches ({{len .Matches}})</h3>
<ul>{{range .Matches}}
<li>{{if .Product.ProductURL}}<a href="{{.Product.ProductURL}}">{{.Product.Name}}</a>{{else}}{{.Product.Name}}{{end}} - {{price .Product.Currency .Product.Price}}<br><small>{{.Reason}}</small></li>{{end}}
</ul>{{end}}
{{if .ReportDir}}<p>Full report: {{.ReportDir}}</p>{{end}}
</body></html>`))
