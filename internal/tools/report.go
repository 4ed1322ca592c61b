package tools

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/rendis/finflow/pkg/schema"
)

var reportFuncs = template.FuncMap{
	"money":   formatMoney,
	"compact": formatCompact,
	"pct":     formatPercent,
	"upper":   strings.ToUpper,
	"date":    func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 MST") },
	"inc":     func(i int) int { return i + 1 },
}

var reports = template.Must(template.New("reports").Funcs(reportFuncs).Parse(`
{{- define "price" -}}
Price report for {{ .CoinID }}
{{- range .Quotes }}
  {{ upper .Currency }}: {{ money .Price }} ({{ pct .Change24h }} 24h)
    volume 24h: {{ compact .Volume24h }}  market cap: {{ compact .MarketCap }}
{{- end }}
{{ end -}}

{{- define "news" -}}
News for "{{ .Query }}" since {{ .From }}: {{ len .Articles }} of {{ .TotalResults }} articles (page {{ .Page }})
{{- range $i, $a := .Articles }}
{{ inc $i }}. {{ $a.Title }}
   {{ $a.Source }} | {{ date $a.PublishedAt }}
   {{ $a.URL }}
{{- end }}
{{ end -}}

{{- define "analysis" -}}
Analysis for {{ .CoinID }} [{{ .Status }}]
{{- with .Quote }}
Market
  price: {{ money .Price }} {{ upper .Currency }}
  24h change: {{ pct .Change24h }}  momentum: {{ $.Metrics.Momentum }}
  volume/market cap: {{ printf "%.4f" $.Metrics.VolumeToMarketCap }}  liquidity: {{ $.Metrics.Liquidity }}
{{- else }}
Market
  unavailable: {{ .MarketError }}
{{- end }}
News
  coverage: {{ .Metrics.NewsCoverage }} ({{ .Metrics.ArticleCount }} articles)
{{- if .NewsError }}
  unavailable: {{ .NewsError }}
{{- end }}
{{- range $i, $a := .Articles }}
  {{ inc $i }}. {{ $a.Title }} ({{ $a.Source }})
{{- end }}
{{ end -}}
`))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := reports.ExecuteTemplate(&buf, name, data); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "render %s report", name).WithCause(err)
	}
	return buf.String(), nil
}

// formatMoney renders v with thousands separators and precision that suits
// its magnitude: 64,250.50 or 0.000123.
func formatMoney(v float64) string {
	abs := math.Abs(v)
	switch {
	case abs == 0:
		return "0.00"
	case abs < 0.01:
		return fmt.Sprintf("%.6f", v)
	case abs < 1:
		return fmt.Sprintf("%.4f", v)
	}
	s := fmt.Sprintf("%.2f", abs)
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// formatCompact renders large quantities as 1.27T, 28.50B, 3.10M or 12.00K.
func formatCompact(v float64) string {
	abs := math.Abs(v)
	switch {
	case abs >= 1e12:
		return fmt.Sprintf("%.2fT", v/1e12)
	case abs >= 1e9:
		return fmt.Sprintf("%.2fB", v/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("%.2fK", v/1e3)
	}
	return fmt.Sprintf("%.2f", v)
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%+.2f%%", v)
}
