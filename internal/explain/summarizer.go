// Package explain renders the human-readable annotation attached to a
// pattern after discovery. Annotations are advisory: nothing downstream
// parses them and matching never depends on them, so a failed or skipped
// annotation only costs the text.
package explain

import (
	"context"
	"fmt"
	"strings"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

// Summarizer produces a short description of a discovered pattern.
type Summarizer interface {
	Summarize(ctx context.Context, p models.Pattern) (string, error)
}

// TemplateSummarizer renders the annotation from pattern fields alone, so
// repeated discovery runs over the same data produce identical text. Service
// layers wanting richer prose can slot their own Summarizer behind the
// interface.
type TemplateSummarizer struct{}

func NewTemplateSummarizer() *TemplateSummarizer { return &TemplateSummarizer{} }

func (TemplateSummarizer) Summarize(_ context.Context, p models.Pattern) (string, error) {
	var b strings.Builder

	b.WriteString(caseLabel(p.Case))
	b.WriteByte(' ')
	b.WriteString(directionLabel(p.Direction))
	fmt.Fprintf(&b, " series of about %s %s every %d days",
		p.RepresentativeAmount.StringFixed(2), p.CurrencyID, p.IntervalDays)

	if p.DayOfMonthHint != nil {
		fmt.Fprintf(&b, ", usually near day %d of the month", *p.DayOfMonthHint)
	}

	switch p.AmountBehavior {
	case models.AmountVariable:
		fmt.Fprintf(&b, "; amounts vary between %s and %s",
			p.AmountMin.StringFixed(2), p.AmountMax.StringFixed(2))
	case models.AmountHighlyVariable:
		fmt.Fprintf(&b, "; amounts swing widely, %s to %s",
			p.AmountMin.StringFixed(2), p.AmountMax.StringFixed(2))
	}

	fmt.Fprintf(&b, " (confidence %d%%).", int(p.Confidence*100))
	return b.String(), nil
}

func caseLabel(c models.PatternCase) string {
	switch c {
	case models.CaseFixedMonthly:
		return "Fixed monthly"
	case models.CaseVariableMonthly:
		return "Variable monthly"
	case models.CaseFlexibleMonthly:
		return "Flexible monthly"
	case models.CaseBiMonthly:
		return "Bi-monthly"
	case models.CaseQuarterly:
		return "Quarterly"
	default:
		return "Custom-interval"
	}
}

func directionLabel(d models.Direction) string {
	if d == models.DirectionCredit {
		return "incoming"
	}
	return "outgoing"
}
