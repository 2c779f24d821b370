package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Notification carries the context of one fired alert.
type Notification struct {
	RuleID int64
	Kind   string
	Pair   string
	// To is the rule's notify target (an email address for the SMTP
	// channel; ignored by operator-wide channels).
	To             string
	CurrentRate    decimal.Decimal
	ReferenceValue decimal.Decimal
	ChangePct      decimal.Decimal
	Direction      string
	Approximate    bool
	FiredAt        time.Time
}

// Notifier delivers a rendered alert. Implementations must treat a
// returned error as "not delivered": the engine will retry the rule on
// the next tick without mutating its state.
type Notifier interface {
	Notify(ctx context.Context, note Notification) error
}

// Subject renders the one-line summary used as email subject and message
// header.
func (n Notification) Subject() string {
	switch n.Kind {
	case "scheduled":
		return fmt.Sprintf("[fxwatcher] %s periodic update: %s%% over the interval", n.Pair, n.ChangePct.StringFixed(2))
	case "deviation":
		return fmt.Sprintf("[fxwatcher] %s moved %s%% from your baseline", n.Pair, n.ChangePct.StringFixed(2))
	case "target":
		return fmt.Sprintf("[fxwatcher] %s crossed your target (%s)", n.Pair, n.Direction)
	default:
		return fmt.Sprintf("[fxwatcher] %s alert", n.Pair)
	}
}

// Body renders the message body.
func (n Notification) Body() string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Pair: %s\n", n.Pair))
	builder.WriteString(fmt.Sprintf("Current rate: %s\n", n.CurrentRate.StringFixed(6)))

	switch n.Kind {
	case "scheduled":
		builder.WriteString(fmt.Sprintf("Rate at previous interval: %s\n", n.ReferenceValue.StringFixed(6)))
		builder.WriteString(fmt.Sprintf("Variation: %s%%\n", n.ChangePct.StringFixed(3)))
	case "deviation":
		builder.WriteString(fmt.Sprintf("Baseline: %s\n", n.ReferenceValue.StringFixed(6)))
		builder.WriteString(fmt.Sprintf("Deviation: %s%% (%s)\n", n.ChangePct.StringFixed(3), n.Direction))
	case "target":
		builder.WriteString(fmt.Sprintf("Target: %s (%s)\n", n.ReferenceValue.StringFixed(6), n.Direction))
	}

	if n.Approximate {
		builder.WriteString("Note: this rate is a best-effort estimate, not a live quote.\n")
	}
	builder.WriteString(fmt.Sprintf("As of: %s UTC\n", n.FiredAt.UTC().Format(time.RFC3339)))
	return builder.String()
}
