// Package fraud risk-scores inbound earning events before any state is written.
package fraud

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/config"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/metrics"
)

type Action string

const (
	Allow Action = "allow"
	Flag  Action = "flag"
	Block Action = "block"
)

const maxScore = 100

type Event struct {
	UserID                string
	ProviderID            string
	ExternalTransactionID string
	Amount                decimal.Decimal
	Currency              string
	IP                    string
}

type Verdict struct {
	Action  Action   `json:"action"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

func (v Verdict) Blocked() bool { return v.Action == Block }

func (v Verdict) Reason() string { return strings.Join(v.Reasons, "; ") }

type Gate struct {
	Counter Counter
	Config  config.Fraud
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

func NewGate(c Counter, cfg config.Fraud, log logrus.FieldLogger, m *metrics.Metrics) *Gate {
	return &Gate{Counter: c, Config: cfg, Log: log, Metrics: m}
}

// Evaluate scores ev. Counter failures never block: the event is flagged instead.
func (g *Gate) Evaluate(ctx context.Context, ev Event) Verdict {
	v := g.score(ctx, ev)
	if g.Metrics != nil {
		g.Metrics.FraudVerdicts.WithLabelValues(string(v.Action)).Inc()
	}
	if v.Action != Allow && g.Log != nil {
		entry := g.Log.WithFields(logrus.Fields{
			"user_id":                 ev.UserID,
			"provider_id":             ev.ProviderID,
			"external_transaction_id": ev.ExternalTransactionID,
			"amount":                  ev.Amount,
			"currency":                ev.Currency,
			"ip":                      ev.IP,
			"risk_score":              v.Score,
			"reasons":                 v.Reasons,
		})
		if v.Blocked() {
			entry.Warn("postback blocked by fraud gate")
		} else {
			entry.Info("postback flagged for review")
		}
	}
	return v
}

func (g *Gate) score(ctx context.Context, ev Event) Verdict {
	cfg := g.Config
	if !ev.Amount.IsPositive() {
		return Verdict{Action: Block, Score: maxScore, Reasons: []string{"non-positive amount"}}
	}

	var (
		score    int
		reasons  []string
		degraded bool
	)

	if ev.UserID != "" && cfg.VelocityLimit > 0 {
		n, err := g.Counter.Incr(ctx, "fraud:velocity:"+ev.UserID, cfg.VelocityWindow)
		switch {
		case err != nil:
			degraded = true
			reasons = append(reasons, "velocity counter unavailable")
		case n > 2*cfg.VelocityLimit:
			score += 70
			reasons = append(reasons, fmt.Sprintf("%d postbacks in %s", n, cfg.VelocityWindow))
		case n > cfg.VelocityLimit:
			score += 40
			reasons = append(reasons, fmt.Sprintf("%d postbacks in %s", n, cfg.VelocityWindow))
		}
	}

	switch {
	case cfg.AmountBlock.IsPositive() && ev.Amount.GreaterThan(cfg.AmountBlock):
		score += 70
		reasons = append(reasons, fmt.Sprintf("amount %s above %s", ev.Amount, cfg.AmountBlock))
	case cfg.AmountFlag.IsPositive() && ev.Amount.GreaterThan(cfg.AmountFlag):
		score += 30
		reasons = append(reasons, fmt.Sprintf("amount %s above %s", ev.Amount, cfg.AmountFlag))
	}

	if ev.IP != "" && ev.UserID != "" && cfg.IPUserLimit > 0 {
		n, err := g.Counter.AddDistinct(ctx, "fraud:ip:"+ev.IP, ev.UserID, cfg.IPWindow)
		switch {
		case err != nil:
			degraded = true
			reasons = append(reasons, "ip counter unavailable")
		case n > cfg.IPUserLimit:
			score += 40
			reasons = append(reasons, fmt.Sprintf("IP shared by %d users", n))
		}
	}

	if score > maxScore {
		score = maxScore
	}
	v := Verdict{Action: Allow, Score: score, Reasons: reasons}
	switch {
	case score >= cfg.BlockScore:
		v.Action = Block
	case score >= cfg.FlagScore || degraded:
		v.Action = Flag
	}
	return v
}
