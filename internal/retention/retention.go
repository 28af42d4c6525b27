// Package retention evaluates an ordered rule list against active records
// and logically deletes those whose governing rule's age has elapsed. It
// never touches files; physical removal is the purge processor's job.
package retention

import (
	"context"
	"path"
	"time"

	"github.com/gftdcojp/streamstore/internal/config"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/metrics"
	"go.uber.org/zap"
)

const scanBatchSize = 1000

// Rule is one retention rule. The first rule matching a record governs it;
// a Forever rule exempts its matches. Empty Feed or StreamType matches any
// value; glob patterns are allowed.
type Rule struct {
	Name       string
	Feed       string
	StreamType string
	Age        time.Duration
	Forever    bool
}

// RulesFromConfig converts the configured rule list, preserving order.
func RulesFromConfig(cfgs []config.RuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, rc := range cfgs {
		rules = append(rules, Rule{
			Name:       rc.Name,
			Feed:       rc.Feed,
			StreamType: rc.StreamType,
			Age:        rc.Age.Duration(),
			Forever:    rc.Forever,
		})
	}
	return rules
}

// Matches reports whether the rule's expression covers the record.
func (r Rule) Matches(rec meta.Record) bool {
	return matchValue(r.Feed, rec.FeedName) && matchValue(r.StreamType, rec.TypeName)
}

func matchValue(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Summary is the outcome of one retention pass.
type Summary struct {
	Scanned int
	Matched int
	Deleted int
}

// Engine applies the rule list to every UNLOCKED record. Re-running is a
// no-op for already-deleted records because only UNLOCKED records are
// scanned.
type Engine struct {
	meta   meta.Service
	rules  []Rule
	logger *zap.Logger
}

func NewEngine(svc meta.Service, rules []Rule, logger *zap.Logger) *Engine {
	return &Engine{meta: svc, rules: rules, logger: logger}
}

// Run performs one retention pass against the rule list as of now.
func (e *Engine) Run(ctx context.Context, now time.Time) (Summary, error) {
	var summary Summary
	if len(e.rules) == 0 {
		return summary, nil
	}

	nowMs := now.UnixMilli()
	unlocked := meta.StatusUnlocked
	afterID := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		batch, err := e.meta.Find(ctx, meta.Criteria{
			Status:  &unlocked,
			AfterID: afterID,
			Limit:   scanBatchSize,
		})
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			return summary, nil
		}

		for _, rec := range batch {
			summary.Scanned++

			rule := e.governingRule(rec)
			if rule == nil {
				// No rule matches: implicit keep-forever.
				continue
			}
			summary.Matched++
			if rule.Forever {
				continue
			}
			if nowMs-rec.CreateTimeMs < rule.Age.Milliseconds() {
				continue
			}

			ok, err := e.meta.UpdateStatus(ctx, rec.ID, meta.StatusUnlocked, meta.StatusDeleted)
			if err != nil {
				return summary, err
			}
			if ok {
				summary.Deleted++
				metrics.RetentionDeletes.Inc()
				e.logger.Info("record expired by retention rule",
					zap.Int64("meta_id", rec.ID),
					zap.String("feed", rec.FeedName),
					zap.String("rule", rule.Name),
				)
			}
		}
		afterID = batch[len(batch)-1].ID
	}
}

// governingRule returns the first rule whose expression matches, or nil.
func (e *Engine) governingRule(rec meta.Record) *Rule {
	for i := range e.rules {
		if e.rules[i].Matches(rec) {
			return &e.rules[i]
		}
	}
	return nil
}
