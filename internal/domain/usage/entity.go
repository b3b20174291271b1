package usage

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Sentinel label values for missing dimensions
const (
	NoTeam     = "no_team"
	NoAlias    = "no_alias"
	Anonymous  = "anonymous"
	Unknown    = "unknown"
	Aggregated = "aggregated"
)

// Request outcomes used by backfill. Delta events carry the status stored by LiteLLM.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Team and end-user identity of a row, aliases already resolved
type Dimensions struct {
	TeamID       string
	TeamAlias    string
	EndUserID    string
	EndUserAlias string
	Model        string
	Provider     string
}

// InvalidRune replaces byte sequences that are not valid UTF-8 in label values
const InvalidRune = "\uFFFD"

// orDefault turns v into a usable label value: invalid UTF-8 is replaced and a blank
// value becomes def. Returns true if v was changed.
func orDefault(v *string, def string) bool {
	coerced := false
	if !utf8.ValidString(*v) {
		*v = strings.ToValidUTF8(*v, InvalidRune)
		coerced = true
	}
	if strings.TrimSpace(*v) == "" {
		*v = def
		return true
	}
	return coerced
}

func (d *Dimensions) normalizeTeam() bool {
	a := orDefault(&d.TeamID, NoTeam)
	b := orDefault(&d.TeamAlias, NoAlias)
	return a || b
}

// End-user alias falls back to the end-user id, then to anonymous
func (d *Dimensions) normalizeEndUser() bool {
	a := orDefault(&d.EndUserID, Anonymous)
	b := orDefault(&d.EndUserAlias, d.EndUserID)
	return a || b
}

func (d *Dimensions) normalizeModel() bool {
	a := orDefault(&d.Model, Unknown)
	b := orDefault(&d.Provider, Unknown)
	return a || b
}

// Event is one LiteLLM_SpendLogs row
type Event struct {
	Dimensions
	StartTime        time.Time
	Status           string
	Spend            decimal.Decimal
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Normalize coerces missing or out-of-range fields to documented defaults.
// Returns true if the row was malformed.
func (e *Event) Normalize() bool {
	coerced := e.normalizeTeam()
	coerced = e.normalizeEndUser() || coerced
	coerced = e.normalizeModel() || coerced
	coerced = orDefault(&e.Status, Unknown) || coerced
	if e.Spend.IsNegative() {
		e.Spend = decimal.Zero
		coerced = true
	}
	for _, v := range []*int64{&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens} {
		if *v < 0 {
			*v = 0
			coerced = true
		}
	}
	return coerced
}

// DailyAggregate is LiteLLM_DailyTeamSpend summed over the backfill window per (team, model, provider)
type DailyAggregate struct {
	TeamID             string
	Model              string
	Provider           string
	Spend              decimal.Decimal
	APIRequests        int64
	SuccessfulRequests int64
	FailedRequests     int64
	PromptTokens       int64
	CompletionTokens   int64
}

// Normalize applies sentinels. Team aliases are resolved separately from the team snapshot.
func (a *DailyAggregate) Normalize() bool {
	coerced := orDefault(&a.TeamID, NoTeam)
	coerced = orDefault(&a.Model, Unknown) || coerced
	coerced = orDefault(&a.Provider, Unknown) || coerced
	if a.Spend.IsNegative() {
		a.Spend = decimal.Zero
		coerced = true
	}
	return coerced
}

// Qualifies reports whether the group contributes anything
func (a DailyAggregate) Qualifies() bool {
	return a.Spend.IsPositive() || a.APIRequests > 0
}

// TotalTokens is derived since the daily table does not store it
func (a DailyAggregate) TotalTokens() int64 {
	return max(a.PromptTokens, 0) + max(a.CompletionTokens, 0)
}

// Team is a LiteLLM_TeamTable snapshot row
type Team struct {
	TeamID    string
	TeamAlias string
	MaxBudget decimal.Decimal
	Spend     decimal.Decimal
}

func (t *Team) Normalize() bool {
	coerced := orDefault(&t.TeamID, NoTeam)
	return orDefault(&t.TeamAlias, NoAlias) || coerced
}

// HasBudget reports whether derived budget gauges are meaningful
func (t Team) HasBudget() bool {
	return t.MaxBudget.IsPositive()
}

// Remaining is max(0, max_budget - spend)
func (t Team) Remaining() decimal.Decimal {
	return decimal.Max(decimal.Zero, t.MaxBudget.Sub(t.Spend))
}

// UsagePercent is spend/max_budget*100 clamped to [0, 100]. Zero without a budget.
func (t Team) UsagePercent() decimal.Decimal {
	if !t.HasBudget() {
		return decimal.Zero
	}
	pct := t.Spend.Div(t.MaxBudget).Mul(decimal.NewFromInt(100))
	return decimal.Min(decimal.NewFromInt(100), decimal.Max(decimal.Zero, pct))
}

// TimePatternBucket counts requests per (team, end user, local hour, weekday)
type TimePatternBucket struct {
	Dimensions
	HourOfDay int
	DayName   string
	Requests  int64
}

func (b *TimePatternBucket) Normalize() bool {
	coerced := b.normalizeTeam()
	coerced = b.normalizeEndUser() || coerced
	coerced = orDefault(&b.DayName, Unknown) || coerced
	b.DayName = strings.TrimSpace(b.DayName)
	return coerced
}

// MinPerformanceSamples suppresses latency figures from one or two requests
const MinPerformanceSamples = 3

// PerformanceGroup sums completed requests per (team, model, provider)
type PerformanceGroup struct {
	Dimensions
	Samples              int64
	TotalDurationSeconds float64
	TotalTokens          int64
}

func (g *PerformanceGroup) Normalize() bool {
	coerced := g.normalizeTeam()
	return g.normalizeModel() || coerced
}

// AvgDurationSeconds is the mean request duration
func (g PerformanceGroup) AvgDurationSeconds() float64 {
	if g.Samples <= 0 {
		return 0
	}
	return g.TotalDurationSeconds / float64(g.Samples)
}

// TokensPerSecond is sum(tokens)/sum(duration), weighting large requests accordingly.
// ok is false when no time elapsed.
func (g PerformanceGroup) TokensPerSecond() (tps float64, ok bool) {
	if g.TotalDurationSeconds <= 0 {
		return 0, false
	}
	return float64(g.TotalTokens) / g.TotalDurationSeconds, true
}

// CostEfficiencyGroup sums spend and tokens per (team, end user, model, provider)
type CostEfficiencyGroup struct {
	Dimensions
	Spend       decimal.Decimal
	TotalTokens int64
}

func (g *CostEfficiencyGroup) Normalize() bool {
	coerced := g.normalizeTeam()
	coerced = g.normalizeEndUser() || coerced
	return g.normalizeModel() || coerced
}

// Qualifies reports whether both ratios are defined
func (g CostEfficiencyGroup) Qualifies() bool {
	return g.Spend.IsPositive() && g.TotalTokens > 0
}

// CostPerToken is spend/tokens
func (g CostEfficiencyGroup) CostPerToken() decimal.Decimal {
	if g.TotalTokens <= 0 {
		return decimal.Zero
	}
	return g.Spend.Div(decimal.NewFromInt(g.TotalTokens))
}

// TokensPerDollar is tokens/spend
func (g CostEfficiencyGroup) TokensPerDollar() decimal.Decimal {
	if !g.Spend.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(g.TotalTokens).Div(g.Spend)
}
