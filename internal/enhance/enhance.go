// Package enhance defines the shared contract of the two enhancement
// producers: the premium model path and the rule-based fallback.
package enhance

import "github.com/pulsegrid/pulsegrid/internal/domain"

// Result is one producer's output for a pulse. The rule path leaves Insights
// nil and CostCents zero; the premium path fills all fields.
type Result struct {
	GenTitle  string
	GenBadge  string
	Insights  *domain.AIInsights
	CostCents int64
	// Model is the model id that produced the insights, empty on the rule
	// path.
	Model string
	// LatencyMillis is the wall time of the successful model call.
	LatencyMillis int64
	InputTokens   int64
	OutputTokens  int64
}

// AIEnhanced reports whether this result carries paid model output.
func (r *Result) AIEnhanced() bool {
	return r.Insights != nil && !r.Insights.Empty() && r.CostCents > 0
}
