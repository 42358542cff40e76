// Package evaluation scores rankings against graded relevance labels.
package evaluation

import (
	"sync"
)

// DefaultKs are the cutoffs reported when none are configured.
var DefaultKs = []int{1, 5, 10}

// Evaluator keeps the latest evaluation of every query seen during a
// campaign.
type Evaluator struct {
	judgments Judgments
	ks        []int
	// threshold is the minimum grade counted as relevant by the binary metrics.
	threshold int

	mu      sync.RWMutex
	results map[string]*EvaluationResult
}

// NewEvaluator creates a new evaluator over a fixed label set.
func NewEvaluator(judgments Judgments, ks ...int) *Evaluator {
	if len(ks) == 0 {
		ks = DefaultKs
	}
	return &Evaluator{
		judgments: judgments,
		ks:        ks,
		threshold: 1,
		results:   make(map[string]*EvaluationResult),
	}
}

// Judgments returns the label set the evaluator scores against.
func (e *Evaluator) Judgments() Judgments {
	return e.judgments
}

// Score evaluates a ranking for a query without recording it.
func (e *Evaluator) Score(queryID string, ranking []string) *EvaluationResult {
	relevances := e.judgments.Relevances(queryID, ranking)

	result := &EvaluationResult{
		QueryID:     queryID,
		NDCG:        NDCG(relevances),
		NDCGAt:      make(map[int]float64, len(e.ks)),
		Recall:      make(map[int]float64, len(e.ks)),
		Precision:   make(map[int]float64, len(e.ks)),
		MRR:         ReciprocalRank(relevances, e.threshold),
		AP:          AveragePrecision(relevances, e.threshold),
		ResultCount: len(ranking),
	}

	for _, k := range e.ks {
		result.NDCGAt[k] = NDCGAt(relevances, k)
		result.Recall[k] = Recall(relevances, k, e.threshold)
		result.Precision[k] = Precision(relevances, k, e.threshold)
	}

	return result
}

// Record evaluates a ranking and stores it as the current result for the
// query, replacing any earlier one.
func (e *Evaluator) Record(queryID string, ranking []string) *EvaluationResult {
	result := e.Score(queryID, ranking)

	e.mu.Lock()
	e.results[queryID] = result
	e.mu.Unlock()

	return result
}

// Results returns the current per-query results.
func (e *Evaluator) Results() []*EvaluationResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]*EvaluationResult, 0, len(e.results))
	for _, r := range e.results {
		results = append(results, r)
	}
	return results
}

// Summary aggregates the current per-query results.
func (e *Evaluator) Summary() *EvaluationSummary {
	return Summarize(e.Results())
}

// Summarize aggregates results across queries with an unweighted mean.
func Summarize(results []*EvaluationResult) *EvaluationSummary {
	if len(results) == 0 {
		return &EvaluationSummary{}
	}

	summary := &EvaluationSummary{
		QueryCount:    len(results),
		MeanNDCGAt:    make(map[int]float64),
		MeanRecall:    make(map[int]float64),
		MeanPrecision: make(map[int]float64),
	}

	// Aggregate
	for _, r := range results {
		summary.MeanNDCG += r.NDCG
		summary.MeanMRR += r.MRR
		summary.MAP += r.AP

		for k, v := range r.NDCGAt {
			summary.MeanNDCGAt[k] += v
		}
		for k, v := range r.Recall {
			summary.MeanRecall[k] += v
		}
		for k, v := range r.Precision {
			summary.MeanPrecision[k] += v
		}
	}

	// Average
	n := float64(len(results))
	summary.MeanNDCG /= n
	summary.MeanMRR /= n
	summary.MAP /= n

	for k := range summary.MeanNDCGAt {
		summary.MeanNDCGAt[k] /= n
	}
	for k := range summary.MeanRecall {
		summary.MeanRecall[k] /= n
	}
	for k := range summary.MeanPrecision {
		summary.MeanPrecision[k] /= n
	}

	return summary
}
