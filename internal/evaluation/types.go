package evaluation

import "sort"

// RelevanceJudgment represents a graded relevance label for a query-doc pair
type RelevanceJudgment struct {
	QueryID   string `json:"query_id"`
	DocID     string `json:"doc_id"`
	Relevance int    `json:"relevance"` // 0=not relevant, 1=relevant, 2=highly relevant
}

// Judgments holds relevance labels per query. It is filled once before a
// campaign starts and only read afterwards.
type Judgments map[string]map[string]int

// NewJudgments builds a label set from individual judgments. A later
// judgment for the same pair replaces an earlier one.
func NewJudgments(judgments []RelevanceJudgment) Judgments {
	j := make(Judgments)
	for _, r := range judgments {
		j.Add(r.QueryID, r.DocID, r.Relevance)
	}
	return j
}

// Add records the grade of docID for queryID.
func (j Judgments) Add(queryID, docID string, grade int) {
	if j[queryID] == nil {
		j[queryID] = make(map[string]int)
	}
	j[queryID][docID] = grade
}

// Grade returns the label of docID for queryID, 0 when unknown.
func (j Judgments) Grade(queryID, docID string) int {
	return j[queryID][docID]
}

// Relevances maps a ranking to its labels in ranked order.
func (j Judgments) Relevances(queryID string, ranking []string) []int {
	labels := j[queryID]
	relevances := make([]int, len(ranking))
	for i, docID := range ranking {
		relevances[i] = labels[docID]
	}
	return relevances
}

// Queries returns the labelled query IDs in sorted order.
func (j Judgments) Queries() []string {
	ids := make([]string, 0, len(j))
	for id := range j {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rekey returns a copy with query and document IDs passed through fn.
func (j Judgments) Rekey(fn func(string) string) Judgments {
	out := make(Judgments, len(j))
	for q, docs := range j {
		for d, g := range docs {
			out.Add(fn(q), fn(d), g)
		}
	}
	return out
}

// EvaluationResult contains metrics for a single query
type EvaluationResult struct {
	QueryID     string          `json:"query_id"`
	NDCG        float64         `json:"ndcg"`
	NDCGAt      map[int]float64 `json:"ndcg_at"`   // NDCG@K for various K
	Recall      map[int]float64 `json:"recall"`    // Recall@K
	Precision   map[int]float64 `json:"precision"` // Precision@K
	MRR         float64         `json:"mrr"`
	AP          float64         `json:"ap"` // Average Precision
	ResultCount int             `json:"result_count"`
}

// EvaluationSummary aggregates metrics across multiple queries
type EvaluationSummary struct {
	QueryCount    int             `json:"query_count"`
	MeanNDCG      float64         `json:"mean_ndcg"`
	MeanNDCGAt    map[int]float64 `json:"mean_ndcg_at"`
	MeanRecall    map[int]float64 `json:"mean_recall"`
	MeanPrecision map[int]float64 `json:"mean_precision"`
	MeanMRR       float64         `json:"mean_mrr"`
	MAP           float64         `json:"map"`
}
