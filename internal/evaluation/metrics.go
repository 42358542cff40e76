package evaluation

import (
	"math"
	"sort"
)

// Gain is the graded gain of a relevance label: 2^label - 1. Negative
// labels are treated as 0.
func Gain(label int) float64 {
	if label <= 0 {
		return 0
	}
	return math.Exp2(float64(label)) - 1
}

// discount is the positional discount for a 0-indexed position.
func discount(pos int) float64 {
	return math.Log2(float64(pos + 2))
}

// DCG calculates Discounted Cumulative Gain over the labels in ranked order.
func DCG(relevances []int) float64 {
	dcg := 0.0
	for pos, r := range relevances {
		dcg += Gain(r) / discount(pos)
	}
	return dcg
}

// IdealDCG calculates the DCG of the same labels sorted by descending relevance.
func IdealDCG(relevances []int) float64 {
	return DCG(idealOrder(relevances))
}

// NDCG calculates Normalized Discounted Cumulative Gain over the whole list.
// A list without any positive label scores 0.
func NDCG(relevances []int) float64 {
	return NDCGAt(relevances, len(relevances))
}

// NDCGAt calculates NDCG truncated at rank k. The ideal ordering is computed
// from the full label multiset before truncation.
func NDCGAt(relevances []int, k int) float64 {
	if k > len(relevances) {
		k = len(relevances)
	}
	if k <= 0 {
		return 0
	}

	idcg := DCG(idealOrder(relevances)[:k])
	if idcg <= 0 {
		return 0
	}
	return DCG(relevances[:k]) / idcg
}

func idealOrder(relevances []int) []int {
	sorted := make([]int, len(relevances))
	copy(sorted, relevances)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
	return sorted
}

// Recall calculates Recall at K
func Recall(relevances []int, k int, threshold int) float64 {
	if k > len(relevances) {
		k = len(relevances)
	}

	// Count total relevant
	totalRelevant := 0
	for _, r := range relevances {
		if r >= threshold {
			totalRelevant++
		}
	}

	if totalRelevant == 0 {
		return 0
	}

	// Count relevant in top K
	relevantInK := 0
	for i := 0; i < k; i++ {
		if relevances[i] >= threshold {
			relevantInK++
		}
	}

	return float64(relevantInK) / float64(totalRelevant)
}

// Precision calculates Precision at K
func Precision(relevances []int, k int, threshold int) float64 {
	if k > len(relevances) {
		k = len(relevances)
	}
	if k == 0 {
		return 0
	}

	relevant := 0
	for i := 0; i < k; i++ {
		if relevances[i] >= threshold {
			relevant++
		}
	}

	return float64(relevant) / float64(k)
}

// ReciprocalRank returns 1/rank of the first document at or above threshold.
func ReciprocalRank(relevances []int, threshold int) float64 {
	for i, r := range relevances {
		if r >= threshold {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}

// AveragePrecision calculates Average Precision
func AveragePrecision(relevances []int, threshold int) float64 {
	relevant := 0
	sumPrecision := 0.0

	for i, r := range relevances {
		if r >= threshold {
			relevant++
			sumPrecision += float64(relevant) / float64(i+1)
		}
	}

	if relevant == 0 {
		return 0
	}
	return sumPrecision / float64(relevant)
}
