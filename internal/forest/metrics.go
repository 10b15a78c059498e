package forest

import "github.com/rewired-gh/busrisk/internal/models"

// Evaluate computes binary classification metrics for the positive class.
// Ratios with a zero denominator are reported as 0.
func Evaluate(truth, pred []bool) models.Evaluation {
	var e models.Evaluation
	n := len(truth)
	if len(pred) < n {
		n = len(pred)
	}
	e.Samples = n
	for i := 0; i < n; i++ {
		switch {
		case truth[i] && pred[i]:
			e.TruePositives++
		case !truth[i] && pred[i]:
			e.FalsePositives++
		case !truth[i] && !pred[i]:
			e.TrueNegatives++
		default:
			e.FalseNegatives++
		}
	}
	if n == 0 {
		return e
	}
	e.Accuracy = float64(e.TruePositives+e.TrueNegatives) / float64(n)
	e.Precision = ratio(e.TruePositives, e.TruePositives+e.FalsePositives)
	e.Recall = ratio(e.TruePositives, e.TruePositives+e.FalseNegatives)
	if e.Precision+e.Recall > 0 {
		e.F1 = 2 * e.Precision * e.Recall / (e.Precision + e.Recall)
	}
	return e
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
