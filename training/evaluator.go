package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
)

// Metrics is a nested task-metrics snapshot: head name -> metric name -> value.
type Metrics map[string]map[string]float64

// Evaluator computes task metrics for both families and persists snapshots
// under the metrics directory.
type Evaluator struct {
	metricsDir string
}

// NewEvaluator creates an evaluator writing snapshots below metricsDir.
func NewEvaluator(metricsDir string) *Evaluator {
	return &Evaluator{metricsDir: metricsDir}
}

// Evaluate runs the model over the dataset and computes the family-specific
// metrics. The snapshot is persisted as a side effect; persistence failures
// are logged and never fail the evaluation.
func (e *Evaluator) Evaluate(model nn.Model, ds *Dataset, ownerID int64) Metrics {
	preds := model.Predict(ds.Features)

	var metrics Metrics
	if model.Family() == nn.FamilyStudent {
		metrics = studentMetrics(preds, ds.Labels)
	} else {
		metrics = teacherMetrics(preds, ds.Labels)
	}

	if e.metricsDir != "" {
		if err := e.save(metrics, model.Family(), ownerID); err != nil {
			logger.Errorf("persist evaluation metrics for %s_%d: %v", model.Family(), ownerID, err)
		}
	}
	return metrics
}

func studentMetrics(preds, labels map[string][][]float32) Metrics {
	metrics := Metrics{}

	wp, wr, wf := multiLabelPRF(preds["weaknesses"], labels["weaknesses"], 0.5)
	metrics["weakness"] = map[string]float64{"precision": wp, "recall": wr, "f1": wf}

	ip, ir, ifs := multiLabelPRF(preds["interests"], labels["interests"], 0.5)
	metrics["interest"] = map[string]float64{"precision": ip, "recall": ir, "f1": ifs}

	acc := argmaxAccuracy(preds["path"], labels["path"])
	metrics["path"] = map[string]float64{"accuracy": acc}

	metrics["overall"] = map[string]float64{
		"f1":       (wf + ifs) / 2,
		"accuracy": acc,
	}
	return metrics
}

func teacherMetrics(preds, labels map[string][][]float32) Metrics {
	metrics := Metrics{}

	coverageAcc := argmaxAccuracy(preds["coverage"], labels["coverage"])
	metrics["coverage"] = map[string]float64{"accuracy": coverageAcc}

	lp, lr, lf := multiClassPRF(preds["layers"], labels["layers"])
	metrics["layers"] = map[string]float64{"precision": lp, "recall": lr, "f1": lf}

	metrics["overall"] = map[string]float64{
		"accuracy": (coverageAcc + lf) / 2,
	}
	return metrics
}

func (e *Evaluator) save(metrics Metrics, family nn.Family, ownerID int64) error {
	dir := filepath.Join(e.metricsDir, fmt.Sprintf("%s_%d", family, ownerID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	snapshot := struct {
		Metrics   Metrics   `json:"metrics"`
		Timestamp time.Time `json:"timestamp"`
	}{Metrics: metrics, Timestamp: time.Now().UTC()}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "metrics.json"), data, 0o644)
}

// multiLabelPRF computes support-weighted precision/recall/F1 for a
// thresholded multi-label head.
func multiLabelPRF(preds, labels [][]float32, threshold float32) (float64, float64, float64) {
	if len(preds) == 0 || len(preds[0]) == 0 {
		return 0, 0, 0
	}
	numLabels := len(preds[0])
	tp := make([]float64, numLabels)
	fp := make([]float64, numLabels)
	fn := make([]float64, numLabels)
	support := make([]float64, numLabels)
	for n := range preds {
		for l := 0; l < numLabels; l++ {
			pred := preds[n][l] > threshold
			actual := labels[n][l] > 0.5
			if actual {
				support[l]++
			}
			switch {
			case pred && actual:
				tp[l]++
			case pred && !actual:
				fp[l]++
			case !pred && actual:
				fn[l]++
			}
		}
	}
	return weightedPRF(tp, fp, fn, support)
}

// multiClassPRF computes support-weighted precision/recall/F1 over argmax
// predictions of a single-label head.
func multiClassPRF(preds, labels [][]float32) (float64, float64, float64) {
	if len(preds) == 0 || len(preds[0]) == 0 {
		return 0, 0, 0
	}
	numClasses := len(preds[0])
	tp := make([]float64, numClasses)
	fp := make([]float64, numClasses)
	fn := make([]float64, numClasses)
	support := make([]float64, numClasses)
	for n := range preds {
		p := argmax(preds[n])
		y := argmax(labels[n])
		support[y]++
		if p == y {
			tp[p]++
		} else {
			fp[p]++
			fn[y]++
		}
	}
	return weightedPRF(tp, fp, fn, support)
}

func weightedPRF(tp, fp, fn, support []float64) (float64, float64, float64) {
	var precision, recall, f1, totalSupport float64
	for l := range tp {
		if support[l] == 0 {
			continue
		}
		var p, r float64
		if tp[l]+fp[l] > 0 {
			p = tp[l] / (tp[l] + fp[l])
		}
		if tp[l]+fn[l] > 0 {
			r = tp[l] / (tp[l] + fn[l])
		}
		var f float64
		if p+r > 0 {
			f = 2 * p * r / (p + r)
		}
		precision += support[l] * p
		recall += support[l] * r
		f1 += support[l] * f
		totalSupport += support[l]
	}
	if totalSupport == 0 {
		return 0, 0, 0
	}
	return precision / totalSupport, recall / totalSupport, f1 / totalSupport
}

func argmaxAccuracy(preds, labels [][]float32) float64 {
	if len(preds) == 0 {
		return 0
	}
	var correct float64
	for n := range preds {
		if argmax(preds[n]) == argmax(labels[n]) {
			correct++
		}
	}
	return correct / float64(len(preds))
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
