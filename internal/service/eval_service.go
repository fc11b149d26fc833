package service

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pseudospot/server/internal/simstore"
)

// Prediction is one scored (cell, region) assignment from an external
// deconvolution or mapping method.
type Prediction struct {
	CellID   string  `json:"cell_id"`
	RegionID string  `json:"region_id"`
	Score    float64 `json:"score"`
}

// ROCPoint is one point of a ROC curve.
type ROCPoint struct {
	FPR       float64 `json:"fpr"`
	TPR       float64 `json:"tpr"`
	Threshold float64 `json:"threshold"`
}

// RegionEval is the evaluation result for one region. AUC is nil when the
// region has no positives or no negatives among the scored pairs.
type RegionEval struct {
	Region string     `json:"region"`
	NPos   int        `json:"n_pos"`
	NNeg   int        `json:"n_neg"`
	AUC    *float64   `json:"auc"`
	Curve  []ROCPoint `json:"curve,omitempty"`
}

// EvalResult is the full evaluation: per-region ROC/AUC plus the macro
// average over regions where AUC is defined.
type EvalResult struct {
	Regions  []RegionEval `json:"regions"`
	MacroAUC *float64     `json:"macro_auc"`
}

// EvalService scores predictions against a job's gold standard.
type EvalService struct{}

// NewEvalService creates a new evaluation service.
func NewEvalService() *EvalService {
	return &EvalService{}
}

// Evaluate computes per-region ROC curves and AUCs. A (cell, region) pair
// is a positive when the gold standard lists that cell in that region;
// every other scored pair for the region is a negative. Regions appear in
// sorted order.
func (s *EvalService) Evaluate(gold []simstore.GoldRecord, preds []Prediction) (*EvalResult, error) {
	if len(gold) == 0 {
		return nil, fmt.Errorf("empty gold standard")
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("no predictions to evaluate")
	}

	truth := make(map[string]bool, len(gold))
	for _, g := range gold {
		if g.Present {
			truth[g.CellID+"\x00"+g.RegionID] = true
		}
	}

	byRegion := make(map[string][]Prediction)
	for _, p := range preds {
		byRegion[p.RegionID] = append(byRegion[p.RegionID], p)
	}

	regions := make([]string, 0, len(byRegion))
	for r := range byRegion {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	result := &EvalResult{}
	aucSum := 0.0
	aucN := 0

	for _, region := range regions {
		re := evalRegion(region, byRegion[region], truth)
		if re.AUC != nil {
			aucSum += *re.AUC
			aucN++
		}
		result.Regions = append(result.Regions, re)
	}

	if aucN > 0 {
		macro := aucSum / float64(aucN)
		result.MacroAUC = &macro
	}
	return result, nil
}

func evalRegion(region string, preds []Prediction, truth map[string]bool) RegionEval {
	labels := make([]bool, len(preds))
	nPos := 0
	for i, p := range preds {
		labels[i] = truth[p.CellID+"\x00"+region]
		if labels[i] {
			nPos++
		}
	}
	nNeg := len(preds) - nPos

	re := RegionEval{Region: region, NPos: nPos, NNeg: nNeg}
	if nPos == 0 || nNeg == 0 {
		return re
	}

	// AUC via the rank-sum identity with tie-averaged ranks.
	idx := make([]int, len(preds))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return preds[idx[a]].Score < preds[idx[b]].Score
	})

	n := len(preds)
	ranks := make([]float64, n)
	i := 0
	for i < n {
		j := i
		for j < n && preds[idx[j]].Score == preds[idx[i]].Score {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[idx[k]] = avgRank
		}
		i = j
	}

	rPos := 0.0
	for i, lab := range labels {
		if lab {
			rPos += ranks[i]
		}
	}
	nPosF := float64(nPos)
	nNegF := float64(nNeg)
	auc := (rPos - nPosF*(nPosF+1)/2) / (nPosF * nNegF)
	re.AUC = &auc

	re.Curve = rocCurve(preds, labels, nPos, nNeg)
	return re
}

// rocCurve sweeps thresholds from high to low, emitting one point per
// distinct score. Tied scores move together, which keeps the curve
// consistent with the rank-based AUC.
func rocCurve(preds []Prediction, labels []bool, nPos, nNeg int) []ROCPoint {
	idx := make([]int, len(preds))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return preds[idx[a]].Score > preds[idx[b]].Score
	})

	curve := []ROCPoint{{FPR: 0, TPR: 0, Threshold: preds[idx[0]].Score}}
	tp, fp := 0, 0
	i := 0
	for i < len(idx) {
		j := i
		for j < len(idx) && preds[idx[j]].Score == preds[idx[i]].Score {
			if labels[idx[j]] {
				tp++
			} else {
				fp++
			}
			j++
		}
		curve = append(curve, ROCPoint{
			FPR:       float64(fp) / float64(nNeg),
			TPR:       float64(tp) / float64(nPos),
			Threshold: preds[idx[i]].Score,
		})
		i = j
	}
	return curve
}

// ParsePredictions reads a TSV of cell_id, region_id, score. A header row
// is skipped when its last column does not parse as a number.
func ParsePredictions(r io.Reader) ([]Prediction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var preds []Prediction
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected 3 columns, got %d", lineNo, len(fields))
		}
		score, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			if lineNo == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: invalid score %q", lineNo, fields[2])
		}
		preds = append(preds, Prediction{CellID: fields[0], RegionID: fields[1], Score: score})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read predictions: %w", err)
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("no predictions found")
	}
	return preds, nil
}
