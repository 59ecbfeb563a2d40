package engine

import (
	"stageline/internal/config"
	"stageline/internal/domain"
)

// ProgressPolicy derives stage progress from its work packages. ok is false
// when the packages carry no information and the stored value should stand.
type ProgressPolicy interface {
	Progress(wps []domain.WorkPackage) (pct int, ok bool)
}

// DefaultPriorityWeights are used for priorities a configuration leaves out.
var DefaultPriorityWeights = map[string]int{
	domain.PriorityLow:      1,
	domain.PriorityMedium:   2,
	domain.PriorityHigh:     3,
	domain.PriorityCritical: 5,
}

// WeightedProgress is floor(100 * done weight / total weight), where done
// means completed or closed.
type WeightedProgress struct {
	Weights map[string]int
}

func (w WeightedProgress) weight(priority string) int {
	if v, ok := w.Weights[priority]; ok {
		return v
	}
	return DefaultPriorityWeights[priority]
}

func (w WeightedProgress) Progress(wps []domain.WorkPackage) (int, bool) {
	total, done := 0, 0
	for _, wp := range wps {
		wt := w.weight(wp.Priority)
		total += wt
		if workPackageDone(wp.Status) {
			done += wt
		}
	}
	if total == 0 {
		return 0, false
	}
	return 100 * done / total, true
}

// CountProgress weighs every work package equally.
type CountProgress struct{}

func (CountProgress) Progress(wps []domain.WorkPackage) (int, bool) {
	if len(wps) == 0 {
		return 0, false
	}
	done := 0
	for _, wp := range wps {
		if workPackageDone(wp.Status) {
			done++
		}
	}
	return 100 * done / len(wps), true
}

func workPackageDone(status string) bool {
	return status == domain.WorkPackageCompleted || status == domain.WorkPackageClosed
}

// PolicyFor returns the progress policy named by the project configuration.
func PolicyFor(cfg config.Progress) ProgressPolicy {
	if cfg.Policy == config.ProgressCount {
		return CountProgress{}
	}
	return WeightedProgress{Weights: cfg.Weights}
}
