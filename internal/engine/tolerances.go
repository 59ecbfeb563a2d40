package engine

import (
	"context"
	"database/sql"
	"math"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/metrics"
)

// Exceeded reports whether deviation falls outside the band [-minus, +plus].
// Deviations are percentages; a deviation exactly on a band edge is within tolerance.
func Exceeded(deviation, plus, minus float64) bool {
	return deviation > plus || deviation < -minus
}

func validBand(plus, minus float64) error {
	if math.IsNaN(plus) || math.IsNaN(minus) || math.IsInf(plus, 0) || math.IsInf(minus, 0) {
		return validationError("invalid_band", "tolerance bands must be finite numbers")
	}
	if plus < 0 || minus < 0 {
		return validationError("negative_band", "tolerance bands must not be negative").
			with("plus_tolerance", plus).with("minus_tolerance", minus)
	}
	return nil
}

func (e Engine) loadTolerance(ctx context.Context, tx *sql.Tx, projectID, toleranceType string) (domain.Tolerance, error) {
	if !domain.IsToleranceType(toleranceType) {
		return domain.Tolerance{}, validationError("invalid_tolerance_type", "unknown tolerance type %q", toleranceType)
	}
	t, err := e.Repo.GetTolerance(ctx, tx, projectID, toleranceType)
	return t, notFound(err, "tolerance", projectID+"/"+toleranceType)
}

// InitializeTolerances creates one tolerance per type using the project's
// configured default bands. Types without a configured default start at 0/0.
func (e Engine) InitializeTolerances(ctx context.Context, projectID, actorID string) ([]domain.Tolerance, error) {
	var created []domain.Tolerance
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadProject(ctx, tx, projectID); err != nil {
			return err
		}
		cfg, err := e.authorize(ctx, tx, projectID, actorID, "tolerance.manage", auth.Entity{Kind: "tolerance"})
		if err != nil {
			return err
		}
		n, err := e.Repo.CountTolerances(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if n > 0 {
			return conflictError("tolerances_exist", "project %s already has tolerances", projectID)
		}
		now := e.timestamp()
		for _, typ := range domain.ToleranceTypes {
			band := cfg.Tolerances.Defaults[typ]
			t := domain.Tolerance{
				ID:             newID(),
				ProjectID:      projectID,
				Type:           typ,
				PlusTolerance:  band.Plus,
				MinusTolerance: band.Minus,
				Revision:       1,
				UpdatedAt:      now,
			}
			if err := e.Repo.InsertTolerance(ctx, tx, t); err != nil {
				return err
			}
			created = append(created, t)
		}
		return e.eventWriter().Append(ctx, tx, "tolerances.initialized", projectID, "tolerance", "", actorID, events.EventPayload{
			"types": domain.ToleranceTypes,
		})
	})
	if err != nil {
		return nil, err
	}
	e.committed(projectID, "tolerance", "initialize", projectID, actorID, zap.Int("count", len(created)))
	return created, nil
}

// SetToleranceBands replaces the bands of one tolerance and re-evaluates the
// last recorded deviation against them.
func (e Engine) SetToleranceBands(ctx context.Context, projectID, toleranceType string, plus, minus float64, actorID string) (domain.Tolerance, error) {
	if err := validBand(plus, minus); err != nil {
		return domain.Tolerance{}, err
	}
	var t domain.Tolerance
	var flipped string
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.loadTolerance(ctx, tx, projectID, toleranceType)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, projectID, actorID, "tolerance.manage", auth.Entity{Kind: "tolerance", ID: t.ID}); err != nil {
			return err
		}
		was := t.IsExceeded
		t.PlusTolerance = plus
		t.MinusTolerance = minus
		if t.LastDeviation != nil {
			t.IsExceeded = Exceeded(*t.LastDeviation, plus, minus)
		}
		if err := e.saveTolerance(ctx, tx, &t); err != nil {
			return err
		}
		if err := e.eventWriter().Append(ctx, tx, "tolerance.bands_updated", projectID, "tolerance", t.ID, actorID, events.EventPayload{
			"tolerance_type":  t.Type,
			"plus_tolerance":  plus,
			"minus_tolerance": minus,
		}); err != nil {
			return err
		}
		flipped, err = e.toleranceFlip(ctx, tx, t, was, actorID)
		return err
	})
	if err != nil {
		return domain.Tolerance{}, err
	}
	e.toleranceCommitted(t, "set_bands", flipped, actorID)
	return t, nil
}

// RecordToleranceStatus stores a measurement and flags the tolerance when the
// deviation leaves its band. Stage state is not touched.
func (e Engine) RecordToleranceStatus(ctx context.Context, projectID, toleranceType, currentStatus string, deviation float64, actorID string) (domain.Tolerance, error) {
	if math.IsNaN(deviation) || math.IsInf(deviation, 0) {
		return domain.Tolerance{}, validationError("invalid_deviation", "deviation must be a finite number")
	}
	var t domain.Tolerance
	var flipped string
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.loadTolerance(ctx, tx, projectID, toleranceType)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, projectID, actorID, "tolerance.record", auth.Entity{Kind: "tolerance", ID: t.ID}); err != nil {
			return err
		}
		was := t.IsExceeded
		now := e.timestamp()
		t.CurrentStatus = currentStatus
		t.LastDeviation = &deviation
		t.MeasuredAt = &now
		t.IsExceeded = Exceeded(deviation, t.PlusTolerance, t.MinusTolerance)
		if err := e.saveTolerance(ctx, tx, &t); err != nil {
			return err
		}
		if err := e.eventWriter().Append(ctx, tx, "tolerance.measured", projectID, "tolerance", t.ID, actorID, events.EventPayload{
			"tolerance_type": t.Type,
			"current_status": currentStatus,
			"deviation":      deviation,
			"is_exceeded":    t.IsExceeded,
		}); err != nil {
			return err
		}
		flipped, err = e.toleranceFlip(ctx, tx, t, was, actorID)
		return err
	})
	if err != nil {
		return domain.Tolerance{}, err
	}
	e.toleranceCommitted(t, "record", flipped, actorID)
	return t, nil
}

func (e Engine) saveTolerance(ctx context.Context, tx *sql.Tx, t *domain.Tolerance) error {
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTolerance(ctx, tx, *t, t.Revision); err != nil {
		return err
	}
	t.Revision++
	return nil
}

// toleranceFlip appends the exception or recovery event when is_exceeded
// changed and returns the event type, or "".
func (e Engine) toleranceFlip(ctx context.Context, tx *sql.Tx, t domain.Tolerance, was bool, actorID string) (string, error) {
	var evt string
	switch {
	case !was && t.IsExceeded:
		evt = "tolerance.exception_raised"
	case was && !t.IsExceeded:
		evt = "tolerance.recovered"
	default:
		return "", nil
	}
	payload := events.EventPayload{
		"tolerance_type":  t.Type,
		"plus_tolerance":  t.PlusTolerance,
		"minus_tolerance": t.MinusTolerance,
	}
	if t.LastDeviation != nil {
		payload["deviation"] = *t.LastDeviation
	}
	return evt, e.eventWriter().Append(ctx, tx, evt, t.ProjectID, "tolerance", t.ID, actorID, payload)
}

func (e Engine) toleranceCommitted(t domain.Tolerance, action, flipped, actorID string) {
	e.committed(t.ProjectID, "tolerance", action, t.ID, actorID, zap.String("tolerance_type", t.Type), zap.Bool("is_exceeded", t.IsExceeded))
	if flipped == "tolerance.exception_raised" {
		metrics.RecordToleranceExceeded(t.Type)
		e.logger().Warn("tolerance exceeded",
			zap.String("project_id", t.ProjectID),
			zap.String("tolerance_type", t.Type),
			zap.Float64p("deviation", t.LastDeviation))
	}
}

func (e Engine) ListTolerances(ctx context.Context, projectID string) ([]domain.Tolerance, error) {
	if _, err := e.loadProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListTolerances(ctx, e.DB, projectID)
}

func (e Engine) GetTolerance(ctx context.Context, projectID, toleranceType string) (domain.Tolerance, error) {
	if !domain.IsToleranceType(toleranceType) {
		return domain.Tolerance{}, validationError("invalid_tolerance_type", "unknown tolerance type %q", toleranceType)
	}
	t, err := e.Repo.GetTolerance(ctx, e.DB, projectID, toleranceType)
	return t, notFound(err, "tolerance", projectID+"/"+toleranceType)
}
