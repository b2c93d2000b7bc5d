package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/dtm.report/internal/metrics"
	"github.com/banshee-data/dtm.report/internal/results"
	"github.com/banshee-data/dtm.report/internal/sensitivity"
	"github.com/banshee-data/dtm.report/internal/tilekey"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one persisted pipeline or estimator invocation.
type Run struct {
	RunID       string          `json:"run_id"`
	Site        string          `json:"site"`
	LasSettings string          `json:"las_settings"`
	ParamsJSON  json.RawMessage `json:"params_json,omitempty"`
	PairCount   int             `json:"pair_count"`
	Skipped     map[string]int  `json:"skipped,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// RunStore persists runs with their tile records and sensitivity results.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// InsertRun persists a new run. If RunID is empty, a UUID is generated.
func (s *RunStore) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixNano()
	}

	var paramsStr interface{}
	if len(run.ParamsJSON) > 0 {
		paramsStr = string(run.ParamsJSON)
	}
	var skippedStr interface{}
	if len(run.Skipped) > 0 {
		b, err := json.Marshal(run.Skipped)
		if err != nil {
			return fmt.Errorf("encode skipped counts: %w", err)
		}
		skippedStr = string(b)
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO comparison_runs (
				run_id, site, las_settings, params_json, pair_count, skipped_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Site, run.LasSettings, paramsStr, run.PairCount, skippedStr, run.CreatedAt,
		)
		return err
	})
}

const runColumns = `run_id, site, las_settings, params_json, pair_count, skipped_json, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var paramsStr, skippedStr sql.NullString
	if err := row.Scan(&r.RunID, &r.Site, &r.LasSettings, &paramsStr, &r.PairCount, &skippedStr, &r.CreatedAt); err != nil {
		return nil, err
	}
	if paramsStr.Valid {
		r.ParamsJSON = json.RawMessage(paramsStr.String)
	}
	if skippedStr.Valid {
		if err := json.Unmarshal([]byte(skippedStr.String), &r.Skipped); err != nil {
			return nil, fmt.Errorf("decode skipped counts for run %s: %w", r.RunID, err)
		}
	}
	return &r, nil
}

// GetRun returns a single run by ID.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM comparison_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs for a site ordered by creation time descending. An
// empty site lists every run.
func (s *RunStore) ListRuns(site string) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM comparison_runs`
	var args []interface{}
	if site != "" {
		query += ` WHERE site = ?`
		args = append(args, site)
	}
	query += ` ORDER BY created_at DESC, run_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and, by cascade, its tile and sensitivity rows.
func (s *RunStore) DeleteRun(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM comparison_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil
	})
}

func nullStat(st *results.Stat) (mean, std interface{}) {
	if st == nil {
		return nil, nil
	}
	return st.Mean, st.Std
}

func statFrom(mean, std sql.NullFloat64) *results.Stat {
	if !mean.Valid {
		return nil
	}
	return &results.Stat{Mean: mean.Float64, Std: std.Float64}
}

// InsertTileRecords stores recs under runID in one transaction, keeping
// their order.
func (s *RunStore) InsertTileRecords(runID string, recs []results.Record) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO tile_results (
				run_id, seq, folder, file, n_photons, noise, status,
				rmse, r2, bias, canopy_mean, canopy_std, slope_mean, slope_std,
				data_count, nodata_count
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, r := range recs {
			canopyMean, canopyStd := nullStat(r.Canopy)
			slopeMean, slopeStd := nullStat(r.Slope)
			if _, err := stmt.Exec(
				runID, i, r.Folder, r.File, r.Condition.Photons, r.Condition.Noise, r.Status.String(),
				r.RMSE, r.R2, r.Bias, canopyMean, canopyStd, slopeMean, slopeStd,
				r.DataCount, r.NoDataCount,
			); err != nil {
				return fmt.Errorf("insert tile %s: %w", r.File, err)
			}
		}
		return tx.Commit()
	})
}

// TileRecords returns the records stored under runID in insertion order.
func (s *RunStore) TileRecords(runID string) ([]results.Record, error) {
	rows, err := s.db.Query(`
		SELECT folder, file, n_photons, noise, status,
		       rmse, r2, bias, canopy_mean, canopy_std, slope_mean, slope_std,
		       data_count, nodata_count
		FROM tile_results
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tile results: %w", err)
	}
	defer rows.Close()

	var recs []results.Record
	for rows.Next() {
		var r results.Record
		var status string
		var canopyMean, canopyStd, slopeMean, slopeStd sql.NullFloat64
		if err := rows.Scan(
			&r.Folder, &r.File, &r.Condition.Photons, &r.Condition.Noise, &status,
			&r.RMSE, &r.R2, &r.Bias, &canopyMean, &canopyStd, &slopeMean, &slopeStd,
			&r.DataCount, &r.NoDataCount,
		); err != nil {
			return nil, fmt.Errorf("scan tile result: %w", err)
		}
		if r.Status, err = metrics.ParseStatus(status); err != nil {
			return nil, err
		}
		r.Canopy = statFrom(canopyMean, canopyStd)
		r.Slope = statFrom(slopeMean, slopeStd)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// InsertSensitivity stores estimator results under runID. Bins are not
// persisted; the curves file carries them.
func (s *RunStore) InsertSensitivity(runID string, rs []sensitivity.Result) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO sensitivity_results (
				run_id, folder, las_settings, n_photons, noise,
				rmse, bias, pixel_count, nodata_count, nodata_prop,
				beam_sensitivity, tile_count, fit_intercept, fit_slope
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rs {
			var intercept, slope interface{}
			if r.Fit != nil {
				intercept, slope = r.Fit.Intercept, r.Fit.Slope
			}
			if _, err := stmt.Exec(
				runID, r.Folder, r.LasSettings, r.Condition.Photons, r.Condition.Noise,
				r.RMSE, r.Bias, r.PixelCount, r.NoDataCount, r.NoDataProp,
				r.Sensitivity, r.Tiles, intercept, slope,
			); err != nil {
				return fmt.Errorf("insert sensitivity %s %s: %w", r.Folder, r.Condition, err)
			}
		}
		return tx.Commit()
	})
}

// SensitivityResults returns the results stored under runID in folder then
// condition order.
func (s *RunStore) SensitivityResults(runID string) ([]sensitivity.Result, error) {
	rows, err := s.db.Query(`
		SELECT folder, las_settings, n_photons, noise,
		       rmse, bias, pixel_count, nodata_count, nodata_prop,
		       beam_sensitivity, tile_count, fit_intercept, fit_slope
		FROM sensitivity_results
		WHERE run_id = ?
		ORDER BY folder, n_photons, noise`, runID)
	if err != nil {
		return nil, fmt.Errorf("query sensitivity results: %w", err)
	}
	defer rows.Close()

	var out []sensitivity.Result
	for rows.Next() {
		var r sensitivity.Result
		var cond tilekey.Condition
		var intercept, slope sql.NullFloat64
		if err := rows.Scan(
			&r.Folder, &r.LasSettings, &cond.Photons, &cond.Noise,
			&r.RMSE, &r.Bias, &r.PixelCount, &r.NoDataCount, &r.NoDataProp,
			&r.Sensitivity, &r.Tiles, &intercept, &slope,
		); err != nil {
			return nil, fmt.Errorf("scan sensitivity result: %w", err)
		}
		r.Condition = cond
		if intercept.Valid && slope.Valid {
			r.Fit = &sensitivity.Fit{Intercept: intercept.Float64, Slope: slope.Float64}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
