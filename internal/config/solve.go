// Package config holds the jitter-solver tuning options. The schema is a
// JSON file with all-optional fields; Get* accessors supply the canonical
// defaults so partial configs are safe, and Validate rejects inconsistent
// combinations before any optimization work starts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SolveConfig represents the root configuration for a jitter solve.
type SolveConfig struct {
	// Outlier filtering and reprojection weighting
	MaxInitialReprojErrorPx *float64 `json:"max_initial_reprojection_error,omitempty"`
	RobustThreshold         *float64 `json:"robust_threshold,omitempty"`

	// Triangulated-point inertia
	TriWeight          *float64 `json:"tri_weight,omitempty"`
	TriRobustThreshold *float64 `json:"tri_robust_threshold,omitempty"`

	// DEM constraint
	HeightsFromDemUncertainty     *float64 `json:"heights_from_dem_uncertainty,omitempty"`
	HeightsFromDemRobustThreshold *float64 `json:"heights_from_dem_robust_threshold,omitempty"`

	// Camera constraints
	CameraPositionWeight          *float64 `json:"camera_position_weight,omitempty"`
	CameraPositionRobustThreshold *float64 `json:"camera_position_robust_threshold,omitempty"`
	RotationWeight                *float64 `json:"rotation_weight,omitempty"`
	QuatNormWeight                *float64 `json:"quat_norm_weight,omitempty"`

	// Roll/yaw constraint
	RollWeight              *float64 `json:"roll_weight,omitempty"`
	YawWeight               *float64 `json:"yaw_weight,omitempty"`
	InitialCameraConstraint *bool    `json:"initial_camera_constraint,omitempty"`

	// Anchor points
	NumAnchorPointsPerImage   *int     `json:"num_anchor_points_per_image,omitempty"`
	NumAnchorPointsPerTile    *int     `json:"num_anchor_points_per_tile,omitempty"`
	NumAnchorPointsExtraLines *int     `json:"num_anchor_points_extra_lines,omitempty"`
	AnchorWeight              *float64 `json:"anchor_weight,omitempty"`

	// Solver controls
	ParameterTolerance *float64 `json:"parameter_tolerance,omitempty"`
	NumIterations      *int     `json:"num_iterations,omitempty"`
	NumThreads         *int     `json:"num_threads,omitempty"`

	// Linescan resampling density
	NumLinesPerPosition    *int `json:"num_lines_per_position,omitempty"`
	NumLinesPerOrientation *int `json:"num_lines_per_orientation,omitempty"`
}

// EmptySolveConfig returns a SolveConfig with all fields unset; every
// accessor then reports its default.
func EmptySolveConfig() *SolveConfig {
	return &SolveConfig{}
}

// LoadSolveConfig loads a SolveConfig from a JSON file. Fields omitted
// from the file retain their default values, so partial configs are safe.
func LoadSolveConfig(path string) (*SolveConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySolveConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are consistent. A failure
// here aborts before any optimization work with a single diagnostic line.
func (c *SolveConfig) Validate() error {
	if c.MaxInitialReprojErrorPx != nil && *c.MaxInitialReprojErrorPx <= 0 {
		return fmt.Errorf("max_initial_reprojection_error must be positive, got %f",
			*c.MaxInitialReprojErrorPx)
	}
	if c.RobustThreshold != nil && *c.RobustThreshold <= 0 {
		return fmt.Errorf("robust_threshold must be positive, got %f", *c.RobustThreshold)
	}
	if c.TriWeight != nil && *c.TriWeight < 0 {
		return fmt.Errorf("tri_weight must be non-negative, got %f", *c.TriWeight)
	}
	if c.HeightsFromDemUncertainty != nil && *c.HeightsFromDemUncertainty <= 0 {
		return fmt.Errorf("heights_from_dem_uncertainty must be positive, got %f",
			*c.HeightsFromDemUncertainty)
	}
	if c.CameraPositionWeight != nil && *c.CameraPositionWeight < 0 {
		return fmt.Errorf("camera_position_weight must be non-negative, got %f",
			*c.CameraPositionWeight)
	}
	if c.RotationWeight != nil && *c.RotationWeight < 0 {
		return fmt.Errorf("rotation_weight must be non-negative, got %f", *c.RotationWeight)
	}
	if c.QuatNormWeight != nil && *c.QuatNormWeight < 0 {
		return fmt.Errorf("quat_norm_weight must be non-negative, got %f", *c.QuatNormWeight)
	}
	if c.RollWeight != nil && *c.RollWeight < 0 {
		return fmt.Errorf("roll_weight must be non-negative, got %f", *c.RollWeight)
	}
	if c.YawWeight != nil && *c.YawWeight < 0 {
		return fmt.Errorf("yaw_weight must be non-negative, got %f", *c.YawWeight)
	}
	if c.NumAnchorPointsPerImage != nil && *c.NumAnchorPointsPerImage < 0 {
		return fmt.Errorf("num_anchor_points_per_image must be non-negative, got %d",
			*c.NumAnchorPointsPerImage)
	}
	if c.NumAnchorPointsPerTile != nil && *c.NumAnchorPointsPerTile < 0 {
		return fmt.Errorf("num_anchor_points_per_tile must be non-negative, got %d",
			*c.NumAnchorPointsPerTile)
	}
	if c.GetNumAnchorPointsPerImage() > 0 && c.GetNumAnchorPointsPerTile() > 0 {
		return fmt.Errorf("cannot set anchor points both per image and per tile")
	}
	if c.AnchorWeight != nil && *c.AnchorWeight < 0 {
		return fmt.Errorf("anchor_weight must be non-negative, got %f", *c.AnchorWeight)
	}
	if c.NumIterations != nil && *c.NumIterations <= 0 {
		return fmt.Errorf("num_iterations must be positive, got %d", *c.NumIterations)
	}
	if c.ParameterTolerance != nil && *c.ParameterTolerance <= 0 {
		return fmt.Errorf("parameter_tolerance must be positive, got %f", *c.ParameterTolerance)
	}
	return nil
}

// GetMaxInitialReprojErrorPx returns the outlier cutoff in pixels, which
// also sets the pose-sample time-window slack.
func (c *SolveConfig) GetMaxInitialReprojErrorPx() float64 {
	if c.MaxInitialReprojErrorPx == nil {
		return 10.0
	}
	return *c.MaxInitialReprojErrorPx
}

// GetRobustThreshold returns the Cauchy threshold for reprojection
// residuals.
func (c *SolveConfig) GetRobustThreshold() float64 {
	if c.RobustThreshold == nil {
		return 0.5
	}
	return *c.RobustThreshold
}

// GetTriWeight returns the triangulated-point inertia weight.
func (c *SolveConfig) GetTriWeight() float64 {
	if c.TriWeight == nil {
		return 0.1
	}
	return *c.TriWeight
}

// GetTriRobustThreshold returns the Cauchy threshold for the
// triangulated-point inertia.
func (c *SolveConfig) GetTriRobustThreshold() float64 {
	if c.TriRobustThreshold == nil {
		return 0.1
	}
	return *c.TriRobustThreshold
}

// GetHeightsFromDemUncertainty returns the DEM sigma in meters.
func (c *SolveConfig) GetHeightsFromDemUncertainty() float64 {
	if c.HeightsFromDemUncertainty == nil {
		return 10.0
	}
	return *c.HeightsFromDemUncertainty
}

// GetHeightsFromDemRobustThreshold returns the Cauchy threshold of the DEM
// constraint.
func (c *SolveConfig) GetHeightsFromDemRobustThreshold() float64 {
	if c.HeightsFromDemRobustThreshold == nil {
		return 0.1
	}
	return *c.HeightsFromDemRobustThreshold
}

// GetCameraPositionWeight returns the camera-position inertia multiplier.
func (c *SolveConfig) GetCameraPositionWeight() float64 {
	if c.CameraPositionWeight == nil {
		return 0.0
	}
	return *c.CameraPositionWeight
}

// GetCameraPositionRobustThreshold returns the Cauchy threshold of the
// camera-position inertia.
func (c *SolveConfig) GetCameraPositionRobustThreshold() float64 {
	if c.CameraPositionRobustThreshold == nil {
		return 0.1
	}
	return *c.CameraPositionRobustThreshold
}

// GetRotationWeight returns the rotation inertia weight.
func (c *SolveConfig) GetRotationWeight() float64 {
	if c.RotationWeight == nil {
		return 0.0
	}
	return *c.RotationWeight
}

// GetQuatNormWeight returns the quaternion unit-norm weight.
func (c *SolveConfig) GetQuatNormWeight() float64 {
	if c.QuatNormWeight == nil {
		return 1.0
	}
	return *c.QuatNormWeight
}

// GetRollWeight returns the roll constraint weight.
func (c *SolveConfig) GetRollWeight() float64 {
	if c.RollWeight == nil {
		return 0.0
	}
	return *c.RollWeight
}

// GetYawWeight returns the yaw constraint weight.
func (c *SolveConfig) GetYawWeight() float64 {
	if c.YawWeight == nil {
		return 0.0
	}
	return *c.YawWeight
}

// GetInitialCameraConstraint reports whether roll/yaw is measured against
// the initial camera pose instead of the along-track frame.
func (c *SolveConfig) GetInitialCameraConstraint() bool {
	if c.InitialCameraConstraint == nil {
		return false
	}
	return *c.InitialCameraConstraint
}

// GetNumAnchorPointsPerImage returns the per-image anchor count.
func (c *SolveConfig) GetNumAnchorPointsPerImage() int {
	if c.NumAnchorPointsPerImage == nil {
		return 0
	}
	return *c.NumAnchorPointsPerImage
}

// GetNumAnchorPointsPerTile returns the anchor count per 1024x1024 tile.
func (c *SolveConfig) GetNumAnchorPointsPerTile() int {
	if c.NumAnchorPointsPerTile == nil {
		return 0
	}
	return *c.NumAnchorPointsPerTile
}

// GetNumAnchorPointsExtraLines returns how many lines beyond the image
// range anchor points may be placed.
func (c *SolveConfig) GetNumAnchorPointsExtraLines() int {
	if c.NumAnchorPointsExtraLines == nil {
		return 0
	}
	return *c.NumAnchorPointsExtraLines
}

// GetAnchorWeight returns the weight given to each anchor point.
func (c *SolveConfig) GetAnchorWeight() float64 {
	if c.AnchorWeight == nil {
		return 0.0
	}
	return *c.AnchorWeight
}

// GetParameterTolerance returns the solver parameter tolerance.
func (c *SolveConfig) GetParameterTolerance() float64 {
	if c.ParameterTolerance == nil {
		return 1e-12
	}
	return *c.ParameterTolerance
}

// GetNumIterations returns the iteration cap.
func (c *SolveConfig) GetNumIterations() int {
	if c.NumIterations == nil {
		return 500
	}
	return *c.NumIterations
}

// GetNumThreads returns the residual-evaluation worker count; 0 lets the
// solver pick.
func (c *SolveConfig) GetNumThreads() int {
	if c.NumThreads == nil {
		return 0
	}
	return *c.NumThreads
}

// GetNumLinesPerPosition returns the resampling density for positions;
// 0 disables resampling.
func (c *SolveConfig) GetNumLinesPerPosition() int {
	if c.NumLinesPerPosition == nil {
		return 0
	}
	return *c.NumLinesPerPosition
}

// GetNumLinesPerOrientation returns the resampling density for
// orientations; 0 disables resampling.
func (c *SolveConfig) GetNumLinesPerOrientation() int {
	if c.NumLinesPerOrientation == nil {
		return 0
	}
	return *c.NumLinesPerOrientation
}
