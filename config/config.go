// Package config implements attribute evaluation and validation for the visual SLAM tracking service.
package config

import (
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// newError returns an error specific to a failure in the tracking config.
func newError(configError string) error {
	return errors.Errorf("tracking service configuration error: %s", configError)
}

// SensorMode identifies which capture modalities feed the tracker.
type SensorMode int

// Supported sensor modes.
const (
	Monocular SensorMode = iota
	Stereo
	RGBD
	MonocularInertial
	StereoInertial
	RGBDInertial
)

// ParseSensorMode converts a mode attribute string into a SensorMode.
func ParseSensorMode(mode string) (SensorMode, error) {
	switch strings.ToLower(mode) {
	case "mono":
		return Monocular, nil
	case "stereo":
		return Stereo, nil
	case "rgbd":
		return RGBD, nil
	case "mono-inertial":
		return MonocularInertial, nil
	case "stereo-inertial":
		return StereoInertial, nil
	case "rgbd-inertial":
		return RGBDInertial, nil
	default:
		return 0, newError("mode must be one of mono|stereo|rgbd, optionally with an -inertial suffix")
	}
}

// IsInertial reports whether the mode carries an IMU stream.
func (m SensorMode) IsInertial() bool {
	return m == MonocularInertial || m == StereoInertial || m == RGBDInertial
}

// HasDepth reports whether per-keypoint depth is available at capture time.
func (m SensorMode) HasDepth() bool {
	switch m {
	case Stereo, StereoInertial, RGBD, RGBDInertial:
		return true
	default:
		return false
	}
}

func (m SensorMode) String() string {
	switch m {
	case Monocular:
		return "mono"
	case Stereo:
		return "stereo"
	case RGBD:
		return "rgbd"
	case MonocularInertial:
		return "mono-inertial"
	case StereoInertial:
		return "stereo-inertial"
	case RGBDInertial:
		return "rgbd-inertial"
	}
	return "unknown"
}

// CameraConfig holds the camera intrinsics and capture geometry.
type CameraConfig struct {
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	Fx               float64   `json:"fx"`
	Fy               float64   `json:"fy"`
	Cx               float64   `json:"cx"`
	Cy               float64   `json:"cy"`
	Distortion       []float64 `json:"distortion"`
	StereoBaselineFx float64   `json:"stereo_bf"`
	FPS              float64   `json:"fps"`
	RGB              *bool     `json:"rgb"`
	DepthMapFactor   float64   `json:"depth_map_factor"`
	DepthThreshold   float64   `json:"depth_threshold"`
	PyramidLevels    int       `json:"pyramid_levels"`
	ScaleFactor      float64   `json:"scale_factor"`
}

// IMUConfig holds the inertial sensor-to-body calibration and noise model.
type IMUConfig struct {
	Frequency   float64   `json:"frequency_hz"`
	NoiseGyro   float64   `json:"noise_gyro"`
	NoiseAcc    float64   `json:"noise_acc"`
	WalkGyro    float64   `json:"walk_gyro"`
	WalkAcc     float64   `json:"walk_acc"`
	Translation []float64 `json:"body_from_camera_translation"`
	Rotation    []float64 `json:"body_from_camera_quaternion"`
	// InsertKFsWhenLost keeps inserting keyframes while recently lost so the
	// inertial bridge has anchors to attach to.
	InsertKFsWhenLost *bool `json:"insert_keyframes_when_lost"`
}

// Tuning holds the policy constants of the tracker. All thresholds are deliberately
// configuration rather than code so deployments can tune them per camera rig.
type Tuning struct {
	MinInliersForOK        int     `json:"min_inliers_ok"`
	MinMatchesMotionModel  int     `json:"min_matches_motion_model"`
	MinMatchesReference    int     `json:"min_matches_reference"`
	RecentlyLostBudgetSec  float64 `json:"recently_lost_budget_sec"`
	MaxLocalKeyFrames      int     `json:"max_local_keyframes"`
	SearchRadiusPx         float64 `json:"search_radius_px"`
	MaxDescriptorDistance  int     `json:"max_descriptor_distance"`
	MatchNNRatio           float64 `json:"match_nn_ratio"`
	RelocMinMatches        int     `json:"reloc_min_matches"`
	RelocMinInliers        int     `json:"reloc_min_inliers"`
	MonoMinInitMatches     int     `json:"mono_min_init_matches"`
	KeyFrameRefRatio       float64 `json:"keyframe_ref_ratio"`
	MinCloseSeeds          int     `json:"min_close_seeds"`
	ReprojectionChi2       float64 `json:"reprojection_chi2"`
	InertialInitWindowSec  float64 `json:"inertial_init_window_sec"`
	BiasEstimationWindow   int     `json:"bias_estimation_window"`
	MinFramesBetweenKFs    int     `json:"min_frames_between_keyframes"`
	MaxFramesBetweenKFs    int     `json:"max_frames_between_keyframes"`
	NewMapAfterLostRetries int     `json:"new_map_after_lost_retries"`
}

// Config describes how to configure the tracking service.
type Config struct {
	Mode   string       `json:"mode"`
	Camera CameraConfig `json:"camera"`
	IMU    *IMUConfig   `json:"imu"`
	Tuning Tuning       `json:"tuning"`
}

// Default policy values applied by GetOptionalParameters when unset.
const (
	defaultMinInliersForOK        = 30
	defaultMinMatchesMotionModel  = 20
	defaultMinMatchesReference    = 15
	defaultRecentlyLostBudgetSec  = 5.0
	defaultMaxLocalKeyFrames      = 80
	defaultSearchRadiusPx         = 15.0
	defaultMaxDescriptorDistance  = 50
	defaultMatchNNRatio           = 0.75
	defaultRelocMinMatches        = 15
	defaultRelocMinInliers        = 50
	defaultMonoMinInitMatches     = 100
	defaultKeyFrameRefRatio       = 0.75
	defaultMinCloseSeeds          = 100
	defaultReprojectionChi2       = 5.991
	defaultInertialInitWindowSec  = 1.0
	defaultBiasEstimationWindow   = 10
	defaultNewMapAfterLostRetries = 5
)

// NewConfig decodes an attribute map into a validated Config.
func NewConfig(attributes map[string]interface{}) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &cfg})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, newError(err.Error())
	}
	if _, err := cfg.Validate(""); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures all parts of the config are valid. Any error here is fatal at
// startup: the service must not accept frames with a partially valid calibration.
func (config *Config) Validate(path string) ([]string, error) {
	if config.Mode == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "mode")
	}
	mode, err := ParseSensorMode(config.Mode)
	if err != nil {
		return nil, err
	}

	cam := config.Camera
	if cam.Width <= 0 || cam.Height <= 0 {
		return nil, newError("camera width and height must be positive")
	}
	if cam.Fx <= 0 || cam.Fy <= 0 {
		return nil, newError("camera focal lengths fx and fy must be positive")
	}
	if cam.Cx <= 0 || cam.Cy <= 0 {
		return nil, newError("camera principal point cx and cy must be positive")
	}
	if cam.FPS <= 0 {
		return nil, newError("camera fps must be positive")
	}
	if cam.ScaleFactor != 0 && cam.ScaleFactor <= 1 {
		return nil, newError("pyramid scale_factor must be greater than 1")
	}

	switch mode {
	case Stereo, StereoInertial:
		if cam.StereoBaselineFx <= 0 {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "camera.stereo_bf")
		}
	case RGBD, RGBDInertial:
		if cam.DepthMapFactor <= 0 {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "camera.depth_map_factor")
		}
		if cam.StereoBaselineFx <= 0 {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "camera.stereo_bf")
		}
	case Monocular, MonocularInertial:
	}

	if mode.IsInertial() {
		if config.IMU == nil {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "imu")
		}
		if config.IMU.Frequency <= 0 {
			return nil, newError("imu frequency_hz must be positive")
		}
		if config.IMU.NoiseGyro <= 0 || config.IMU.NoiseAcc <= 0 {
			return nil, newError("imu noise densities must be positive")
		}
		if config.IMU.WalkGyro <= 0 || config.IMU.WalkAcc <= 0 {
			return nil, newError("imu random walk parameters must be positive")
		}
		if len(config.IMU.Translation) != 0 && len(config.IMU.Translation) != 3 {
			return nil, newError("imu body_from_camera_translation must have exactly 3 elements")
		}
		if len(config.IMU.Rotation) != 0 && len(config.IMU.Rotation) != 4 {
			return nil, newError("imu body_from_camera_quaternion must have exactly 4 elements (w x y z)")
		}
	}

	t := config.Tuning
	if t.RecentlyLostBudgetSec < 0 {
		return nil, newError("cannot specify recently_lost_budget_sec less than zero")
	}
	if t.MaxLocalKeyFrames < 0 {
		return nil, newError("cannot specify max_local_keyframes less than zero")
	}
	if t.MatchNNRatio < 0 || t.MatchNNRatio > 1 {
		return nil, newError("match_nn_ratio must be in [0, 1]")
	}

	return nil, nil
}

// GetOptionalParameters fills any unset policy tunables with defaults and returns
// the resolved tuning. Keyframe spacing defaults are derived from the frame rate.
func GetOptionalParameters(config *Config, logger logging.Logger) Tuning {
	t := config.Tuning

	if t.MinInliersForOK == 0 {
		t.MinInliersForOK = defaultMinInliersForOK
	}
	if t.MinMatchesMotionModel == 0 {
		t.MinMatchesMotionModel = defaultMinMatchesMotionModel
	}
	if t.MinMatchesReference == 0 {
		t.MinMatchesReference = defaultMinMatchesReference
	}
	if t.RecentlyLostBudgetSec == 0 {
		logger.Debugf("no recently_lost_budget_sec given, setting to default value of %v", defaultRecentlyLostBudgetSec)
		t.RecentlyLostBudgetSec = defaultRecentlyLostBudgetSec
	}
	if t.MaxLocalKeyFrames == 0 {
		t.MaxLocalKeyFrames = defaultMaxLocalKeyFrames
	}
	if t.SearchRadiusPx == 0 {
		t.SearchRadiusPx = defaultSearchRadiusPx
	}
	if t.MaxDescriptorDistance == 0 {
		t.MaxDescriptorDistance = defaultMaxDescriptorDistance
	}
	if t.MatchNNRatio == 0 {
		t.MatchNNRatio = defaultMatchNNRatio
	}
	if t.RelocMinMatches == 0 {
		t.RelocMinMatches = defaultRelocMinMatches
	}
	if t.RelocMinInliers == 0 {
		t.RelocMinInliers = defaultRelocMinInliers
	}
	if t.MonoMinInitMatches == 0 {
		t.MonoMinInitMatches = defaultMonoMinInitMatches
	}
	if t.KeyFrameRefRatio == 0 {
		t.KeyFrameRefRatio = defaultKeyFrameRefRatio
	}
	if t.MinCloseSeeds == 0 {
		t.MinCloseSeeds = defaultMinCloseSeeds
	}
	if t.ReprojectionChi2 == 0 {
		t.ReprojectionChi2 = defaultReprojectionChi2
	}
	if t.InertialInitWindowSec == 0 {
		t.InertialInitWindowSec = defaultInertialInitWindowSec
	}
	if t.BiasEstimationWindow == 0 {
		t.BiasEstimationWindow = defaultBiasEstimationWindow
	}
	if t.NewMapAfterLostRetries == 0 {
		t.NewMapAfterLostRetries = defaultNewMapAfterLostRetries
	}

	// Keyframe spacing follows the capture rate: at most one keyframe per second of
	// video unless quality collapses, at least one before tracking drifts too far.
	if t.MaxFramesBetweenKFs == 0 {
		t.MaxFramesBetweenKFs = int(config.Camera.FPS)
		logger.Debugf("no max_frames_between_keyframes given, deriving %d from fps", t.MaxFramesBetweenKFs)
	}
	if t.MinFramesBetweenKFs < 0 {
		t.MinFramesBetweenKFs = 0
	}

	return t
}
