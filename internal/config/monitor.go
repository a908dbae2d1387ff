package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/posture.report/internal/keypoint"
	"github.com/banshee-data/posture.report/internal/keypointsource"
	"github.com/banshee-data/posture.report/internal/notify"
	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/smoothing"
)

// DefaultConfigPath is the path to the canonical monitor defaults file.
const DefaultConfigPath = "config/posture.defaults.json"

// RelationConfig is one ideal-posture relation as written in the config file.
// Tolerance falls back to tolerance_degrees when omitted.
type RelationConfig struct {
	Upper       keypoint.Joint `json:"upper"`
	Lower       keypoint.Joint `json:"lower"`
	TargetAngle float64        `json:"target_angle"`
	Tolerance   *float64       `json:"tolerance,omitempty"`
}

// MonitorConfig is the root configuration for the posture monitor. Every
// field is optional; the Get* methods supply defaults.
type MonitorConfig struct {
	// Classification
	ConfidenceThreshold *float64         `json:"confidence_threshold,omitempty"`
	PoseChangeFrames    *int             `json:"pose_change_frames,omitempty"`
	MinUsableJoints     *int             `json:"min_usable_joints,omitempty"`
	ToleranceDegrees    *float64         `json:"tolerance_degrees,omitempty"`
	Relations           []RelationConfig `json:"relations,omitempty"`

	// Smoothing
	FramerateIndex    *int        `json:"framerate_index,omitempty"`
	SmoothingSections [][]float64 `json:"smoothing_sections,omitempty"`

	// Notification
	NotifyMode         *string `json:"notify_mode,omitempty"`
	NotifyNetwork      *string `json:"notify_network,omitempty"`
	NotifyAddress      *string `json:"notify_address,omitempty"`
	NotifyQueue        *int    `json:"notify_queue,omitempty"`
	NotifyWriteTimeout *string `json:"notify_write_timeout,omitempty"` // duration string like "100ms"

	// Diagnostics
	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "30s"

	// Serial source
	Serial *keypointsource.PortOptions `json:"serial,omitempty"`
}

// EmptyMonitorConfig returns a MonitorConfig with all fields unset.
func EmptyMonitorConfig() *MonitorConfig {
	return &MonitorConfig{}
}

// LoadMonitorConfig loads a MonitorConfig from a JSON file. The file must
// have a .json extension and be under 1MB. Omitted fields keep their
// defaults, so partial configs are safe.
func LoadMonitorConfig(path string) (*MonitorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyMonitorConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *MonitorConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadMonitorConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configured values are usable.
func (c *MonitorConfig) Validate() error {
	if c.ConfidenceThreshold != nil {
		if v := *c.ConfidenceThreshold; !(v >= 0 && v <= 1) {
			return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", v)
		}
	}
	if c.PoseChangeFrames != nil && *c.PoseChangeFrames < 1 {
		return fmt.Errorf("pose_change_frames must be at least 1, got %d", *c.PoseChangeFrames)
	}
	if c.MinUsableJoints != nil && *c.MinUsableJoints < 1 {
		return fmt.Errorf("min_usable_joints must be at least 1, got %d", *c.MinUsableJoints)
	}
	if c.ToleranceDegrees != nil {
		if v := *c.ToleranceDegrees; !(v > 0 && v <= 180) {
			return fmt.Errorf("tolerance_degrees must be in (0, 180], got %f", v)
		}
	}
	if _, err := c.IdealPosture(); err != nil {
		return err
	}

	if len(c.SmoothingSections) > 0 {
		if err := (smoothing.Settings{Sections: c.SmoothingSections}).Validate(); err != nil {
			return fmt.Errorf("smoothing_sections: %w", err)
		}
	}
	if c.FramerateIndex != nil {
		if n := len(c.Framerates()); *c.FramerateIndex < 0 || *c.FramerateIndex >= n {
			return fmt.Errorf("framerate_index must be in [0, %d], got %d", n-1, *c.FramerateIndex)
		}
	}

	switch c.GetNotifyMode() {
	case notify.ModeServer, notify.ModeBroadcast, notify.ModeUDP, notify.ModeDisabled:
	default:
		return fmt.Errorf("unknown notify_mode %q", *c.NotifyMode)
	}
	if c.NotifyNetwork != nil && *c.NotifyNetwork != "unix" && *c.NotifyNetwork != "tcp" {
		return fmt.Errorf("notify_network must be unix or tcp, got %q", *c.NotifyNetwork)
	}
	if c.NotifyQueue != nil && *c.NotifyQueue < 1 {
		return fmt.Errorf("notify_queue must be positive, got %d", *c.NotifyQueue)
	}
	for name, v := range map[string]*string{
		"notify_write_timeout": c.NotifyWriteTimeout,
		"stats_interval":       c.StatsInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

// GetConfidenceThreshold returns the confidence_threshold value or the default.
func (c *MonitorConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.5
	}
	return *c.ConfidenceThreshold
}

// GetPoseChangeFrames returns the pose_change_frames value or the default.
func (c *MonitorConfig) GetPoseChangeFrames() int {
	if c.PoseChangeFrames == nil {
		return 5
	}
	return *c.PoseChangeFrames
}

// GetMinUsableJoints returns the min_usable_joints value or the default.
func (c *MonitorConfig) GetMinUsableJoints() int {
	if c.MinUsableJoints == nil {
		return posture.DefaultMinUsableJoints
	}
	return *c.MinUsableJoints
}

// GetToleranceDegrees returns the tolerance_degrees value or the default.
func (c *MonitorConfig) GetToleranceDegrees() float64 {
	if c.ToleranceDegrees == nil {
		return 15
	}
	return *c.ToleranceDegrees
}

// GetFramerateIndex returns the framerate_index value or the default.
func (c *MonitorConfig) GetFramerateIndex() int {
	if c.FramerateIndex == nil {
		return smoothing.DefaultFramerateIndex
	}
	return *c.FramerateIndex
}

// GetNotifyMode returns the notify_mode value or the default.
func (c *MonitorConfig) GetNotifyMode() notify.Mode {
	if c.NotifyMode == nil || *c.NotifyMode == "" {
		return notify.ModeBroadcast
	}
	return notify.Mode(*c.NotifyMode)
}

// GetNotifyNetwork returns the notify_network value or the default.
func (c *MonitorConfig) GetNotifyNetwork() string {
	if c.NotifyNetwork == nil || *c.NotifyNetwork == "" {
		return "unix"
	}
	return *c.NotifyNetwork
}

// GetNotifyAddress returns the notify_address value or the default.
func (c *MonitorConfig) GetNotifyAddress() string {
	if c.NotifyAddress == nil || *c.NotifyAddress == "" {
		return "/tmp/posture.sock"
	}
	return *c.NotifyAddress
}

// GetNotifyQueue returns the notify_queue value or the default.
func (c *MonitorConfig) GetNotifyQueue() int {
	if c.NotifyQueue == nil {
		return 16
	}
	return *c.NotifyQueue
}

// GetNotifyWriteTimeout parses and returns notify_write_timeout.
func (c *MonitorConfig) GetNotifyWriteTimeout() time.Duration {
	return parseDurationOr(c.NotifyWriteTimeout, 100*time.Millisecond)
}

// GetStatsInterval parses and returns stats_interval.
func (c *MonitorConfig) GetStatsInterval() time.Duration {
	return parseDurationOr(c.StatsInterval, 30*time.Second)
}

// GetSerial returns the serial options or the defaults.
func (c *MonitorConfig) GetSerial() keypointsource.PortOptions {
	if c.Serial == nil {
		return keypointsource.PortOptions{}
	}
	return *c.Serial
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// IdealPosture builds the baseline. With no relations configured it is the
// upright spine chain.
func (c *MonitorConfig) IdealPosture() (posture.IdealPosture, error) {
	tol := c.GetToleranceDegrees()
	if len(c.Relations) == 0 {
		p := posture.UprightPosture(tol)
		p.MinUsableJoints = c.GetMinUsableJoints()
		return p, p.Validate()
	}
	p := posture.IdealPosture{MinUsableJoints: c.GetMinUsableJoints()}
	for _, r := range c.Relations {
		rel := posture.Relation{
			Upper:       r.Upper,
			Lower:       r.Lower,
			TargetAngle: r.TargetAngle,
			Tolerance:   tol,
		}
		if r.Tolerance != nil {
			rel.Tolerance = *r.Tolerance
		}
		p.Relations = append(p.Relations, rel)
	}
	if err := p.Validate(); err != nil {
		return posture.IdealPosture{}, err
	}
	return p, nil
}

// Framerates returns the framerate ladder, with smoothing_sections replacing
// every rung's coefficients when set.
func (c *MonitorConfig) Framerates() []smoothing.FramerateSetting {
	ladder := smoothing.DefaultFramerates()
	if len(c.SmoothingSections) == 0 {
		return ladder
	}
	for i := range ladder {
		ladder[i].Smoothing = smoothing.Settings{Sections: c.SmoothingSections}.Clone()
	}
	return ladder
}

// NotifyOptions returns the transport options.
func (c *MonitorConfig) NotifyOptions() notify.Options {
	return notify.Options{
		Mode:         c.GetNotifyMode(),
		Network:      c.GetNotifyNetwork(),
		Address:      c.GetNotifyAddress(),
		QueueSize:    c.GetNotifyQueue(),
		WriteTimeout: c.GetNotifyWriteTimeout(),
	}
}
