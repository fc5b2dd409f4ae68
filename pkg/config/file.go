package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/headcal/pkg/calibration"
	"github.com/charlie0129/headcal/pkg/geometry"
	"github.com/charlie0129/headcal/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Unit:               ptr.To(string(geometry.Millimeters)),
		Scenario:           ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
		// Periodic verification is opt-in; it moves the machine unattended.
		Cron:           ptr.To(""),
		ConvergePasses: ptr.To(4),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// RawFileConfig is the on-disk layout. Pointer fields fall back to
// defaults when absent.
type RawFileConfig struct {
	Unit               *string           `json:"unit,omitempty"`
	Scenario           *string           `json:"scenario,omitempty"`
	AllowNonRootAccess *bool             `json:"allowNonRootAccess,omitempty"`
	Cron               *string           `json:"cron,omitempty"`
	ConvergePasses     *int              `json:"convergePasses,omitempty"`
	Backlash           *BacklashSettings `json:"backlash,omitempty"`

	Cameras     map[string]calibration.CameraCalibrationState `json:"cameras,omitempty"`
	HeadOffsets map[string]geometry.Location                  `json:"headOffsets,omitempty"`
	Axes        map[string]calibration.AxisBacklashProfile    `json:"axes,omitempty"`
	Fiducial    *calibration.FiducialLocation                 `json:"fiducial,omitempty"`
}

// NewRawFileConfigFromConfig snapshots c, with defaults filled in.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	raw := &RawFileConfig{
		Unit:               ptr.To(string(c.Unit())),
		Scenario:           ptr.To(c.ScenarioPath()),
		AllowNonRootAccess: ptr.To(c.AllowNonRootAccess()),
		Cron:               ptr.To(c.Cron()),
		ConvergePasses:     ptr.To(c.ConvergePasses()),
		Backlash:           ptr.To(c.Backlash()),
		Fiducial:           c.Fiducial(),
	}
	if f, ok := c.(*File); ok {
		f.mu.RLock()
		raw.Cameras = copyMap(f.c.Cameras)
		raw.HeadOffsets = copyMap(f.c.HeadOffsets)
		raw.Axes = copyMap(f.c.Axes)
		f.mu.RUnlock()
	}

	return raw, nil
}

func copyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (f *File) Unit() geometry.LengthUnit {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	u, err := geometry.ParseLengthUnit(ptr.Deref(f.c.Unit, *defaultFileConfig.Unit))
	if err != nil {
		logrus.WithError(err).Warn("invalid unit in config, using millimeters")
		return geometry.Millimeters
	}
	return u
}

func (f *File) ScenarioPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.Scenario, *defaultFileConfig.Scenario)
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.AllowNonRootAccess, *defaultFileConfig.AllowNonRootAccess)
}

func (f *File) Cron() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.Cron, *defaultFileConfig.Cron)
}

func (f *File) ConvergePasses() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.ConvergePasses, *defaultFileConfig.ConvergePasses)
}

func (f *File) Backlash() BacklashSettings {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.Backlash == nil {
		return BacklashSettings{}
	}
	b := *f.c.Backlash
	b.SpeedFactors = append([]float64(nil), b.SpeedFactors...)
	return b
}

func (f *File) CameraState(name string) (calibration.CameraCalibrationState, bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.c.Cameras[name]
	return s, ok
}

func (f *File) HeadOffset(name string) (geometry.Location, bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	l, ok := f.c.HeadOffsets[name]
	return l, ok
}

func (f *File) AxisProfile(name string) (calibration.AxisBacklashProfile, bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.c.Axes[name]
	return p, ok
}

func (f *File) Fiducial() *calibration.FiducialLocation {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.Fiducial == nil {
		return nil
	}
	fid := *f.c.Fiducial
	return &fid
}

func (f *File) SetScenarioPath(p string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Scenario = &p
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

func (f *File) SetCron(expr string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Cron = &expr
}

func (f *File) SetCameraState(name string, s calibration.CameraCalibrationState) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c.Cameras == nil {
		f.c.Cameras = map[string]calibration.CameraCalibrationState{}
	}
	f.c.Cameras[name] = s
}

func (f *File) SetHeadOffset(name string, l geometry.Location) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c.HeadOffsets == nil {
		f.c.HeadOffsets = map[string]geometry.Location{}
	}
	f.c.HeadOffsets[name] = l
}

func (f *File) SetAxisProfile(name string, p calibration.AxisBacklashProfile) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c.Axes == nil {
		f.c.Axes = map[string]calibration.AxisBacklashProfile{}
	}
	f.c.Axes[name] = p
}

// DeleteAxisProfile forgets the stored profile of an axis.
func (f *File) DeleteAxisProfile(name string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.c.Axes, name)
}

func (f *File) SetFiducial(fid *calibration.FiducialLocation) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if fid == nil {
		f.c.Fiducial = nil
		return
	}
	cp := *fid
	f.c.Fiducial = &cp
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file is an empty config, never a nil one.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Read it whole so an empty file can be told apart.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	cameras, offsets, axes := len(f.c.Cameras), len(f.c.HeadOffsets), len(f.c.Axes)
	hasFiducial := f.c.Fiducial != nil
	f.mu.RUnlock()

	return logrus.Fields{
		"unit":               f.Unit(),
		"scenario":           f.ScenarioPath(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
		"cron":               f.Cron(),
		"convergePasses":     f.ConvergePasses(),
		"cameras":            cameras,
		"headOffsets":        offsets,
		"axes":               axes,
		"fiducial":           hasFiducial,
	}
}
