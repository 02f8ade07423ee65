package models

import (
	"strings"
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
)

// MediaPlaceholder is replaced by the profile's media path in launch strategy arguments.
const MediaPlaceholder = "{media}"

// LaunchStrategy is one way of opening the timeout media, expressed as `am start` arguments.
type LaunchStrategy struct {
	Name string   `yaml:"name" json:"name"`
	Args []string `yaml:"args" json:"args"`
}

// VerifyProbe is an optional shell command whose output must contain Expect after an input switch.
type VerifyProbe struct {
	Args   []string `yaml:"args" json:"args"`
	Expect string   `yaml:"expect" json:"expect"`
}

// DeviceProfile holds the per-model remote-control recipe for a TV.
type DeviceProfile struct {
	InputKey        int              `yaml:"input_key" json:"input_key"`
	NavigationKey   int              `yaml:"navigation_key" json:"navigation_key"`
	NavigationSteps int              `yaml:"navigation_steps" json:"navigation_steps"`
	SelectKey       int              `yaml:"select_key" json:"select_key"`
	OpenDelay       time.Duration    `yaml:"open_delay" json:"open_delay"`
	StepDelay       time.Duration    `yaml:"step_delay" json:"step_delay"`
	SettleDelay     time.Duration    `yaml:"settle_delay" json:"settle_delay"`
	HomeBeforeMedia *bool            `yaml:"home_before_media" json:"home_before_media"`
	HomeDelay       time.Duration    `yaml:"home_delay" json:"home_delay"`
	MediaPath       string           `yaml:"media_path" json:"media_path"`
	VerifyMedia     *bool            `yaml:"verify_media" json:"verify_media"`
	LaunchTimeout   time.Duration    `yaml:"launch_timeout" json:"launch_timeout"`
	Launch          []LaunchStrategy `yaml:"launch" json:"launch"`
	Verify          *VerifyProbe     `yaml:"verify" json:"verify,omitempty"`
}

// DefaultLaunchStrategies tries a dedicated player, then a generic VIEW intent, then the gallery app.
func DefaultLaunchStrategies() []LaunchStrategy {
	return []LaunchStrategy{
		{Name: "vlc", Args: []string{"-n", "org.videolan.vlc/.gui.video.VideoPlayerActivity", "-d", "file://" + MediaPlaceholder}},
		{Name: "view", Args: []string{"-a", "android.intent.action.VIEW", "-d", "file://" + MediaPlaceholder, "-t", "video/mp4"}},
		{Name: "gallery", Args: []string{"-a", "android.intent.action.VIEW", "-n", "com.android.gallery3d/.app.MovieActivity", "-d", "file://" + MediaPlaceholder}},
	}
}

// DefaultProfile mirrors the most common Android TV input menu layout.
func DefaultProfile() DeviceProfile {
	home, verify := true, true
	return DeviceProfile{
		InputKey:        constants.KeyTVInput,
		NavigationKey:   constants.KeyDpadDown,
		NavigationSteps: 3,
		SelectKey:       constants.KeyDpadCenter,
		OpenDelay:       2 * time.Second,
		StepDelay:       1 * time.Second,
		SettleDelay:     3 * time.Second,
		HomeBeforeMedia: &home,
		HomeDelay:       3 * time.Second,
		MediaPath:       "/sdcard/Movies/hot.mp4",
		VerifyMedia:     &verify,
		LaunchTimeout:   constants.DefaultLaunchTimeout,
		Launch:          DefaultLaunchStrategies(),
	}
}

// WithDefaults fills every zero field of p from DefaultProfile.
func (p DeviceProfile) WithDefaults() DeviceProfile {
	return p.Inherit(DefaultProfile())
}

// Inherit fills every zero field of p from base, except the model-specific Verify probe.
// A negative NavigationSteps opts out of navigation and ends up zero.
func (p DeviceProfile) Inherit(base DeviceProfile) DeviceProfile {
	if p.InputKey == 0 {
		p.InputKey = base.InputKey
	}
	if p.NavigationKey == 0 {
		p.NavigationKey = base.NavigationKey
	}
	if p.NavigationSteps == 0 {
		p.NavigationSteps = base.NavigationSteps
	}
	if p.NavigationSteps < 0 {
		p.NavigationSteps = 0
	}
	if p.SelectKey == 0 {
		p.SelectKey = base.SelectKey
	}
	if p.OpenDelay == 0 {
		p.OpenDelay = base.OpenDelay
	}
	if p.StepDelay == 0 {
		p.StepDelay = base.StepDelay
	}
	if p.SettleDelay == 0 {
		p.SettleDelay = base.SettleDelay
	}
	if p.HomeBeforeMedia == nil {
		p.HomeBeforeMedia = base.HomeBeforeMedia
	}
	if p.HomeDelay == 0 {
		p.HomeDelay = base.HomeDelay
	}
	if p.MediaPath == "" {
		p.MediaPath = base.MediaPath
	}
	if p.VerifyMedia == nil {
		p.VerifyMedia = base.VerifyMedia
	}
	if p.LaunchTimeout == 0 {
		p.LaunchTimeout = base.LaunchTimeout
	}
	if len(p.Launch) == 0 {
		p.Launch = base.Launch
	}
	return p
}

// LaunchCommand builds the media launch command: the first strategy with the rest as fallbacks.
func (p DeviceProfile) LaunchCommand() Command {
	cmds := make([]Command, 0, len(p.Launch))
	for _, strategy := range p.Launch {
		args := make([]string, len(strategy.Args))
		for i, arg := range strategy.Args {
			args[i] = strings.ReplaceAll(arg, MediaPlaceholder, p.MediaPath)
		}
		cmds = append(cmds, LaunchIntentCommand(args...).WithLabel("launch "+strategy.Name).WithTimeout(p.LaunchTimeout))
	}
	if len(cmds) == 0 {
		return Command{}
	}
	return cmds[0].WithFallbacks(cmds[1:]...)
}
