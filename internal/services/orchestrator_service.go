package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/internal/utils"
	"github.com/benmeehan/adb-agent/pkg/adb"
	"github.com/rs/zerolog"
)

// Orchestrator actions, as reported in ActionResult.Action.
const (
	ActionConnect         = "connect"
	ActionSwitchInput     = "switch_input"
	ActionPlayTimeout     = "play_timeout_media"
	ActionSendKey         = "send_key"
	ActionControl         = "control"
	ActionTimeoutSequence = "timeout_sequence"
	ActionRestartDaemon   = "restart_daemon"
)

// controlKeys maps the named remote-control actions to key codes.
var controlKeys = map[string]int{
	"volume_up":   constants.KeyVolumeUp,
	"volume_down": constants.KeyVolumeDown,
	"mute":        constants.KeyMute,
	"power":       constants.KeyPower,
	"home":        constants.KeyHome,
	"back":        constants.KeyBack,
}

// Orchestrator performs high-level device operations.
type Orchestrator interface {
	Connect(ctx context.Context, address string) models.ActionResult
	SwitchToActiveInput(ctx context.Context, address string) models.ActionResult
	PlayTimeoutMedia(ctx context.Context, address string) models.ActionResult
	SendKey(ctx context.Context, address string, keycode int) models.ActionResult
	SendControl(ctx context.Context, address, action string) models.ActionResult
	RunTimeoutSequence(ctx context.Context, address string) models.ActionResult
	RestartDaemon(ctx context.Context) models.ActionResult
}

// OrchestratorService turns intents into ordered command sequences on one device.
type OrchestratorService struct {
	link              DeviceLink
	executor          CommandExecutor
	profiles          map[string]models.DeviceProfile
	defaultProfile    models.DeviceProfile
	autoRestartDaemon bool
	logger            zerolog.Logger
}

// NewOrchestratorService builds an orchestrator. profiles are keyed by device host and
// inherit defaultProfile's values where unset.
func NewOrchestratorService(link DeviceLink, executor CommandExecutor, defaultProfile models.DeviceProfile,
	profiles map[string]models.DeviceProfile, autoRestartDaemon bool, logger zerolog.Logger) *OrchestratorService {

	defaultProfile = defaultProfile.WithDefaults()
	byHost := make(map[string]models.DeviceProfile, len(profiles))
	for address, profile := range profiles {
		byHost[adb.Host(address)] = profile.Inherit(defaultProfile)
	}
	return &OrchestratorService{
		link:              link,
		executor:          executor,
		profiles:          byHost,
		defaultProfile:    defaultProfile,
		autoRestartDaemon: autoRestartDaemon,
		logger:            logger,
	}
}

// Profile returns the remote-control profile used for address.
func (o *OrchestratorService) Profile(address string) models.DeviceProfile {
	if profile, ok := o.profiles[adb.Host(address)]; ok {
		return profile
	}
	return o.defaultProfile
}

// Connect establishes the link to address.
func (o *OrchestratorService) Connect(ctx context.Context, address string) models.ActionResult {
	host := adb.Host(address)
	res := models.NewActionResult(ActionConnect, host)
	if err := o.connect(ctx, host); err != nil {
		res.Fail(err)
		return res
	}
	res.Succeed("connected")
	return res
}

// SwitchToActiveInput opens the input picker, walks the configured number of steps and
// confirms. Without a verification probe the switch is reported as unverified.
func (o *OrchestratorService) SwitchToActiveInput(ctx context.Context, address string) models.ActionResult {
	host := adb.Host(address)
	res := models.NewActionResult(ActionSwitchInput, host)
	profile := o.Profile(host)
	logger := o.logger.With().Str("address", host).Str("action", ActionSwitchInput).Logger()

	if err := o.connect(ctx, host); err != nil {
		res.Fail(err)
		return res
	}

	if !o.key(ctx, &res, host, profile.InputKey) || !o.pause(ctx, &res, profile.OpenDelay) {
		return res
	}
	for i := 0; i < profile.NavigationSteps; i++ {
		if !o.key(ctx, &res, host, profile.NavigationKey) || !o.pause(ctx, &res, profile.StepDelay) {
			return res
		}
	}
	if !o.key(ctx, &res, host, profile.SelectKey) || !o.pause(ctx, &res, profile.SettleDelay) {
		return res
	}

	if profile.Verify == nil {
		logger.Info().Msg("Input switch sequence sent, no verification probe configured")
		res.Succeed("input switch sequence sent (unverified)")
		return res
	}

	step := o.executor.Execute(ctx, host, models.RawShellCommand(profile.Verify.Args...).WithLabel("verify input"))
	res.Steps = append(res.Steps, step)
	if !step.OK() {
		res.FailStep(step)
		return res
	}
	verified := strings.Contains(step.Stdout, profile.Verify.Expect)
	res.Verified = &verified
	if !verified {
		logger.Warn().Str("expect", profile.Verify.Expect).Msg("Input switch verification did not match")
		res.Fail(models.NewControlError(models.KindCommandFailed, ActionSwitchInput, host,
			fmt.Errorf("verification output does not contain %q", profile.Verify.Expect)))
		return res
	}
	res.Succeed("switched to active input (verified)")
	return res
}

// PlayTimeoutMedia connects and opens the timeout video, trying each launch strategy in turn.
func (o *OrchestratorService) PlayTimeoutMedia(ctx context.Context, address string) models.ActionResult {
	host := adb.Host(address)
	res := models.NewActionResult(ActionPlayTimeout, host)
	if err := o.connect(ctx, host); err != nil {
		res.Fail(err)
		return res
	}
	o.playMedia(ctx, &res, host)
	return res
}

// RunTimeoutSequence is what a session expiry does: connect, then play the timeout media.
// A failed connect is returned without attempting playback.
func (o *OrchestratorService) RunTimeoutSequence(ctx context.Context, address string) models.ActionResult {
	host := adb.Host(address)
	res := models.NewActionResult(ActionTimeoutSequence, host)
	if err := o.connect(ctx, host); err != nil {
		o.logger.Error().Err(err).Str("address", host).Msg("Timeout sequence could not reach device")
		res.Fail(err)
		return res
	}
	o.playMedia(ctx, &res, host)
	return res
}

func (o *OrchestratorService) playMedia(ctx context.Context, res *models.ActionResult, host string) {
	profile := o.Profile(host)

	if profile.HomeBeforeMedia != nil && *profile.HomeBeforeMedia {
		if !o.key(ctx, res, host, constants.KeyHome) || !o.pause(ctx, res, profile.HomeDelay) {
			return
		}
	}

	if profile.VerifyMedia != nil && *profile.VerifyMedia {
		step := o.executor.Execute(ctx, host, models.RawShellCommand("ls", profile.MediaPath).WithLabel("check media"))
		res.Steps = append(res.Steps, step)
		// old adb versions exit 0 even when the remote ls failed
		missing := strings.Contains(step.Stdout+step.Stderr, "No such file")
		if !step.OK() || missing {
			if step.ErrorKind.Unreachable() || step.ErrorKind == models.KindCommandTimedOut {
				res.FailStep(step)
				return
			}
			res.Fail(models.NewControlError(models.KindCommandFailed, "check media", host,
				fmt.Errorf("media file %s not found on device", profile.MediaPath)))
			return
		}
	}

	cmd := profile.LaunchCommand()
	if cmd.Category == "" {
		res.Fail(models.NewControlError(models.KindInvalidRequest, res.Action, host, errors.New("no launch strategies configured")))
		return
	}
	step := o.executor.Execute(ctx, host, cmd)
	res.Steps = append(res.Steps, step)
	if !step.OK() {
		o.logger.Error().Str("address", host).Int("attempts", step.Attempts).Str("error", step.Error).Msg("Every media launch strategy failed")
		res.FailStep(step)
		return
	}
	res.Succeed(fmt.Sprintf("timeout media playing (%s)", step.Label))
}

// SendKey presses one key, with no fallback.
func (o *OrchestratorService) SendKey(ctx context.Context, address string, keycode int) models.ActionResult {
	return o.sendKey(ctx, ActionSendKey, address, keycode)
}

// SendControl presses the key for a named control action such as volume_up or power.
func (o *OrchestratorService) SendControl(ctx context.Context, address, action string) models.ActionResult {
	keycode, ok := controlKeys[action]
	if !ok {
		res := models.NewActionResult(ActionControl, adb.Host(address))
		res.Fail(models.NewControlError(models.KindInvalidRequest, ActionControl, adb.Host(address), fmt.Errorf("unknown control action %q", action)))
		return res
	}
	return o.sendKey(ctx, ActionControl+":"+action, address, keycode)
}

func (o *OrchestratorService) sendKey(ctx context.Context, action, address string, keycode int) models.ActionResult {
	host := adb.Host(address)
	res := models.NewActionResult(action, host)
	if keycode <= 0 {
		res.Fail(models.NewControlError(models.KindInvalidRequest, action, host, fmt.Errorf("invalid keycode %d", keycode)))
		return res
	}
	if err := o.connect(ctx, host); err != nil {
		res.Fail(err)
		return res
	}
	if !o.key(ctx, &res, host, keycode) {
		return res
	}
	res.Succeed(fmt.Sprintf("key %d sent", keycode))
	return res
}

// RestartDaemon restarts the local adb server.
func (o *OrchestratorService) RestartDaemon(ctx context.Context) models.ActionResult {
	res := models.NewActionResult(ActionRestartDaemon, "")
	if err := o.link.RestartDaemon(ctx); err != nil {
		res.Fail(err)
		return res
	}
	res.Succeed("daemon restarted")
	return res
}

// connect links to host, restarting the daemon once when it is the daemon that is down.
func (o *OrchestratorService) connect(ctx context.Context, host string) error {
	_, err := o.link.Connect(ctx, host)
	if err == nil || !o.autoRestartDaemon || models.KindOf(err) != models.KindDaemonUnreachable {
		return err
	}

	o.logger.Warn().Err(err).Str("address", host).Msg("Daemon unreachable, restarting before one more connect")
	if restartErr := o.link.RestartDaemon(ctx); restartErr != nil {
		o.logger.Error().Err(restartErr).Msg("Daemon restart failed")
		return err
	}
	_, err = o.link.Connect(ctx, host)
	return err
}

func (o *OrchestratorService) key(ctx context.Context, res *models.ActionResult, host string, keycode int) bool {
	step := o.executor.Execute(ctx, host, models.KeyEventCommand(keycode))
	res.Steps = append(res.Steps, step)
	if !step.OK() {
		res.FailStep(step)
		return false
	}
	return true
}

func (o *OrchestratorService) pause(ctx context.Context, res *models.ActionResult, d time.Duration) bool {
	if err := utils.SleepContext(ctx, d); err != nil {
		kind := models.KindCommandFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.KindCommandTimedOut
		}
		res.Fail(models.NewControlError(kind, res.Action, res.Address, err))
		return false
	}
	return true
}
