package meet

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diaslmb/tldv/internal/logging"
)

// DriverEnv is handed to the browser driver through its environment.
type DriverEnv struct {
	MeetingURL string
	BridgeURL  string
	BotName    string
}

func (e DriverEnv) environ() []string {
	return append(os.Environ(),
		"TLDV_MEETING_URL="+e.MeetingURL,
		"TLDV_BRIDGE_URL="+e.BridgeURL,
		"TLDV_BOT_NAME="+e.BotName,
	)
}

// Driver is the external browser-automation process that joins the meeting
// and reports to the bridge.
type Driver struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stdout *logging.LineWriter
	stderr *logging.LineWriter
	log    zerolog.Logger

	stopOnce sync.Once
	stopErr  error
}

// StartDriver launches command. onExit, when set, runs once the process
// exits for any reason.
func StartDriver(command []string, env DriverEnv, onExit func(error)) (*Driver, error) {
	if len(command) == 0 {
		return nil, errors.New("driver command is empty")
	}

	log := logging.WithComponent("driver")
	d := &Driver{
		done:   make(chan struct{}),
		stdout: logging.NewLineWriter(log, zerolog.DebugLevel, "stdout"),
		stderr: logging.NewLineWriter(log, zerolog.InfoLevel, "stderr"),
		log:    log,
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = env.environ()
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr
	// grandchildren may keep the output pipes open after the driver exits
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start driver %s: %w", command[0], err)
	}
	d.cmd = cmd

	log.Info().Int("pid", cmd.Process.Pid).Str("command", command[0]).Msg("driver started")

	go func() {
		d.err = cmd.Wait()
		d.stdout.Flush()
		d.stderr.Flush()
		close(d.done)

		evt := log.Info()
		if d.err != nil {
			evt = log.Warn().Err(d.err)
		}
		evt.Msg("driver exited")

		if onExit != nil {
			onExit(d.err)
		}
	}()

	return d, nil
}

func (d *Driver) Done() <-chan struct{} { return d.done }

// Stop interrupts the driver, waits up to grace, then kills it. Safe to
// call more than once.
func (d *Driver) Stop(grace time.Duration) error {
	d.stopOnce.Do(func() {
		select {
		case <-d.done:
			return
		default:
		}

		if err := d.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			d.log.Warn().Err(err).Msg("interrupt driver")
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-d.done:
			return
		case <-timer.C:
		}

		d.log.Warn().Dur("grace", grace).Msg("driver did not exit, killing")
		if err := d.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			d.stopErr = fmt.Errorf("kill driver: %w", err)
			return
		}
		<-d.done
	})
	return d.stopErr
}
