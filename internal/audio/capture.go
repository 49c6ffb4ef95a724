package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diaslmb/tldv/internal/logging"
)

const defaultSampleRate = 16000

// Process is a running capture. Only the Supervisor signals it.
type Process interface {
	Interrupt() error
	Kill() error
	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) error
}

// Capturer starts an external process that records meeting audio to
// outputPath and exits on its own once maxDuration has elapsed.
type Capturer interface {
	StartCapture(ctx context.Context, outputPath string, maxDuration time.Duration) (Process, error)
}

// FFmpegCapturer records from a system audio source (PulseAudio monitor by
// default) into a mono WAV file.
type FFmpegCapturer struct {
	Command     string
	InputFormat string
	InputDevice string
	SampleRate  int
}

func (c FFmpegCapturer) args(outputPath string, maxDuration time.Duration) []string {
	inputFormat := c.InputFormat
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	inputDevice := c.InputDevice
	if inputDevice == "" {
		inputDevice = "default"
	}
	sampleRate := c.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", inputFormat,
		"-i", inputDevice,
	}
	if maxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(maxDuration.Seconds(), 'f', 0, 64))
	}
	return append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "wav",
		outputPath,
	)
}

func (c FFmpegCapturer) StartCapture(ctx context.Context, outputPath string, maxDuration time.Duration) (Process, error) {
	command := c.Command
	if command == "" {
		command = "ffmpeg"
	}
	return startProcess(ctx, command, c.args(outputPath, maxDuration))
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *logging.LineWriter
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func startProcess(ctx context.Context, command string, args []string) (*execProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := logging.WithComponent("capture")
	p := &execProcess{
		stderr: logging.NewLineWriter(log, zerolog.DebugLevel, "stderr"),
		done:   make(chan struct{}),
	}

	// not CommandContext: cancellation must go through Interrupt so the
	// output file is finalized
	cmd := exec.Command(command, args...)
	cmd.Stderr = p.stderr
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	p.cmd = cmd

	log.Info().Int("pid", cmd.Process.Pid).Str("command", command).Strs("args", args).Msg("capture started")

	go func() {
		err := cmd.Wait()
		p.stderr.Flush()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *execProcess) Interrupt() error {
	err := p.cmd.Process.Signal(os.Interrupt)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
