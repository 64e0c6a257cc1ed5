package restream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/utils"
)

// FFmpegBinary is the transcoder executable looked up on PATH.
var FFmpegBinary = "ffmpeg"

// readBufferSize is the chunk size used when reading from any upstream source.
const readBufferSize = 32 * 1024

// BuildArgs expands an ffmpeg argument template for one session. The placeholders
// <url>, <timeout> (microseconds) and <proxy> are replaced field by field, so a link
// containing spaces stays a single argument. Without a proxy the "-http_proxy <proxy>"
// pair is dropped entirely.
func BuildArgs(template, link, proxy string, timeout time.Duration) []string {
	fields := strings.Fields(template)
	micros := strconv.FormatInt(timeout.Microseconds(), 10)

	args := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		f := fields[i]

		if proxy == "" {
			if f == "-http_proxy" && i+1 < len(fields) && fields[i+1] == "<proxy>" {
				i++
				continue
			}
			if f == "<proxy>" {
				continue
			}
		}

		f = strings.ReplaceAll(f, "<url>", link)
		f = strings.ReplaceAll(f, "<timeout>", micros)
		f = strings.ReplaceAll(f, "<proxy>", proxy)
		args = append(args, f)
	}
	return args
}

// WebArgs returns the fragmented mp4 transcode used for in-browser previews.
func WebArgs(link, proxy string) []string {
	args := []string{"-loglevel", "panic", "-hide_banner"}
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}
	return append(args,
		"-i", link,
		"-vcodec", "copy",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov",
		"pipe:",
	)
}

// Process is a running transcoder whose stdout is the stream. Closing it kills the
// whole process group and reaps the child.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	closeOnce sync.Once
	waitErr   error
}

// Start launches binary with args in its own process group. Cancelling ctx kills the
// group as well.
func Start(ctx context.Context, binary string, args []string) (*Process, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	logger.Debug("{restream/ffmpeg - Start} Started %s (pid %d)", binary, cmd.Process.Pid)
	return &Process{cmd: cmd, stdout: stdout}, nil
}

// StartFFmpeg runs the transcoder for link, logging the command with the link masked.
func StartFFmpeg(ctx context.Context, args []string) (*Process, error) {
	logger.Debug("{restream/ffmpeg - StartFFmpeg} Command: %s %s", FFmpegBinary, maskArgs(args))
	return Start(ctx, FFmpegBinary, args)
}

func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Close stops the process. It is safe to call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		}
		p.waitErr = p.cmd.Wait()

		var exitErr *exec.ExitError
		if errors.As(p.waitErr, &exitErr) && exitErr.ExitCode() > 0 {
			logger.Debug("{restream/ffmpeg - Close} Process exited with code %d", exitErr.ExitCode())
		}
	})
	return nil
}

// maskArgs hides anything that looks like a URL.
func maskArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.Contains(a, "://") {
			out[i] = utils.ObfuscateURL(a)
		} else {
			out[i] = a
		}
	}
	return strings.Join(out, " ")
}
