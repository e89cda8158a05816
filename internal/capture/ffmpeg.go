package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RecordJob describes one transcoder run.
type RecordJob struct {
	Source   string
	Output   string
	Duration time.Duration
	// Deadline is the hard wall-clock limit for the whole run.
	Deadline time.Duration
	// Grace is how long the process may take to exit after a soft stop.
	Grace time.Duration
}

// RecordResult summarizes how a run ended when it produced output.
type RecordResult struct {
	// SourceEnded is set when diagnostics show the stream went away mid-capture.
	SourceEnded bool
	// TimedOut is set when the hard deadline stopped the run.
	TimedOut    bool
	Diagnostics string
}

// Transcoder is the external capture tool.
type Transcoder interface {
	Probe(ctx context.Context, source string, timeout time.Duration) error
	Record(ctx context.Context, job RecordJob) (RecordResult, error)
}

var sourceEndedPatterns = []string{
	"connection refused",
	"404 not found",
	"server returned 404",
	"403 forbidden",
	"server returned 403",
	"end of file",
	"invalid data found when processing input",
}

// sourceEnded reports whether transcoder diagnostics indicate the source went offline.
func sourceEnded(diagnostics string) bool {
	lower := strings.ToLower(diagnostics)
	for _, p := range sourceEndedPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// FFmpeg runs the ffmpeg binary as a subprocess.
type FFmpeg struct {
	path   string
	logger *zap.Logger
}

// NewFFmpeg returns a Transcoder using the binary at path.
func NewFFmpeg(path string, logger *zap.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{path: path, logger: logger.Named("ffmpeg")}
}

// Probe reads one second of source and discards it.
func (f *FFmpeg) Probe(ctx context.Context, source string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stderr := newTailBuffer(8 << 10)
	cmd := f.command(ctx, time.Second, stderr, probeArgs(source)...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("probe %s: %w: %s", source, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Record captures job.Duration of job.Source into job.Output. On deadline the
// process receives SIGINT, then SIGKILL after job.Grace; output written so far is kept.
func (f *FFmpeg) Record(ctx context.Context, job RecordJob) (RecordResult, error) {
	ctx, cancel := context.WithTimeout(ctx, job.Deadline)
	defer cancel()

	stderr := newTailBuffer(64 << 10)
	cmd := f.command(ctx, job.Grace, stderr, recordArgs(job)...)
	start := time.Now()
	err := cmd.Run()
	diag := strings.TrimSpace(stderr.String())
	f.logger.Debug("ffmpeg exited",
		zap.String("candidate", job.Source),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)

	res := RecordResult{Diagnostics: diag}
	switch {
	case err == nil:
		return res, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		return res, nil
	case ctx.Err() != nil:
		return res, fmt.Errorf("ffmpeg record: %w", ctx.Err())
	case sourceEnded(diag):
		res.SourceEnded = true
		return res, nil
	default:
		return res, fmt.Errorf("ffmpeg record: %w: %s", err, diag)
	}
}

func (f *FFmpeg) command(ctx context.Context, grace time.Duration, stderr *tailBuffer, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace
	return cmd
}

func probeArgs(source string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-rw_timeout", "5000000",
		"-i", source,
		"-t", "1",
		"-f", "null", "-",
	}
}

func recordArgs(job RecordJob) []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-rw_timeout", "15000000",
		"-err_detect", "ignore_err",
		"-fflags", "+genpts+discardcorrupt",
		"-i", job.Source,
		"-t", strconv.Itoa(int(job.Duration.Seconds())),
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		job.Output,
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
