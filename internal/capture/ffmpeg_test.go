package capture

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSourceEndedPatterns(t *testing.T) {
	t.Parallel()

	require.True(t, sourceEnded("[https] HTTP error 404 Not Found"))
	require.True(t, sourceEnded("Connection refused while reading"))
	require.True(t, sourceEnded("pipe:0: End of file"))
	require.False(t, sourceEnded("Unknown encoder 'libfoo'"))
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	t.Parallel()

	b := newTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defgh"))
	require.Equal(t, "defgh", b.String())
}

func TestRecordArgsUseClampedDuration(t *testing.T) {
	t.Parallel()

	args := recordArgs(RecordJob{Source: "https://edge.test/a.m3u8", Output: "/tmp/a.mp4", Duration: 45 * time.Second})
	joined := strings.Join(args, " ")
	require.Contains(t, joined, "-i https://edge.test/a.m3u8")
	require.Contains(t, joined, "-t 45")
	require.Contains(t, joined, "-c copy")
	require.Equal(t, "/tmp/a.mp4", args[len(args)-1])
}

func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o700))
	return path
}

func TestFFmpegRecordClassifiesSourceEnded(t *testing.T) {
	t.Parallel()

	bin := fakeBinary(t, `echo "Server returned 404 Not Found" >&2; exit 1`)
	res, err := NewFFmpeg(bin, nil).Record(context.Background(), RecordJob{
		Source: "x", Output: "y", Duration: time.Second, Deadline: 5 * time.Second, Grace: time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.SourceEnded)
	require.Contains(t, res.Diagnostics, "404")
}

func TestFFmpegRecordReportsOtherFailures(t *testing.T) {
	t.Parallel()

	bin := fakeBinary(t, `echo "Unknown encoder" >&2; exit 1`)
	_, err := NewFFmpeg(bin, nil).Record(context.Background(), RecordJob{
		Source: "x", Output: "y", Duration: time.Second, Deadline: 5 * time.Second, Grace: time.Second,
	})
	require.ErrorContains(t, err, "Unknown encoder")
}

func TestFFmpegRecordStopsAtDeadline(t *testing.T) {
	t.Parallel()

	bin := fakeBinary(t, `exec sleep 30`)
	start := time.Now()
	res, err := NewFFmpeg(bin, nil).Record(context.Background(), RecordJob{
		Source: "x", Output: "y", Duration: time.Second, Deadline: 100 * time.Millisecond, Grace: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestFFmpegRecordCancelIsFailure(t *testing.T) {
	t.Parallel()

	bin := fakeBinary(t, `trap 'echo "Connection refused" >&2; exit 1' INT; sleep 30 2>/dev/null & wait`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := NewFFmpeg(bin, nil).Record(ctx, RecordJob{
		Source: "x", Output: "y", Duration: time.Second, Deadline: 10 * time.Second, Grace: 500 * time.Millisecond,
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, res.SourceEnded)
	require.False(t, res.TimedOut)
}

func TestFFmpegProbe(t *testing.T) {
	t.Parallel()

	ok := fakeBinary(t, `exit 0`)
	require.NoError(t, NewFFmpeg(ok, nil).Probe(context.Background(), "x", time.Second))

	bad := fakeBinary(t, `echo "403 Forbidden" >&2; exit 1`)
	require.ErrorContains(t, NewFFmpeg(bad, nil).Probe(context.Background(), "x", time.Second), "403 Forbidden")
}
