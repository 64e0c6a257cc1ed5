package restream

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stalker-proxy/work/config"
)

func TestBuildArgs(t *testing.T) {
	args := BuildArgs(config.DefaultFFmpegCommand, "http://cdn.example/live 1.ts", "http://proxy:3128", 5*time.Second)
	assert.Equal(t, "-re", args[0])
	assert.Contains(t, args, "http://cdn.example/live 1.ts")
	assert.Contains(t, args, "http://proxy:3128")
	assert.Contains(t, args, "5000000")
	assert.Equal(t, "pipe:", args[len(args)-1])

	args = BuildArgs(config.DefaultFFmpegCommand, "http://cdn.example/live.ts", "", 5*time.Second)
	assert.NotContains(t, args, "-http_proxy")
	assert.NotContains(t, args, "<proxy>")
	assert.Equal(t, []string{"-re", "-timeout", "5000000", "-i", "http://cdn.example/live.ts"}, args[:5])
}

func TestWebArgs(t *testing.T) {
	args := WebArgs("http://cdn.example/a.ts", "")
	assert.NotContains(t, args, "-http_proxy")
	assert.Contains(t, args, "frag_keyframe+empty_moov")

	args = WebArgs("http://cdn.example/a.ts", "http://proxy:3128")
	assert.Equal(t, []string{"-loglevel", "panic", "-hide_banner", "-http_proxy", "http://proxy:3128", "-i"}, args[:6])
}

func TestPumpCopiesUntilUpstreamEnds(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("hello "))
		pw.Write([]byte("world"))
		pw.Close()
	}()

	rec := httptest.NewRecorder()
	firstByte := 0
	n, err := Pump(context.Background(), rec, pr, PumpOptions{
		StartTimeout: time.Second,
		StallTimeout: time.Second,
		PortalID:     "test",
		OnFirstByte:  func() { firstByte++ },
	})

	assert.ErrorIs(t, err, ErrUpstreamEnded)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, 1, firstByte)
	assert.True(t, rec.Flushed)
}

func TestPumpNoStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, _ := io.Pipe()
	_, err := Pump(context.Background(), httptest.NewRecorder(), pr, PumpOptions{
		StartTimeout: 20 * time.Millisecond,
		StallTimeout: time.Second,
	})
	assert.ErrorIs(t, err, ErrNoStart)
}

func TestPumpEmptyUpstreamIsNoStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	pw.Close()
	_, err := Pump(context.Background(), httptest.NewRecorder(), pr, PumpOptions{
		StartTimeout: time.Second,
		StallTimeout: time.Second,
	})
	assert.ErrorIs(t, err, ErrNoStart)
}

func TestPumpStall(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	go pw.Write([]byte("x"))

	n, err := Pump(context.Background(), httptest.NewRecorder(), pr, PumpOptions{
		StartTimeout: time.Second,
		StallTimeout: 30 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, int64(1), n)
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestPumpClientGone(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	go pw.Write([]byte("data"))

	_, err := Pump(context.Background(), brokenWriter{}, pr, PumpOptions{
		StartTimeout: time.Second,
		StallTimeout: time.Second,
	})
	assert.ErrorIs(t, err, ErrClientGone)
}

func TestPumpContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pr, _ := io.Pipe()
	_, err := Pump(ctx, httptest.NewRecorder(), pr, PumpOptions{
		StartTimeout: time.Second,
		StallTimeout: time.Second,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartReadsProcessOutput(t *testing.T) {
	p, err := Start(context.Background(), "sh", []string{"-c", "printf hello"})
	require.NoError(t, err)

	out, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func TestParseProbeOutput(t *testing.T) {
	out := []byte(`{
		"format": {"format_name": "mpegts", "bit_rate": "4500000"},
		"streams": [
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "avg_frame_rate": "50/1"},
			{"codec_type": "audio", "codec_name": "aac"}
		]
	}`)

	info := parseProbeOutput(out)
	assert.Equal(t, "mpegts", info.Container)
	assert.Equal(t, int64(4500000), info.Bitrate)
	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, "1920x1080", info.VideoResolution)
	assert.InDelta(t, 50.0, info.FPS, 0.001)
	assert.Equal(t, "aac", info.AudioCodec)

	assert.Equal(t, StreamInfo{}, parseProbeOutput([]byte("not json")))
	assert.Zero(t, parseFrameRate("25/0"))
}
