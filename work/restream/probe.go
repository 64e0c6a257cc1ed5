package restream

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/utils"
)

// FFprobeBinary is the probe executable looked up on PATH.
var FFprobeBinary = "ffprobe"

// StreamInfo is what a successful probe learned about a link.
type StreamInfo struct {
	Container       string  `json:"container"`
	VideoCodec      string  `json:"videoCodec"`
	AudioCodec      string  `json:"audioCodec"`
	VideoResolution string  `json:"videoResolution"`
	FPS             float64 `json:"fps"`
	Bitrate         int64   `json:"bitrate"`
}

// Probe checks that link is playable by running ffprobe against it. A zero exit status
// means playable. The open timeout is passed to ffprobe and also bounds the whole run.
func Probe(ctx context.Context, link, proxy string, timeout time.Duration) (StreamInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
	}
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}
	args = append(args,
		"-timeout", strconv.FormatInt(timeout.Microseconds(), 10),
		"-i", link,
	)

	// ffprobe honours -timeout per connection only; leave room for the analysis itself.
	ctx, cancel := context.WithTimeout(ctx, 2*timeout+5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, FFprobeBinary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	output, err := cmd.Output()
	if err != nil {
		logger.Debug("{restream/probe - Probe} Probe failed for %s: %v", utils.ObfuscateURL(link), err)
		return StreamInfo{}, fmt.Errorf("stream probe failed: %w", err)
	}

	return parseProbeOutput(output), nil
}

// parseProbeOutput extracts codec details from ffprobe's JSON. Unparseable output
// yields an empty StreamInfo; the exit status alone decides playability.
func parseProbeOutput(output []byte) StreamInfo {
	var result struct {
		Format struct {
			FormatName string `json:"format_name"`
			BitRate    string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			RFrameRate   string `json:"r_frame_rate"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
	}

	var info StreamInfo
	if err := json.Unmarshal(output, &result); err != nil {
		return info
	}

	info.Container = result.Format.FormatName
	if result.Format.BitRate != "" {
		if bitrate, err := strconv.ParseInt(result.Format.BitRate, 10, 64); err == nil {
			info.Bitrate = bitrate
		}
	}

	for _, stream := range result.Streams {
		switch stream.CodecType {
		case "video":
			if info.VideoCodec != "" {
				continue
			}
			info.VideoCodec = stream.CodecName
			if stream.Width > 0 && stream.Height > 0 {
				info.VideoResolution = strconv.Itoa(stream.Width) + "x" + strconv.Itoa(stream.Height)
			}
			info.FPS = parseFrameRate(stream.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseFrameRate(stream.RFrameRate)
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
		}
	}

	return info
}

// parseFrameRate converts "num/den" into frames per second, 0 when invalid.
func parseFrameRate(frameRate string) float64 {
	num, den, ok := strings.Cut(frameRate, "/")
	if !ok {
		return 0
	}

	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
