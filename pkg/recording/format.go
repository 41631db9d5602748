package recording

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/menta2k/avatar-studio/pkg/log"
)

var commandContext = exec.CommandContext

// DefaultPreferences is tried in order until one is supported.
var DefaultPreferences = []string{
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,opus",
	"video/webm;codecs=h264,opus",
	"video/webm",
}

// WebPSequenceMimeType marks the fallback used when no encoder is available.
const WebPSequenceMimeType = "image/webp;sequence=frames"

// Format is a negotiated recording format.
type Format struct {
	MimeType   string `json:"mime_type"`
	VideoCodec string `json:"video_codec,omitempty"` // ffmpeg encoder name
	AudioCodec string `json:"audio_codec,omitempty"`
	Muxer      string `json:"muxer,omitempty"`
	Extension  string `json:"extension"`
}

// Sequence reports whether the format writes a WebP frame sequence instead of
// a video file.
func (f Format) Sequence() bool {
	return f.MimeType == WebPSequenceMimeType
}

// WebPSequence is the encoder-free fallback format.
func WebPSequence() Format {
	return Format{MimeType: WebPSequenceMimeType, Extension: "frames"}
}

var videoEncoders = map[string]string{
	"vp9":  "libvpx-vp9",
	"vp8":  "libvpx",
	"h264": "libx264",
}

var audioEncoders = map[string]string{
	"opus": "libopus",
}

// Probe reports which encoders are available.
type Probe interface {
	Encoders(ctx context.Context) (map[string]bool, error)
}

// FFmpegProbe lists encoders with `ffmpeg -encoders`.
type FFmpegProbe struct {
	Binary string
}

func (p FFmpegProbe) Encoders(ctx context.Context) (map[string]bool, error) {
	binary := p.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	cmd := commandContext(ctx, binary, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("probe %s encoders: %w", binary, err)
	}
	return parseEncoders(out), nil
}

// parseEncoders reads the table printed by `ffmpeg -encoders`:
//
//	V....D libvpx-vp9           libvpx VP9 (codec vp9)
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	inTable := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "------") {
			inTable = true
			continue
		}
		if !inTable {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// Negotiate picks the first preferred mime type the encoders support. When the
// probe fails (no ffmpeg) the WebP sequence fallback is returned.
func Negotiate(ctx context.Context, probe Probe, prefs []string, withAudio bool) Format {
	if len(prefs) == 0 {
		prefs = DefaultPreferences
	}
	encoders, err := probe.Encoders(ctx)
	if err != nil {
		log.Warn(log.Fields{"error": err}, "video encoder unavailable, recording WebP frames")
		return WebPSequence()
	}

	for _, mime := range prefs {
		if f, ok := FormatFor(mime, encoders, withAudio); ok {
			return f
		}
	}
	log.Warn(log.Fields{"preferences": prefs}, "no preferred codec supported, recording WebP frames")
	return WebPSequence()
}

// FormatFor reports the format mime maps to when the given encoders exist.
func FormatFor(mime string, encoders map[string]bool, withAudio bool) (Format, bool) {
	container, codecs := parseMimeType(mime)
	if container != "video/webm" {
		return Format{}, false
	}

	f := Format{MimeType: mime, Muxer: "webm", Extension: "webm"}
	if len(codecs) == 0 {
		for _, enc := range []string{"libvpx-vp9", "libvpx"} {
			if encoders[enc] {
				f.VideoCodec = enc
				break
			}
		}
		if f.VideoCodec == "" {
			return Format{}, false
		}
		if withAudio && encoders["libopus"] {
			f.AudioCodec = "libopus"
		}
		return f, true
	}

	for _, codec := range codecs {
		if enc, ok := videoEncoders[codec]; ok {
			if !encoders[enc] {
				return Format{}, false
			}
			f.VideoCodec = enc
			continue
		}
		if enc, ok := audioEncoders[codec]; ok {
			if withAudio {
				if !encoders[enc] {
					return Format{}, false
				}
				f.AudioCodec = enc
			}
			continue
		}
		return Format{}, false
	}
	if f.VideoCodec == "" {
		return Format{}, false
	}
	// webm only carries VP8/VP9; h264 goes into plain matroska.
	if f.VideoCodec == "libx264" {
		f.Muxer = "matroska"
	}
	return f, true
}

// parseMimeType splits `video/webm;codecs=vp9,opus` into its container and
// codec list.
func parseMimeType(mime string) (string, []string) {
	parts := strings.SplitN(mime, ";", 2)
	container := strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) == 1 {
		return container, nil
	}
	param := strings.TrimSpace(parts[1])
	if !strings.HasPrefix(strings.ToLower(param), "codecs=") {
		return container, nil
	}
	list := strings.Trim(param[len("codecs="):], `"`)
	var codecs []string
	for _, c := range strings.Split(list, ",") {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			codecs = append(codecs, c)
		}
	}
	return container, codecs
}
