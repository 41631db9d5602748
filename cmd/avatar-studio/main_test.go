package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/menta2k/avatar-studio/pkg/features"
	"github.com/menta2k/avatar-studio/pkg/landmarks"
	"github.com/menta2k/avatar-studio/pkg/processing"
	"github.com/menta2k/avatar-studio/pkg/types"
)

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--env-file", ""}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func writeAvatar(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 2), 150, uint8(y * 2), 255})
		}
	}
	path := filepath.Join(dir, "avatar.png")
	if err := processing.NewProcessor().SaveImage(img, path, "png", 0, false); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigInitShowValidate(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote default configuration")

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Error("expected init to refuse overwriting without --overwrite")
	}

	out, _, err = runCLI(t, []string{"config", "validate"}, target)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	out, _, err = runCLI(t, []string{"config", "show"}, target)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "400x400")
	requireContains(t, out, "device /dev/video0")
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[camera]\nsource = \"screen\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := runCLI(t, []string{"config", "validate"}, path); err == nil {
		t.Error("expected invalid camera source to fail validation")
	}
}

func TestMissingExplicitConfig(t *testing.T) {
	_, _, err := runCLI(t, []string{"config", "show"}, filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestRenderDemo(t *testing.T) {
	dir := t.TempDir()
	avatar := writeAvatar(t, dir)
	outDir := filepath.Join(dir, "frames")

	out, _, err := runCLI(t, []string{"render", "--avatar", avatar, "--demo", "1s", "--fps", "10", "--out", outDir}, "")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	requireContains(t, out, "frames")

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Errorf("expected 10 frames, got %d", len(entries))
	}
	img, err := processing.NewProcessor().LoadImage(filepath.Join(outDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("load frame: %v", err)
	}
	if img.Bounds().Dx() != 400 {
		t.Errorf("expected canvas sized frame, got %v", img.Bounds())
	}
}

func TestRenderReplayCountsMissingFaces(t *testing.T) {
	dir := t.TempDir()
	face := landmarks.SyntheticFace(types.NeutralPose(), features.DefaultCalibration())
	data, err := json.Marshal(landmarks.Recording{Frames: []types.LandmarkSet{face, nil, face}})
	if err != nil {
		t.Fatal(err)
	}
	replay := filepath.Join(dir, "session.json")
	if err := os.WriteFile(replay, data, 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, []string{"render", "--replay", replay, "--out", filepath.Join(dir, "out"), "--format", "jpg"}, "")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "no face") && !strings.Contains(line, "1") {
			t.Errorf("expected one missing face, got %q", line)
		}
	}
	if files, _ := os.ReadDir(filepath.Join(dir, "out")); len(files) != 3 {
		t.Errorf("expected 3 frames, got %d", len(files))
	}
}

func TestRenderNeedsInput(t *testing.T) {
	if _, _, err := runCLI(t, []string{"render"}, ""); err == nil {
		t.Error("expected render without --replay or --demo to fail")
	}
	if _, _, err := runCLI(t, []string{"render", "--demo", "1s", "--format", "gif"}, ""); err == nil {
		t.Error("expected unsupported frame format to fail")
	}
}

func TestProbeWithoutFFmpeg(t *testing.T) {
	out, _, err := runCLI(t, []string{"probe", "--ffmpeg", filepath.Join(t.TempDir(), "no-ffmpeg")}, "")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	requireContains(t, out, "ffmpeg unavailable")
	requireContains(t, out, "WebP frame sequence")
	requireContains(t, out, "video/webm;codecs=vp9")
}

func TestLocate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := `{\"left_eye\":{\"x\":0.25,\"y\":0.3,\"w\":0.15,\"h\":0.08},\"right_eye\":{\"x\":0.6,\"y\":0.3,\"w\":0.15,\"h\":0.08},\"mouth\":{\"x\":0.35,\"y\":0.7,\"w\":0.3,\"h\":0.1},\"confidence\":0.9}`
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"` + content + `"}}]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	avatar := writeAvatar(t, dir)
	outDir := filepath.Join(dir, "debug")

	out, _, err := runCLI(t, []string{"locate", avatar, "--backend", "llamacpp", "--url", srv.URL, "--model", "minicpm", "--out", outDir}, "")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	requireContains(t, out, "vision:minicpm")
	requireContains(t, out, "0.700")
	for _, name := range []string{"avatar_layout.png", "avatar_left_eye.png", "avatar_right_eye.png", "avatar_mouth.png"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestLocateWithoutBackend(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := runCLI(t, []string{"locate", writeAvatar(t, dir)}, ""); err == nil {
		t.Error("expected locate to fail with no vision backend")
	}
}
