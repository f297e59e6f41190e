package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/rigctl/internal/device"
	"github.com/shaunagostinho/rigctl/internal/session"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Device.BaudRate != 9600 {
		t.Errorf("baud = %d, want 9600", cfg.Device.BaudRate)
	}
	if cfg.Session.Profile != session.DefaultProfile || cfg.Session.StopTimeoutMs != 0 {
		t.Errorf("session = %+v", cfg.Session)
	}

	cc := cfg.ControllerConfig()
	if cc.Handshake.ReadyTimeout != device.DefaultReadyTimeout || cc.Handshake.Settle != device.DefaultSettle || cc.Port.ReadTimeout != time.Second {
		t.Errorf("controller config = %+v", cc)
	}
	if cc.PollInterval != session.DefaultPollInterval || cc.StopTimeout != 0 {
		t.Errorf("poll %v, stop timeout %v", cc.PollInterval, cc.StopTimeout)
	}
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rigctl.yaml")
	yml := `
device:
  port_path: /dev/ttyUSB3
session:
  profile: social-conveyer
  data_dir: /srv/rig/data
  stop_timeout_ms: 5000
notify:
  type: webhook
  url: http://chat.local/hook
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# rig\nRIG_NOTIFY_TOKEN='abc'\nRIG_BAUD=115200\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RIG_NOTIFY_TOKEN", "")
	t.Setenv("RIG_BAUD", "")
	t.Setenv("RIG_DATA_DIR", "/tmp/override")
	t.Setenv("RIG_DEMO", "yes")
	t.Setenv("RIG_SETTLE_MS", "250")

	cfg := LoadConfig(path)

	if cfg.Device.PortPath != "/dev/ttyUSB3" || cfg.Session.Profile != "social-conveyer" {
		t.Errorf("yaml not applied: %+v %+v", cfg.Device, cfg.Session)
	}
	if cfg.Session.DataDir != "/tmp/override" {
		t.Errorf("data dir = %s, env must win over yaml", cfg.Session.DataDir)
	}
	if !cfg.Device.Demo {
		t.Error("RIG_DEMO not applied")
	}
	if cfg.Notify.Token != "abc" || cfg.Device.BaudRate != 115200 {
		t.Errorf(".env not applied: token %q baud %d", cfg.Notify.Token, cfg.Device.BaudRate)
	}
	if cfg.ControllerConfig().StopTimeout != 5*time.Second {
		t.Errorf("stop timeout = %v", cfg.ControllerConfig().StopTimeout)
	}
	if got := cfg.ControllerConfig().Handshake.Settle; got != 250*time.Millisecond {
		t.Errorf("settle = %v, want RIG_SETTLE_MS applied", got)
	}
	// Defaults survive for keys the file leaves out.
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rigctl.yaml")
	os.WriteFile(path, []byte("device: [not, a, map"), 0644)
	cfg := LoadConfig(path)
	if cfg.Device.PortPath != DefaultConfig().Device.PortPath {
		t.Errorf("bad yaml did not fall back to defaults: %+v", cfg.Device)
	}
}

func TestUpdateFromJSONDeepMerges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notify.Token = "secret"

	patch := `{"session": {"stopTimeoutMs": 3000}, "device": {"portPath": "/dev/ttyACM1"}}`
	if err := cfg.UpdateFromJSON([]byte(patch)); err != nil {
		t.Fatal(err)
	}
	if cfg.Session.StopTimeoutMs != 3000 || cfg.Device.PortPath != "/dev/ttyACM1" {
		t.Errorf("patch not applied: %+v %+v", cfg.Session, cfg.Device)
	}
	if cfg.Session.DataDir != "data" || cfg.Device.BaudRate != 9600 {
		t.Error("fields outside the patch were lost")
	}
	if cfg.Notify.Token != "secret" {
		t.Error("token lost in merge")
	}

	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]map[string]any
	json.Unmarshal(data, &m)
	if _, ok := m["notify"]["token"]; ok {
		t.Error("token exposed in JSON view")
	}

	if err := cfg.UpdateFromJSON([]byte("{")); err == nil {
		t.Error("invalid JSON accepted")
	}
}

func TestConfigSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rigctl.yaml")
	cfg := LoadConfig(path)
	cfg.Session.Recipient = "@lab"
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}
	again := LoadConfig(path)
	if again.Session.Recipient != "@lab" {
		t.Errorf("recipient = %q after reload", again.Session.Recipient)
	}
}
