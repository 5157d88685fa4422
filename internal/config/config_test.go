package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

func TestDefaults(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.Validate())

	assert.Equal(t, "tcp://localhost:1883", c.GetBroker())
	assert.Equal(t, "redlight-monitor", c.GetClientID())
	assert.Equal(t, 60*time.Second, c.GetKeepAlive())
	assert.Equal(t, 0, c.GetCameraIndex())
	assert.Equal(t, 640, c.GetFrameWidth())
	assert.Equal(t, 480, c.GetFrameHeight())
	assert.Equal(t, 150*time.Millisecond, c.GetSettleDelay())
	assert.Equal(t, "violations", c.GetImageDir())
	assert.Equal(t, 90, c.GetJPEGQuality())
	assert.Equal(t, StoreSQLite, c.GetStore())
	assert.Equal(t, "redlight.db", c.GetDBPath())
	assert.Equal(t, "violations", c.GetFirestoreCollection())
	assert.Equal(t, "", c.GetSerialPort())
	assert.Equal(t, 9600, c.GetSerialBaudRate())
	assert.Equal(t, ":8080", c.GetListen())
	assert.Equal(t, 500*time.Millisecond, c.GetRefreshInterval())
	assert.Equal(t, time.Local, c.GetLocation())
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "redlight.json", `{
		"broker": "tcp://broker.local:1883",
		"camera_index": 2,
		"settle_delay": "300ms",
		"store": "memory",
		"timezone": "UTC"
	}`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://broker.local:1883", c.GetBroker())
	assert.Equal(t, 2, c.GetCameraIndex())
	assert.Equal(t, 300*time.Millisecond, c.GetSettleDelay())
	assert.Equal(t, StoreMemory, c.GetStore())
	assert.Equal(t, time.UTC, c.GetLocation())
	assert.Equal(t, 640, c.GetFrameWidth(), "omitted fields keep defaults")
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "redlight.yaml", strings.Join([]string{
		"broker: tcp://10.0.0.5:1883",
		"store: firestore",
		"firestore_project: intersection-demo",
		"firestore_token: abc",
		"serial_port: /dev/ttyACM0",
		"refresh_interval: 1s",
		"",
	}, "\n"))
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://10.0.0.5:1883", c.GetBroker())
	assert.Equal(t, StoreFirestore, c.GetStore())
	assert.Equal(t, "intersection-demo", c.GetFirestoreProject())
	assert.Equal(t, "abc", c.GetFirestoreToken())
	assert.Equal(t, "/dev/ttyACM0", c.GetSerialPort())
	assert.Equal(t, time.Second, c.GetRefreshInterval())
}

func TestLoad_EmptyYAML(t *testing.T) {
	c, err := Load(writeConfig(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, c.GetStore())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "redlight.toml", `broker = "x"`, "extension"},
		{"bad json", "redlight.json", `{"broker":`, "parse config JSON"},
		{"unknown json key", "redlight.json", `{"brokr":"x"}`, "unknown field"},
		{"unknown yaml key", "redlight.yaml", "brokr: x\n", "not found"},
		{"bad duration", "redlight.json", `{"settle_delay":"soon"}`, "invalid settle_delay"},
		{"negative duration", "redlight.json", `{"keep_alive":"-1s"}`, "keep_alive must be non-negative"},
		{"quality", "redlight.json", `{"jpeg_quality":101}`, "jpeg_quality"},
		{"store", "redlight.json", `{"store":"s3"}`, "unknown store"},
		{"firestore needs project", "redlight.json", `{"store":"firestore"}`, "firestore_project is required"},
		{"timezone", "redlight.json", `{"timezone":"Mars/Olympus"}`, "invalid timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "stat")
}

func TestLoad_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	require.NoError(t, os.WriteFile(path, make([]byte, maxFileSize+1), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "too large")
}

func TestValidate_Negative(t *testing.T) {
	for _, c := range []*Config{
		{CameraIndex: ptrInt(-1)},
		{FrameWidth: ptrInt(-640)},
		{FrameHeight: ptrInt(-1)},
		{SerialBaudRate: ptrInt(-9600)},
	} {
		assert.Error(t, c.Validate())
	}
	assert.NoError(t, (&Config{Store: ptrString(StoreMemory)}).Validate())
}
