package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/redlight/internal/camera"
	"github.com/banshee-data/redlight/internal/classify"
	"github.com/banshee-data/redlight/internal/config"
	"github.com/banshee-data/redlight/internal/db"
	"github.com/banshee-data/redlight/internal/docstore"
	"github.com/banshee-data/redlight/internal/httputil"
	"github.com/banshee-data/redlight/internal/traffic"
	"github.com/banshee-data/redlight/internal/violation"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configPath)
	assert.Equal(t, 0, *cameraIndex)
	assert.Equal(t, "", *fakeCamera)
	assert.False(t, *fakeSensor)
	assert.False(t, *showVersion)
}

func TestApplyFlags_OnlyExplicitFlagsOverride(t *testing.T) {
	orig := *broker
	origIdx := *cameraIndex
	defer func() { *broker, *cameraIndex = orig, origIdx }()

	fromFile := "tcp://file:1883"
	cfg := &config.Config{Broker: &fromFile}

	*broker = "tcp://flag:1883"
	*cameraIndex = 0
	applyFlags(cfg, map[string]bool{})
	assert.Equal(t, "tcp://file:1883", cfg.GetBroker())
	assert.Nil(t, cfg.CameraIndex)

	applyFlags(cfg, map[string]bool{"broker": true, "camera": true})
	assert.Equal(t, "tcp://flag:1883", cfg.GetBroker())
	require.NotNil(t, cfg.CameraIndex)
	assert.Equal(t, 0, cfg.GetCameraIndex())

	*broker = "changed later"
	assert.Equal(t, "tcp://flag:1883", cfg.GetBroker(), "flag value is copied, not aliased")
}

func TestFakeColorClassifies(t *testing.T) {
	want := map[string]classify.Label{
		"red":    classify.Red,
		"Green":  classify.Green,
		"blue":   classify.Blue,
		"yellow": classify.Yellow,
		"black":  classify.Black,
		" white": classify.White,
	}
	for name, label := range want {
		c, err := fakeColor(name)
		require.NoError(t, err, name)
		assert.Equal(t, label, classify.Classify(camera.SolidFrame(90, 90, c)), name)
	}

	_, err := fakeColor("purple")
	assert.Error(t, err)
}

func TestOpenStore_Memory(t *testing.T) {
	memory := config.StoreMemory
	st, err := openStore(&config.Config{Store: &memory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &violation.MemoryStore{}, st.store)
	assert.Nil(t, st.close)
}

func TestOpenStore_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redlight.db")
	cfg := &config.Config{DBPath: &path}

	st, err := openStore(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, st.close)
	require.NotNil(t, st.attachAdmin)
	defer st.close()
	assert.IsType(t, &db.DB{}, st.store)

	ctx := context.Background()
	at := time.Date(2026, 4, 2, 7, 8, 9, 0, time.Local)
	require.NoError(t, st.store.AddViolation(ctx, traffic.Violation{CapturedAt: at, Color: classify.Red, Image: "violations/x.jpg"}))
	got, err := st.store.RecentViolations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, classify.Red, got[0].Color)
}

func TestOpenStore_Firestore(t *testing.T) {
	kind := config.StoreFirestore
	project := "intersection-demo"
	client := &httputil.MockHTTPClient{}

	st, err := openStore(&config.Config{Store: &kind, FirestoreProject: &project}, client)
	require.NoError(t, err)
	assert.IsType(t, &docstore.Client{}, st.store)

	require.NoError(t, st.store.AddViolation(context.Background(), traffic.Violation{CapturedAt: time.Now(), Color: classify.Blue}))
	req, _ := client.GetRequest(0)
	assert.Contains(t, req.URL.Path, "/projects/intersection-demo/")

	_, err = openStore(&config.Config{Store: &kind}, client)
	assert.Error(t, err, "project is required")
}

func TestOpenStore_Unknown(t *testing.T) {
	kind := "s3"
	_, err := openStore(&config.Config{Store: &kind}, nil)
	assert.ErrorContains(t, err, "unknown store")
}
