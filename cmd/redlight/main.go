package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/redlight/internal/api"
	"github.com/banshee-data/redlight/internal/bus"
	"github.com/banshee-data/redlight/internal/camera"
	"github.com/banshee-data/redlight/internal/camera/opencv"
	"github.com/banshee-data/redlight/internal/config"
	"github.com/banshee-data/redlight/internal/display"
	"github.com/banshee-data/redlight/internal/imagestore"
	"github.com/banshee-data/redlight/internal/serialmux"
	"github.com/banshee-data/redlight/internal/telemetry"
	"github.com/banshee-data/redlight/internal/traffic"
	"github.com/banshee-data/redlight/internal/version"
	"github.com/banshee-data/redlight/internal/violation"
)

var (
	configPath  = flag.String("config", "", "Path to a .json or .yaml config file")
	broker      = flag.String("broker", "", "MQTT broker URL (overrides config)")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	cameraIndex = flag.Int("camera", 0, "Camera index to open at startup (overrides config)")
	storeKind   = flag.String("store", "", "Violation store: sqlite, firestore or memory (overrides config)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	imageDir    = flag.String("images", "", "Directory for violation frames (overrides config)")
	serialPort  = flag.String("serial", "", "Proximity sensor serial port (overrides config)")
	fakeCamera  = flag.String("fake-camera", "", "Use a synthetic camera filled with this colour instead of OpenCV")
	fakeSensor  = flag.Bool("fake-sensor", false, "Simulate the proximity sensor")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const (
	connectTimeout  = 10 * time.Second
	recordingGrace  = 2 * time.Second
	httpShutdown    = 1 * time.Second
	fakeSensorEvery = 500 * time.Millisecond
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	applyFlags(cfg, setFlags())
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := traffic.NewState()

	// Camera
	var opener camera.Opener
	if *fakeCamera != "" {
		c, err := fakeColor(*fakeCamera)
		if err != nil {
			log.Fatalf("invalid -fake-camera: %v", err)
		}
		opener = camera.SolidColorOpener(c)
	} else {
		opener = opencv.Opener(opencv.Options{Width: cfg.GetFrameWidth(), Height: cfg.GetFrameHeight()})
	}
	source := camera.NewSource(opener, nil)
	if err := source.Acquire(cfg.GetCameraIndex()); err != nil {
		// Not fatal: the operator can swap to a working camera later.
		log.Printf("camera unavailable: %v", err)
	}
	source.StartPreview(ctx)

	// Store and recorder
	st, err := openStore(cfg, http.DefaultClient)
	if err != nil {
		log.Fatalf("failed to open violation store: %v", err)
	}
	images := imagestore.New(nil, cfg.GetImageDir(), cfg.GetJPEGQuality())
	recorder := violation.NewRecorder(source, images, st.store, state)
	recorder.SettleDelay = cfg.GetSettleDelay()
	recorder.Location = cfg.GetLocation()
	if err := recorder.LoadRecent(ctx); err != nil {
		log.Printf("failed to load recent violations: %v", err)
	}

	// Message bus
	client := bus.New(bus.Options{
		Broker:    cfg.GetBroker(),
		ClientID:  cfg.GetClientID(),
		Username:  cfg.GetUsername(),
		Password:  cfg.GetPassword(),
		KeepAlive: cfg.GetKeepAlive(),
	})
	connectCtx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
	err = client.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		log.Fatalf("failed to connect to broker %s: %v", cfg.GetBroker(), err)
	}

	// Proximity sensor
	var sensor serialmux.SerialMuxInterface
	switch {
	case *fakeSensor:
		sensor = serialmux.NewSimulatedSerialMux([]int{60, 40, 20, 12, 8, 30}, fakeSensorEvery)
	case cfg.GetSerialPort() != "":
		sensor, err = serialmux.NewRealSerialMux(cfg.GetSerialPort(), serialmux.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
		if err != nil {
			log.Fatalf("failed to open serial port %s: %v", cfg.GetSerialPort(), err)
		}
	default:
		sensor = serialmux.NewDisabledSerialMux()
	}

	health := display.HealthFuncs{Bus: client.Connected, Camera: source.Live}
	dispatcher := telemetry.NewDispatcher(state, recorder)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sensor.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("serial monitor routine terminated")
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		msgs := telemetry.Merge(ctx, client.Messages(), serialmux.Forward(ctx, sensor, nil))
		if err := dispatcher.Run(ctx, msgs); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dispatcher stopped: %v", err)
		}
		log.Print("dispatcher routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		loop := &display.Loop{
			State:    state,
			Health:   health,
			Renderer: &display.LogRenderer{},
			Interval: cfg.GetRefreshInterval(),
		}
		loop.Run(ctx)
		log.Print("display routine terminated")
	}()

	// HTTP server
	mux := api.NewServer(api.Options{
		State:   state,
		Health:  health,
		Bus:     client,
		Camera:  source,
		Images:  images,
		History: st.store,
	}).ServeMux()
	sensor.AttachAdminRoutes(mux)
	if st.attachAdmin != nil {
		if err := st.attachAdmin(mux); err != nil {
			log.Printf("failed to attach store admin routes: %v", err)
		}
	}
	server := &http.Server{
		Addr:    cfg.GetListen(),
		Handler: api.LoggingMiddleware(mux),
	}
	go func() {
		log.Printf("listening on %s", cfg.GetListen())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down...")

	<-dispatchDone
	if !dispatcher.Wait(recordingGrace) {
		log.Printf("Warning: in-flight violation recordings did not finish within %v", recordingGrace)
	}

	// Operator requests can swap the camera or publish overrides, so the
	// server stops before either is torn down.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	source.Close()
	client.Close()

	if err := sensor.Close(); err != nil {
		log.Printf("serial close error: %v", err)
	}
	wg.Wait()
	if st.close != nil {
		if err := st.close(); err != nil {
			log.Printf("store close error: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}
