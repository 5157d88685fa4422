package main

import (
	"flag"
	"fmt"
	"image/color"
	"net/http"
	"strings"

	"github.com/banshee-data/redlight/internal/config"
	"github.com/banshee-data/redlight/internal/db"
	"github.com/banshee-data/redlight/internal/docstore"
	"github.com/banshee-data/redlight/internal/httputil"
	"github.com/banshee-data/redlight/internal/violation"
)

// setFlags returns the names of flags given on the command line.
func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applyFlags overlays explicitly set flags onto cfg.
func applyFlags(cfg *config.Config, set map[string]bool) {
	str := func(name string, v string, dst **string) {
		if set[name] {
			*dst = &v
		}
	}
	str("broker", *broker, &cfg.Broker)
	str("listen", *listen, &cfg.Listen)
	str("store", *storeKind, &cfg.Store)
	str("db", *dbPath, &cfg.DBPath)
	str("images", *imageDir, &cfg.ImageDir)
	str("serial", *serialPort, &cfg.SerialPort)
	if set["camera"] {
		idx := *cameraIndex
		cfg.CameraIndex = &idx
	}
}

var fakeColors = map[string]color.NRGBA{
	"red":    {R: 220, G: 30, B: 30, A: 255},
	"green":  {R: 30, G: 200, B: 40, A: 255},
	"blue":   {R: 30, G: 40, B: 210, A: 255},
	"yellow": {R: 230, G: 220, B: 40, A: 255},
	"black":  {R: 10, G: 10, B: 10, A: 255},
	"white":  {R: 240, G: 240, B: 240, A: 255},
}

func fakeColor(name string) (color.Color, error) {
	c, ok := fakeColors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown colour %q", name)
	}
	return c, nil
}

// storeHandle is the opened violation store with its optional lifecycle
// hooks.
type storeHandle struct {
	store       violation.Store
	attachAdmin func(*http.ServeMux) error
	close       func() error
}

func openStore(cfg *config.Config, client httputil.HTTPClient) (storeHandle, error) {
	switch cfg.GetStore() {
	case config.StoreSQLite:
		d, err := db.NewDB(cfg.GetDBPath())
		if err != nil {
			return storeHandle{}, err
		}
		return storeHandle{store: d, attachAdmin: d.AttachAdminRoutes, close: d.Close}, nil
	case config.StoreFirestore:
		c, err := docstore.New(client, docstore.Options{
			Project:    cfg.GetFirestoreProject(),
			Collection: cfg.GetFirestoreCollection(),
			Token:      cfg.GetFirestoreToken(),
			Location:   cfg.GetLocation(),
		})
		if err != nil {
			return storeHandle{}, err
		}
		return storeHandle{store: c}, nil
	case config.StoreMemory:
		return storeHandle{store: &violation.MemoryStore{}}, nil
	}
	return storeHandle{}, fmt.Errorf("unknown store %q", cfg.GetStore())
}
