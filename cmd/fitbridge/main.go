// Command fitbridge wires the BLE transport, FMS decoder, simulator, sample
// store and workout manager behind the control API's HTTP server.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/fitbridge/internal/aggregate"
	"github.com/lowaak/fitbridge/internal/api"
	"github.com/lowaak/fitbridge/internal/api/httpapi"
	"github.com/lowaak/fitbridge/internal/applog"
	"github.com/lowaak/fitbridge/internal/ble"
	"github.com/lowaak/fitbridge/internal/config"
	"github.com/lowaak/fitbridge/internal/ftms"
	"github.com/lowaak/fitbridge/internal/simulator"
	"github.com/lowaak/fitbridge/internal/source"
	"github.com/lowaak/fitbridge/internal/store"
	"github.com/lowaak/fitbridge/internal/workout"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "fitbridge:", err)
		os.Exit(1)
	}

	loggers, err := applog.New(applog.Options{DataDir: cfg.DataDir, Debug: cfg.Debug})
	must("open log sinks", err)
	logger := loggers.Plain
	defer loggers.Zap.Sync()

	logger.Printf("fitbridge: starting on port %d, data dir %s, simulate=%v", cfg.Port, cfg.DataDir, cfg.Simulate)

	adapter := bluetooth.DefaultAdapter
	must("enable BLE adapter", adapter.Enable())

	transport := ble.NewAdapterTransport(adapter, logger)
	decoder := ftms.NewDecoder()
	simSource := simulator.NewSource(logger, time.Now().UnixNano())
	facade := source.NewFacade(transport, decoder, simSource, logger, loggers.Zap)

	st, err := store.Open(storePath(cfg.DataDir), logger)
	must("open sample store", err)
	defer st.Close()

	profile := aggregate.UserProfile{
		WeightKg: cfg.WeightKg,
		AgeYears: cfg.AgeYears,
		HRMax:    cfg.HRMax,
		HRRest:   cfg.HRRest,
	}
	manager := workout.NewManager(facade, st, profile, logger)
	defer manager.Shutdown()

	svc := api.NewService(facade, manager, st, logger)
	server := httpapi.New(svc, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Printf("fitbridge: control API listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatalf("fitbridge: http server: %v", err)
	}
}

func storePath(dataDir string) string {
	return filepath.Join(dataDir, "fitbridge.db")
}

func must(action string, err error) {
	if err != nil {
		panic("fitbridge: failed to " + action + ": " + err.Error())
	}
}
