// Command fitbridge-tui is an optional terminal dashboard over the control
// API: a device list on the left, live status/metrics on the right, driven
// in-process against the same wiring cmd/fitbridge exposes over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/fitbridge/internal/aggregate"
	"github.com/lowaak/fitbridge/internal/api"
	"github.com/lowaak/fitbridge/internal/applog"
	"github.com/lowaak/fitbridge/internal/ble"
	"github.com/lowaak/fitbridge/internal/config"
	"github.com/lowaak/fitbridge/internal/ftms"
	"github.com/lowaak/fitbridge/internal/model"
	"github.com/lowaak/fitbridge/internal/simulator"
	"github.com/lowaak/fitbridge/internal/source"
	"github.com/lowaak/fitbridge/internal/store"
	"github.com/lowaak/fitbridge/internal/workout"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	must("load config", err)

	loggers, err := applog.New(applog.Options{DataDir: cfg.DataDir, Debug: cfg.Debug})
	must("open log sinks", err)
	logger := loggers.Plain
	defer loggers.Zap.Sync()

	adapter := bluetooth.DefaultAdapter
	must("enable BLE adapter", adapter.Enable())

	transport := ble.NewAdapterTransport(adapter, logger)
	decoder := ftms.NewDecoder()
	simSource := simulator.NewSource(logger, time.Now().UnixNano())
	facade := source.NewFacade(transport, decoder, simSource, logger, loggers.Zap)

	st, err := store.Open(filepath.Join(cfg.DataDir, "fitbridge.db"), logger)
	must("open sample store", err)
	defer st.Close()

	profile := aggregate.UserProfile{WeightKg: cfg.WeightKg, AgeYears: cfg.AgeYears, HRMax: cfg.HRMax, HRRest: cfg.HRRest}
	manager := workout.NewManager(facade, st, profile, logger)
	defer manager.Shutdown()

	svc := api.NewService(facade, manager, st, logger)

	app := tview.NewApplication()

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { app.Draw() })
	logView.SetBorder(true).SetTitle(" Logs ")

	logMessage := func(format string, args ...interface{}) {
		fmt.Fprintf(logView, "[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}

	deviceList := tview.NewList().ShowSecondaryText(false)
	deviceList.SetBorder(true).SetTitle(" Devices (Enter to connect, s to start/end workout) ")

	statusView := tview.NewTextView().SetDynamicColors(true)
	statusView.SetBorder(true).SetTitle(" Status ")

	var devices []model.DeviceDescriptor
	var activeWorkoutID string

	refreshStatus := func() {
		status := svc.Status()
		text := fmt.Sprintf("device: %v\nworkout active: %v\n", status.ConnectedDevice, status.WorkoutActive)
		if status.LatestSample != nil {
			text += fmt.Sprintf("latest sample: %+v\n", *status.LatestSample)
		}
		if status.Summary != nil {
			text += fmt.Sprintf("summary: %+v\n", *status.Summary)
		}
		statusView.SetText(text)
	}

	rescan := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ScanTimeoutSecs)*time.Second)
		defer cancel()
		found, err := svc.DiscoverDevices(ctx, time.Duration(cfg.ScanTimeoutSecs)*time.Second)
		if err != nil {
			logMessage("scan error: %v", err)
			return
		}
		devices = found
		deviceList.Clear()
		for _, d := range devices {
			deviceList.AddItem(fmt.Sprintf("%s (%s) [%s/%s]", d.Name, d.Address, d.Kind, d.Source), "", 0, nil)
		}
		app.Draw()
	}

	deviceList.SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
		if index >= len(devices) {
			return
		}
		desc := devices[index]
		if err := svc.Connect(context.Background(), desc); err != nil {
			logMessage("connect error: %v", err)
			return
		}
		logMessage("connected to %s", desc.Name)
	})

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			refreshStatus()
			app.Draw()
		}
	}()

	flex := tview.NewFlex().
		AddItem(deviceList, 0, 1, true).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(statusView, 0, 1, false).
			AddItem(logView, 0, 1, false), 0, 1, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyTab:
			if deviceList.HasFocus() {
				app.SetFocus(statusView)
			} else {
				app.SetFocus(deviceList)
			}
			return nil
		case event.Rune() == 'r':
			go rescan()
			return nil
		case event.Rune() == 's':
			go func() {
				if activeWorkoutID == "" {
					index := deviceList.GetCurrentItem()
					if index >= len(devices) {
						logMessage("no device selected")
						return
					}
					id, err := svc.StartWorkout(devices[index])
					if err != nil {
						logMessage("start workout error: %v", err)
						return
					}
					activeWorkoutID = id
					logMessage("workout started: %s", id)
				} else {
					id, err := svc.EndWorkout()
					if err != nil {
						logMessage("end workout error: %v", err)
						return
					}
					logMessage("workout ended: %s", id)
					activeWorkoutID = ""
				}
			}()
			return nil
		case event.Key() == tcell.KeyEscape:
			app.Stop()
			return nil
		}
		return event
	})

	logMessage("starting scan...")
	go rescan()

	if err := app.SetRoot(flex, true).SetFocus(deviceList).Run(); err != nil {
		panic(err)
	}
}

func must(action string, err error) {
	if err != nil {
		panic("fitbridge-tui: failed to " + action + ": " + err.Error())
	}
}
