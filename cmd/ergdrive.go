package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/tkarls/ergdrive/internal/ble"
	"github.com/tkarls/ergdrive/internal/config"
	"github.com/tkarls/ergdrive/internal/dispatch"
	"github.com/tkarls/ergdrive/internal/sensor"
	"github.com/tkarls/ergdrive/internal/workout"
)

var adapter = bluetooth.DefaultAdapter

// rideStats accumulates rolling ride averages from sensor readings.
type rideStats struct {
	powerSum   float64
	powerN     int
	cadenceSum float64
	cadenceN   int
	hrSum      float64
	hrN        int

	lastPower   int16
	lastCadence float64
	lastHR      uint16
}

func (s *rideStats) add(ev sensor.Event) {
	r := ev.Reading
	if r.HasPower {
		s.powerSum += float64(r.PowerWatts)
		s.powerN++
		s.lastPower = r.PowerWatts
	}
	if r.HasCadence {
		s.cadenceSum += r.CadenceRPM
		s.cadenceN++
		s.lastCadence = r.CadenceRPM
	}
	if r.HasHeartRate {
		s.hrSum += float64(r.HeartRateBPM)
		s.hrN++
		s.lastHR = r.HeartRateBPM
	}
}

func avg(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (s *rideStats) line() string {
	return fmt.Sprintf("pwr %3dW (avg %3.0f)  cad %3.0frpm  hr %3dbpm",
		s.lastPower, avg(s.powerSum, s.powerN), s.lastCadence, s.lastHR)
}

func main() {
	workoutName := pflag.String("workout", "Sweet Spot 3x10", "built-in workout to ride")
	listWorkouts := pflag.Bool("list-workouts", false, "print the workout catalog and exit")
	pflag.Int("workout.ftp", 200, "rider FTP in watts")
	pflag.Duration("workout.tick_period", time.Second, "control loop period")
	pflag.Duration("sensors.scan_timeout", 30*time.Second, "device discovery window")
	pflag.String("log.file", "ergdrive.log", "log file path")
	pflag.Parse()

	if *listWorkouts {
		for _, w := range workout.Catalog() {
			fmt.Printf("%-20s %v  %s\n", w.Name, w.TotalDuration(), w.Description)
		}
		return
	}

	cfg, err := config.Load(pflag.CommandLine)
	must("load configuration", err)

	logger := log.New(&lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}, "", log.LstdFlags)

	var selected workout.Workout
	found := false
	for _, w := range workout.Catalog() {
		if w.Name == *workoutName {
			selected = w
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintf(os.Stderr, "unknown workout %q, try --list-workouts\n", *workoutName)
		os.Exit(1)
	}

	central := ble.NewCentral(adapter, logger)
	must("enable BLE stack", central.Enable())

	manager := sensor.NewManager(central, logger, sensor.Config{
		ScanTimeout:       cfg.Sensors.ScanTimeout,
		ReconnectAttempts: cfg.Sensors.ReconnectAttempts,
		ReconnectBackoff:  cfg.Sensors.ReconnectBackoff,
	})
	engine := workout.NewEngine(logger,
		workout.WithFTP(cfg.Workout.FTP),
		workout.WithSmoothingWindow(cfg.Workout.SmoothingWindow),
	)
	dispatcher := dispatch.NewDispatcher(manager, logger)
	prefs := sensor.NewPreferences("", logger)

	must("load workout", engine.Load(selected))

	events := make(chan sensor.Event, 256)
	unsubscribe := manager.SubscribeEvents(events)
	defer unsubscribe()

	fmt.Printf("scanning for sensors (%v)...\n", cfg.Sensors.ScanTimeout)
	manager.StartDiscovery()

	ticker := time.NewTicker(cfg.Workout.TickPeriod)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	stats := &rideStats{}

	for {
		select {
		case <-sigs:
			fmt.Println("\nshutting down...")
			if summary, err := engine.Stop(); err == nil {
				fmt.Printf("ride stopped: %q, %d/%d segments, %v elapsed, avg %3.0f W\n",
					summary.WorkoutName, summary.SegmentsCompleted, summary.SegmentsTotal,
					summary.Elapsed.Round(time.Second), avg(stats.powerSum, stats.powerN))
			}
			manager.Shutdown()
			return

		case ev := <-events:
			handleEvent(ev, manager, engine, dispatcher, prefs, stats)

		case now := <-ticker.C:
			target, ok := engine.Tick(now)
			dispatcher.Apply(target, ok)
			printStatus(engine, dispatcher, stats, target, ok)

			if engine.Status() == workout.StatusCompleted {
				fmt.Println("\nworkout complete")
				manager.Shutdown()
				return
			}
		}
	}
}

func handleEvent(ev sensor.Event, manager *sensor.Manager, engine *workout.Engine, dispatcher *dispatch.Dispatcher, prefs *sensor.Preferences, stats *rideStats) {
	switch ev.Kind {
	case sensor.EventDeviceDiscovered:
		fmt.Printf("found %s (%s) [%s]\n", ev.Sensor.Name, ev.DeviceID, ev.Sensor.Type)
		// auto-connect everything we discover; the first trainer
		// becomes the ERG target
		if err := manager.Connect(ev.DeviceID); err != nil {
			fmt.Fprintf(os.Stderr, "connect %s: %v\n", ev.DeviceID, err)
		}

	case sensor.EventDeviceConnected:
		fmt.Printf("connected %s", ev.Sensor.Name)
		if ev.Sensor.BatteryPercent >= 0 {
			fmt.Printf(" (battery %d%%)", ev.Sensor.BatteryPercent)
		}
		fmt.Println()
		if ev.Sensor.Type == sensor.DeviceTrainer {
			preferred, hasPreferred := prefs.PreferredDevice(sensor.DeviceTrainer)
			if dispatcher.TrainerID() == "" || (hasPreferred && preferred == ev.DeviceID) {
				dispatcher.SetTrainer(ev.DeviceID)
				prefs.SetPreferredDevice(sensor.DeviceTrainer, ev.DeviceID)
				if engine.Status() == workout.StatusReady {
					if err := engine.Start(); err == nil {
						fmt.Println("workout started")
					}
				}
			}
		}

	case sensor.EventDataReceived:
		stats.add(ev)

	case sensor.EventDeviceDisconnected:
		fmt.Printf("%s disconnected\n", ev.DeviceID)
		// control is granted per connection; a reconnect must redo
		// the handshake before the next target write
		dispatcher.TrainerLost(ev.DeviceID)

	case sensor.EventConnectionLost:
		fmt.Printf("lost %s for good\n", ev.DeviceID)
		dispatcher.TrainerLost(ev.DeviceID)

	case sensor.EventError:
		// decode errors are logged by the manager; nothing to do here
	}
}

func printStatus(engine *workout.Engine, dispatcher *dispatch.Dispatcher, stats *rideStats, target int16, ok bool) {
	p := engine.Progress()
	if p.Status != workout.StatusRunning && p.Status != workout.StatusPaused {
		return
	}
	targetStr := "  --"
	if ok {
		targetStr = fmt.Sprintf("%3dW", target)
	}
	erg := "ERG"
	if !dispatcher.ErgAvailable() {
		erg = "no trainer"
	}
	fmt.Printf("\r[%v/%v] seg %d/%d  target %s  %s  [%s]   ",
		p.Elapsed.Round(time.Second), p.Total, p.SegmentIndex+1, p.SegmentCount,
		targetStr, stats.line(), erg)
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
