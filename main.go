package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/yardbot/excavator/internal/actuator"
	"github.com/yardbot/excavator/internal/api"
	"github.com/yardbot/excavator/internal/config"
	"github.com/yardbot/excavator/internal/control"
	"github.com/yardbot/excavator/internal/fsm"
	"github.com/yardbot/excavator/internal/geo"
	"github.com/yardbot/excavator/internal/learn"
	"github.com/yardbot/excavator/internal/patrol"
	"github.com/yardbot/excavator/internal/perception"
	"github.com/yardbot/excavator/internal/safety"
	"github.com/yardbot/excavator/internal/stall"
	"github.com/yardbot/excavator/internal/store"
	"github.com/yardbot/excavator/internal/telemetry"
)

var (
	configPath     = flag.String("config", "", "Path to JSON config file (default "+config.DefaultConfigPath+" when present)")
	dbPath         = flag.String("db", "excavator.db", "Path to SQLite database")
	listen         = flag.String("listen", ":8080", "HTTP listen address")
	mqttBroker     = flag.String("mqtt", "", "MQTT broker URL for telemetry (empty disables)")
	simMode        = flag.Bool("sim", true, "Run with simulated hardware")
	calibrateAudio = flag.Bool("calibrate-audio", false, "Calibrate the stall baseline and exit")
)

const telemetryInterval = 2 * time.Second

func main() {
	flag.Parse()

	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	cfg := config.Empty()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Printf("loaded config from %s", path)
	}

	if !*simMode {
		// Hardware channels are wired per deployment; actuator.Pin is the
		// seam a GPIO backend plugs into.
		log.Fatal("no hardware pin backend built in; run with -sim")
	}

	controller := actuator.New(actuator.SimPins(), cfg.GetTimings())
	defer controller.Close()

	stallDetector, err := stall.New(stall.Config{
		SampleRate:      cfg.GetSampleRate(),
		WindowSize:      int(float64(cfg.GetSampleRate()) * cfg.GetWindowDuration().Seconds()),
		AbsThresholdHz:  cfg.GetStallFrequencyThreshold(),
		DropPercent:     cfg.GetFrequencyDropPercent(),
		CalibrationPath: cfg.GetCalibrationPath(),
	})
	if err != nil {
		log.Fatalf("failed to create stall detector: %v", err)
	}
	stallSource := stall.NewToneSource(cfg.GetSampleRate(), cfg.GetDefaultBaselineHz())

	if *calibrateAudio {
		for _, motor := range []string{"boom_motor", "arm_motor", "bucket_motor"} {
			baseline, err := stallDetector.Calibrate(motor, stallSource, 5)
			if err != nil {
				log.Fatalf("calibrating %s: %v", motor, err)
			}
			log.Printf("calibrated %s baseline: %.1f Hz", motor, baseline)
		}

		// The sim rig has no physical end stops; a tone in the stall band
		// stands in for one so each axis reads at-limit immediately.
		stallSource.SetFrequency(cfg.GetStallFrequencyThreshold() / 2)
		homed, err := controller.CalibrateHome(func(motor string) (bool, error) {
			return stallDetector.CheckForStall(motor, stallSource)
		}, stallDetector.ResetStallFlag, 10)
		if err != nil {
			log.Fatalf("calibrating home position: %v", err)
		}
		if !homed {
			log.Fatal("home calibration timed out before reaching all limits")
		}
		return
	}
	if err := stallDetector.LoadCalibration(); err != nil {
		log.Printf("loading calibration: %v", err)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	pattern, err := patrol.ParsePattern(cfg.GetPattern())
	if err != nil {
		log.Fatalf("invalid patrol pattern: %v", err)
	}
	planner, err := patrol.New(patrol.Config{
		AreaX:          cfg.GetAreaX(),
		AreaY:          cfg.GetAreaY(),
		AreaWidth:      cfg.GetAreaWidth(),
		AreaHeight:     cfg.GetAreaHeight(),
		CellSize:       cfg.GetGridCellSize(),
		OverlapPercent: cfg.GetOverlapPercent(),
		Pattern:        pattern,
	})
	if err != nil {
		log.Fatalf("failed to create patrol planner: %v", err)
	}

	tracker := geo.NewTracker(cfg.GetHomeX(), cfg.GetHomeY(),
		cfg.GetForwardSpeed(), cfg.GetTurnRateDegPerSec())

	watchdog := safety.New(safety.Config{
		WatchdogTimeout:    cfg.GetWatchdogTimeout(),
		MaxOperationTime:   cfg.GetMaxOperationTime(),
		StallRetryAttempts: cfg.GetStallRetryAttempts(),
		StopHandler:        func(string) { controller.StopAll() },
	})

	optimizer := learn.New(learn.Config{
		Enabled:              cfg.GetLearningEnabled(),
		MinAttempts:          cfg.GetMinAttempts(),
		SuccessRateThreshold: cfg.GetSuccessRateThreshold(),
		AdjustmentRate:       cfg.GetAdjustmentRate(),
		ExplorationRate:      cfg.GetExplorationRate(),
		RollingWindowSize:    cfg.GetRollingWindowSize(),
	}, db, cfg.GetTimings())

	navSM := fsm.NewNavigation(nil)
	armSM := fsm.NewManipulation(nil)
	blackboard := control.NewBlackboard()

	deps := control.Deps{
		Controller:        controller,
		Camera:            perception.NewSimCamera(640, 480),
		Detector:          perception.NewSimDetector(),
		MarkerDetector:    perception.NewSimMarkerDetector(),
		StallDetector:     stallDetector,
		StallSource:       stallSource,
		NavSM:             navSM,
		ArmSM:             armSM,
		Planner:           planner,
		Tracker:           tracker,
		Watchdog:          watchdog,
		Store:             db,
		Optimizer:         optimizer,
		Blackboard:        blackboard,
		StepSeconds:       cfg.GetPatrolStepSeconds(),
		DisposalProximity: cfg.GetDisposalProximity(),
		CoverageThreshold: cfg.GetCoverageThreshold(),
	}

	root := control.NewSequence("excavator",
		control.NewSafetyGate(watchdog),
		control.NewCommandGate(blackboard),
		control.NewPatrolCycle(deps),
		control.NewReturnHome(controller, tracker, navSM, blackboard, planner,
			cfg.GetPatrolStepSeconds(), cfg.GetForwardSpeed(), cfg.GetHomeArrival()),
	)
	arbiter := control.NewArbiter(root, watchdog, cfg.GetTickInterval())

	apiServer := api.NewServer(blackboard, watchdog, tracker, planner, navSM, armSM, db, cfg)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watchdog.Run(ctx); err != nil {
			log.Printf("watchdog terminated: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := arbiter.Run(ctx); err != nil {
			log.Printf("arbiter terminated: %v", err)
		}
	}()

	if *mqttBroker != "" {
		publisher := telemetry.New(*mqttBroker, func() any {
			return apiServer.Status()
		}, telemetryInterval)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Run(ctx); err != nil {
				log.Printf("telemetry terminated: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(apiServer.ServeMux()),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP server listening on %s", *listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server terminated: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	controller.StopAll()

	wg.Wait()
	log.Print("shutdown complete")
}
