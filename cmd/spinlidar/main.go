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

	"github.com/banshee-data/spinlidar/internal/config"
	"github.com/banshee-data/spinlidar/internal/db"
	"github.com/banshee-data/spinlidar/internal/monitor"
	"github.com/banshee-data/spinlidar/internal/monitoring"
	"github.com/banshee-data/spinlidar/internal/publish"
	"github.com/banshee-data/spinlidar/internal/rotation"
	"github.com/banshee-data/spinlidar/internal/serialport"
	"github.com/banshee-data/spinlidar/internal/timeutil"
	"github.com/banshee-data/spinlidar/internal/tune"
	"github.com/banshee-data/spinlidar/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON or YAML config file (default "+config.DefaultConfigPath+" if present)")
	port       = flag.String("port", serialport.DefaultPath, "Serial port to use (ignored in dev mode)")
	devMode    = flag.Bool("dev", false, "Read from a simulated sensor instead of a serial port")
	devRPM     = flag.Float64("dev-rpm", 120, "Motor speed of the simulated sensor in dev mode")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	rpm        = flag.Float64("rpm", rotation.DefaultRPM, "Believed motor speed in revolutions per minute")
	dbPath     = flag.String("db", "spinlidar.db", "Path to the tuning history database")
	tuneOnBoot = flag.Bool("tune", false, "Tune the rpm once at startup")
	mqttBroker = flag.String("mqtt", "", "MQTT broker URL for rotation publishing, e.g. tcp://localhost:1883")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	showVer    = flag.Bool("version", false, "Print version information and exit")
)

// Frame rate of the simulated sensor.
const devFrameRate = 1000

// loadConfig reads the -config file, or the default path when it exists, and
// applies any flags given on the command line on top.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadOptional(config.DefaultConfigPath)
	}
	if err != nil {
		return nil, err
	}

	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlagOverrides copies explicitly set flags into cfg.
func applyFlagOverrides(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.SerialPort = port
		case "listen":
			cfg.Listen = listen
		case "rpm":
			cfg.RPM = rpm
		case "db":
			cfg.DBPath = dbPath
		case "mqtt":
			cfg.MQTTBroker = mqttBroker
		}
	})
}

func openTransport(cfg *config.Config) (*serialport.Transport, error) {
	if *devMode {
		log.Printf("dev mode: simulating a sensor spinning at %g rpm", *devRPM)
		sim := serialport.NewSimulatedPort(serialport.DefaultRoom, *devRPM, devFrameRate, nil)
		return serialport.NewTransport(sim, cfg.GetReadTimeout()), nil
	}
	return serialport.Open(cfg.GetSerialPort(), cfg.PortOptions(), cfg.GetReadTimeout())
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*debug)
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	transport, err := openTransport(cfg)
	if err != nil {
		log.Fatalf("failed to open serial port: %v", err)
	}
	defer transport.Close()

	if cfg.GetInitSensor() {
		if err := transport.Initialize(); err != nil {
			log.Fatalf("failed to initialize sensor: %v", err)
		}
		log.Printf("initialized sensor on %s", cfg.GetSerialPort())
	}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	startRPM := cfg.GetRPM()
	if cfg.GetRPMFromLastTune() {
		last, err := database.LatestTuneRun()
		switch {
		case errors.Is(err, db.ErrNoTuneRuns):
			log.Printf("no completed tuning run, starting at %g rpm", startRPM)
		case err != nil:
			log.Printf("failed to read last tuning run: %v", err)
		default:
			startRPM = *last.BestRPM
			log.Printf("starting at %g rpm from tuning run %s", startRPM, last.RunID)
		}
	}

	buffer, err := rotation.NewBuffer(transport, rotation.Options{
		RPM:            startRPM,
		IdleInterval:   cfg.GetIdleInterval(),
		WaitInterval:   cfg.GetWaitInterval(),
		VerifyChecksum: cfg.GetVerifyChecksum(),
	})
	if err != nil {
		log.Fatalf("failed to create rotation buffer: %v", err)
	}

	var sink publish.Sink
	if broker := cfg.GetMQTTBroker(); broker != "" {
		mqttSink, err := publish.DialMQTT(broker, cfg.GetMQTTClientID(), cfg.GetMQTTTopic())
		if err != nil {
			log.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		defer mqttSink.Close()
		sink = mqttSink
		log.Printf("publishing rotations to %s on %q", broker, cfg.GetMQTTTopic())
	}
	publisher := publish.NewPublisher(buffer, sink, nil)

	// Create a wait group for the serial monitor, poll loop, publisher, HTTP
	// server and status routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transport.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	if err := buffer.Start(ctx); err != nil {
		log.Fatalf("failed to start poll loop: %v", err)
	}

	// A transport failure ends the poll loop and the daemon with it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-buffer.Done():
			if err := buffer.Err(); err != nil {
				log.Printf("poll loop failed, shutting down: %v", err)
			}
			stop()
		case <-ctx.Done():
			buffer.Stop()
			<-buffer.Done()
		}
		log.Print("poll routine terminated")
	}()

	tuner := &tuneController{
		ctx:    ctx,
		wg:     &wg,
		target: buffer,
		feed:   publisher,
		opts: tune.Options{
			MinRPM:   cfg.GetTuneMinRPM(),
			MaxRPM:   cfg.GetTuneMaxRPM(),
			Seeds:    cfg.GetTuneSeeds(),
			MaxEvals: cfg.GetTuneMaxEvals(),
			Clock:    timeutil.RealClock{},
			Recorder: database,
		},
	}
	if *tuneOnBoot {
		if err := tuner.StartTune(); err != nil {
			log.Fatalf("failed to start rpm tuning: %v", err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("publisher stopped: %v", err)
		}
		log.Print("publisher routine terminated")
	}()

	server, err := monitor.NewWebServer(monitor.WebServerConfig{
		Address:  cfg.GetListen(),
		Pipeline: buffer,
		Feed:     publisher,
		History:  database,
		Tuner:    tuner,
		Serial:   transport.Stats,
		AdminRoutes: []func(*http.ServeMux) error{
			func(mux *http.ServeMux) error {
				transport.AttachAdminRoutes(mux)
				return nil
			},
			database.AttachAdminRoutes,
		},
	})
	if err != nil {
		log.Fatalf("failed to create web server: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			log.Printf("HTTP server failed, shutting down: %v", err)
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runStatusLoop(ctx, timeutil.RealClock{}, buffer, cfg.GetStatusInterval(), cfg.GetMaxQueue())
		log.Print("status routine terminated")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	if err := buffer.Err(); err != nil {
		database.Close()
		log.Fatalf("exiting after sensor failure: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
