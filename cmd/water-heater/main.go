// Command water-heater keeps MQTT or GPIO driven water heaters within a
// dead band around their target temperature.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sweeney/water-heater/internal/config"
	"github.com/sweeney/water-heater/internal/gpio"
	"github.com/sweeney/water-heater/internal/logic"
	"github.com/sweeney/water-heater/internal/metrics"
	"github.com/sweeney/water-heater/internal/mqtt"
	"github.com/sweeney/water-heater/internal/status"
	"github.com/sweeney/water-heater/internal/store"
	"github.com/sweeney/water-heater/internal/web"
)

const statusInterval = time.Second

func main() {
	configPath := flag.String("config", "/etc/water-heater/config.yaml", "Configuration file")
	broker := flag.String("broker", config.DefaultBroker, "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", config.DefaultHTTPAddr, "HTTP status address, empty to disable (overrides config)")
	heartbeat := flag.Duration("heartbeat", config.DefaultHeartbeat, "Heartbeat interval, 0 to disable (overrides config)")
	stateFile := flag.String("state", config.DefaultStateFile, "State database (overrides config)")
	printState := flag.Bool("print-state", false, "Print stored heater state and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "broker":
			cfg.Broker = *broker
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "heartbeat":
			cfg.Heartbeat = *heartbeat
		case "state":
			cfg.StateFile = *stateFile
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("fatal: %v", err)
	}

	if err := run(cfg, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg *config.Config, printState bool) error {
	st, err := store.Open(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer st.Close()

	// Print state mode
	if printState {
		recs, err := st.Records()
		if err != nil {
			return fmt.Errorf("read state: %w", err)
		}
		printRecords(os.Stdout, recs)
		return nil
	}

	work := newWorkQueue()
	dispatch := work.Dispatch

	client, err := mqtt.NewClient(cfg.Broker, cfg.ClientID, dispatch)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer client.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.Broker,
		HTTPAddr:    cfg.HTTPAddr,
		StateFile:   cfg.StateFile,
		Unit:        cfg.Unit,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.SetMQTTConnected(client.IsConnected())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	statePub := client.StatePublisher()
	publishers := logic.Publishers{tracker, statePub, store.NewPersister(st), collector}

	hs := newHeaters(work)
	var relays []*gpio.Relay
	defer func() {
		for _, r := range relays {
			if err := r.Close(); err != nil {
				log.Printf("gpio: %s: %v", r.ID(), err)
			}
		}
	}()

	unit := cfg.TemperatureUnit()
	for _, h := range cfg.WaterHeaters {
		sensor, err := client.Sensor(h.Sensor, h.Topics.SensorState)
		if err != nil {
			return fmt.Errorf("%s: sensor: %w", h.Name, err)
		}

		var actuator logic.HeaterActuator
		if h.GPIO != nil {
			line, err := gpio.OpenLine(h.GPIO.Chip, h.GPIO.Pin, h.GPIO.ActiveLow)
			if err != nil {
				return fmt.Errorf("%s: %w", h.Name, err)
			}
			relay := gpio.NewRelay(h.Heater, line, h.GPIO.ActiveLow, dispatch)
			relays = append(relays, relay)
			actuator = relay
		} else {
			actuator, err = client.Actuator(h.Heater, mqtt.ActuatorTopics{
				State:      h.Topics.HeaterState,
				Command:    h.Topics.HeaterCommand,
				PayloadOn:  h.Topics.PayloadOn,
				PayloadOff: h.Topics.PayloadOff,
			})
			if err != nil {
				return fmt.Errorf("%s: heater: %w", h.Name, err)
			}
		}
		statePub.Route(h.Name, h.Topics.State)

		c, err := logic.NewController(logic.Config{
			Name:              h.Name,
			TargetTemperature: h.TargetTemp,
			Tolerance:         h.TempDelta,
			MinTemp:           h.MinTemp,
			MaxTemp:           h.MaxTemp,
			Unit:              unit,
		}, sensor, collector.Instrument(h.Name, actuator), publishers)
		if err != nil {
			return fmt.Errorf("%s: %w", h.Name, err)
		}

		attach(c, st)
		hs.add(c)

		if err := client.OnMessage(h.Topics.TargetCommand, func(p []byte) { applyTarget(c, p) }); err != nil {
			return fmt.Errorf("%s: %w", h.Name, err)
		}
		if err := client.OnMessage(h.Topics.ModeCommand, func(p []byte) { applyMode(c, p) }); err != nil {
			return fmt.Errorf("%s: %w", h.Name, err)
		}
		log.Printf("%s: sensor=%s heater=%s delta=%g context=%s", h.Name, h.Sensor, h.Heater, h.TempDelta, c.Context())
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := client.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker, hs, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTPAddr)
	}

	log.Printf("started: heaters=%d broker=%s heartbeat=%v state=%s", len(cfg.WaterHeaters), cfg.Broker, cfg.Heartbeat, cfg.StateFile)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	poll := func() {
		for _, r := range relays {
			r.Refresh()
		}
	}
	return runLoop(work, client, client, tracker, cfg.Heartbeat, poll, time.Now, ticker.C, sigCh)
}

// runLoop owns every controller: it runs queued work, refreshes the status
// tracker, publishes heartbeats and handles shutdown signals.
func runLoop(work *workQueue, publisher mqtt.SystemPublisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, poll func(), now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastHeartbeat := now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-work.Ready():
			for _, fn := range work.drain() {
				fn()
			}

		case <-tick:
			t := now()
			if poll != nil {
				poll()
			}
			if tracker != nil && mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}

			if heartbeat <= 0 || t.Sub(lastHeartbeat) < heartbeat {
				continue
			}
			lastHeartbeat = t

			hbEvent := mqtt.SystemEvent{
				Timestamp: t,
				Event:     "HEARTBEAT",
			}
			if tracker != nil {
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				log.Printf("heartbeat: uptime=%v heaters=%d ready=%v", t.Sub(snap.StartTime).Truncate(time.Second), len(snap.Heaters), snap.Ready())
				hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
			}
			if err := publisher.PublishSystem(hbEvent); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		}
	}
}

// attach restores c from snaps and attaches it. A snapshot that cannot be
// read is logged and the controller starts from its configuration.
func attach(c *logic.Controller, snaps logic.SnapshotStore) {
	snap, err := snaps.Load(c.Name())
	if err != nil {
		log.Printf("store: %s: %v, starting from config", c.Name(), err)
		snap = nil
	}
	c.Attach(snap)
}

// applyTarget handles a target temperature command. Values outside the
// heater's range are rejected.
func applyTarget(c *logic.Controller, payload []byte) {
	v, err := mqtt.ParseTemperature(payload)
	if err != nil {
		log.Printf("%s: ignoring target %q: %v", c.Name(), payload, err)
		return
	}
	if v < c.MinTemp() || v > c.MaxTemp() {
		log.Printf("%s: ignoring target %g outside %g..%g", c.Name(), v, c.MinTemp(), c.MaxTemp())
		return
	}
	c.SetTargetTemperature(v)
}

func applyMode(c *logic.Controller, payload []byte) {
	m, err := logic.ParseMode(string(payload))
	if err == nil {
		err = c.SetMode(m)
	}
	if err != nil {
		log.Printf("%s: ignoring mode %q: %v", c.Name(), payload, err)
	}
}

// heaters routes web requests onto the dispatch loop.
type heaters struct {
	work   *workQueue
	byName map[string]*logic.Controller
}

func newHeaters(work *workQueue) *heaters {
	return &heaters{work: work, byName: make(map[string]*logic.Controller)}
}

// add registers c. Not safe once requests are being served.
func (h *heaters) add(c *logic.Controller) {
	h.byName[c.Name()] = c
}

func (h *heaters) SetTargetTemperature(ctx context.Context, name string, v float64) error {
	return h.do(ctx, name, func(c *logic.Controller) error {
		c.SetTargetTemperature(v)
		return nil
	})
}

func (h *heaters) SetMode(ctx context.Context, name string, m logic.Mode) error {
	return h.do(ctx, name, func(c *logic.Controller) error {
		return c.SetMode(m)
	})
}

// do runs fn on the dispatch loop and waits for it.
func (h *heaters) do(ctx context.Context, name string, fn func(*logic.Controller) error) error {
	c, ok := h.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", web.ErrUnknownHeater, name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	h.work.Dispatch(func() { done <- fn(c) })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printRecords(w io.Writer, recs map[string]store.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no stored state")
		return
	}
	names := make([]string, 0, len(recs))
	for name := range recs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec := recs[name]
		target := "unset"
		if rec.TargetTemperature != nil {
			target = fmt.Sprintf("%g", *rec.TargetTemperature)
		}
		fmt.Fprintf(w, "%s: target=%s mode=%s saved=%s\n", name, target, rec.Mode, rec.SavedAt.UTC().Format(time.RFC3339))
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

var _ web.Controls = (*heaters)(nil)
