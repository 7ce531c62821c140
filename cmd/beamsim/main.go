// Command beamsim runs the simulated beamline: control loop, embedded MQTT
// broker for telemetry and the TCP control responder.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/coreos/go-systemd/daemon"
	"github.com/joho/godotenv"
	"github.com/juju/errors"

	"github.com/beamline/console/internal/sim"
	"github.com/beamline/console/internal/state"
	"github.com/beamline/console/log2"
	"github.com/beamline/console/mqtt"
)

type brokerPublisher struct {
	broker *mqtt.Server
	prefix string
}

func (p *brokerPublisher) Publish(topic string, payload []byte) error {
	err := p.broker.Publish(&packet.Message{Topic: p.prefix + "/" + topic, Payload: payload})
	if err == mqtt.ErrNoSubscribers {
		// nobody watching is fine, the console may attach later
		return nil
	}
	return err
}

func main() {
	_ = godotenv.Load()
	configDefault := os.Getenv("BEAMLINE_CONFIG")
	if configDefault == "" {
		configDefault = "beamline.hcl"
	}
	flagConfig := flag.String("config", configDefault, "config file path")
	flagDebug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := log2.LInfo
	if *flagDebug {
		level = log2.LDebug
	}
	log := log2.NewStderr(level)
	if sdnotify("start") {
		// under systemd: journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg := state.MustReadConfig(log, state.NewOsFullReader("."), *flagConfig)
	log.Infof("beamsim tele=%s control=%s freq=%g", cfg.Sim.ListenTele, cfg.Sim.ListenControl, cfg.Sim.FrequencyHz)

	broker := mqtt.NewServer(mqtt.ServerOptions{Log: log.Clone(log2.LInfo)})
	err := broker.Listen([]*mqtt.ListenOptions{{
		URL:            cfg.Sim.ListenTele,
		NetworkTimeout: cfg.TeleNetworkTimeout(),
	}})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	beamline := sim.NewBeamline(sim.Options{
		Log:         log,
		Publish:     &brokerPublisher{broker: broker, prefix: cfg.Tele.TopicPrefix},
		FrequencyHz: cfg.Sim.FrequencyHz,
		Setpoint:    cfg.Sim.Setpoint,
		Kp:          cfg.Sim.Kp,
		Ki:          cfg.Sim.Ki,
		Kd:          cfg.Sim.Kd,
		Seed:        cfg.Sim.Seed,
	})

	responder, err := sim.NewResponder(cfg.Sim.ListenControl, log, beamline.HandleCommand)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("control responder on %s", responder.Addr())

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		log.Infof("signal %v, stopping", sig)
		beamline.Stop()
	}()

	sdnotify(daemon.SdNotifyReady)
	beamline.Run()

	sdnotify(daemon.SdNotifyStopping)
	if err := responder.Close(); err != nil {
		log.Errorf("responder close err=%v", err)
	}
	// give the shutdown status frame a moment to flush
	time.Sleep(100 * time.Millisecond)
	if err := broker.Close(); err != nil {
		log.Errorf("broker close err=%v", err)
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
