// Command console is the terminal operator console: it tails beamline
// telemetry, shows health and status, and takes operator commands on stdin.
//
// Commands:
//	set <kp> <ki> <kd> <freq> <setpoint>
//	recommission
//	estop
//	control on|off
//	quit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/joho/godotenv"
	"github.com/juju/errors"

	"github.com/beamline/console/internal/console"
	"github.com/beamline/console/internal/control"
	"github.com/beamline/console/internal/state"
	"github.com/beamline/console/internal/subscriber"
	"github.com/beamline/console/log2"
	"github.com/beamline/console/telemetry"
)

// terminalNotifier prints operator messages to stdout, one line each.
type terminalNotifier struct{}

func (terminalNotifier) Info(msg string)  { fmt.Printf("* %s\n", msg) }
func (terminalNotifier) Error(msg string) { fmt.Printf("! %s\n", msg) }
func (terminalNotifier) Alarm(a telemetry.Alarm) {
	fmt.Printf("!! ALARM %s %v\n", a.Type, a.Detail)
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
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg := state.MustReadConfig(log, state.NewOsFullReader("."), *flagConfig)
	log.Infof("console broker=%s control=%s", cfg.Tele.BrokerURL, cfg.Control.Address)

	sub, err := subscriber.NewSubscriber(subscriber.Options{
		BrokerURL:      cfg.Tele.BrokerURL,
		ClientID:       cfg.Tele.ClientID,
		TopicPrefix:    cfg.Tele.TopicPrefix,
		BufferSize:     cfg.Tele.Buffer,
		NetworkTimeout: cfg.TeleNetworkTimeout(),
		Log:            log.Clone(log2.LInfo),
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	ctl := console.NewController(console.Options{
		Source:          sub,
		Commands:        control.NewClient(cfg.Control.Address, cfg.ControlTimeout(), log),
		Notify:          terminalNotifier{},
		Log:             log,
		HistoryCapacity: cfg.Console.HistoryCapacity,
		Staleness:       cfg.Staleness(),
		PollInterval:    cfg.PollInterval(),
	})
	if err = ctl.Start(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if err = sub.Start(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	sdnotify(daemon.SdNotifyReady)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go readCommands(ctl, quit)
	go dashboard(ctl)

	select {
	case sig := <-sigch:
		log.Infof("signal %v, stopping", sig)
	case <-quit:
	}

	sdnotify(daemon.SdNotifyStopping)
	ctl.Stop()
}

// dashboard prints a one line summary every two seconds.
func dashboard(ctl *console.Controller) {
	for range time.Tick(2 * time.Second) {
		health, fault := ctl.Health()
		line := fmt.Sprintf("[%s] misses=%d", health, ctl.DeadlineMisses())
		if st, ok := ctl.Status(); ok {
			line += fmt.Sprintf(" freq=%.0fHz loops=%d avg=%.2fms control=%t estop=%t",
				st.LoopFrequency, st.LoopCount, st.AvgLoopTimeMS, st.ControlEnabled, st.EmergencyStop)
		}
		if snap := ctl.History(); snap.Len() > 0 {
			line += fmt.Sprintf(" pos=%+.3fmm", snap.Pos[snap.Len()-1])
		}
		if fault != "" {
			line += " fault=" + fault
		}
		fmt.Println(line)
	}
}

func readCommands(ctl *console.Controller, quit chan<- struct{}) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		words := strings.Fields(sc.Text())
		if len(words) == 0 {
			continue
		}
		switch words[0] {
		case "set":
			if len(words) != 6 {
				fmt.Println("usage: set <kp> <ki> <kd> <freq> <setpoint>")
				continue
			}
			var vals [5]float64
			bad := false
			for i, w := range words[1:] {
				v, err := strconv.ParseFloat(w, 64)
				if err != nil {
					fmt.Printf("bad number %q\n", w)
					bad = true
					break
				}
				vals[i] = v
			}
			if bad {
				continue
			}
			_ = ctl.ApplySettings(console.Settings{
				Kp: vals[0], Ki: vals[1], Kd: vals[2], Freq: vals[3], Setpoint: vals[4],
			})

		case "recommission":
			_ = ctl.Recommission()

		case "estop":
			_ = ctl.EmergencyStop()

		case "control":
			if len(words) != 2 || (words[1] != "on" && words[1] != "off") {
				fmt.Println("usage: control on|off")
				continue
			}
			shown, _ := ctl.ToggleControl(words[1] == "on")
			fmt.Printf("control: %t\n", shown)

		case "quit", "exit":
			close(quit)
			return

		default:
			fmt.Printf("unknown command %q\n", words[0])
		}
	}
	close(quit)
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
