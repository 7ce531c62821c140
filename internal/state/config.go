// Package state loads and validates the HCL configuration shared by the
// console and the simulator binaries.
package state

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/beamline/console/helpers"
	"github.com/beamline/console/log2"
)

type Config struct {
	Tele struct {
		BrokerURL   string `hcl:"broker_url"`
		ClientID    string `hcl:"client_id"`
		TopicPrefix string `hcl:"topic_prefix"`
		Buffer      int    `hcl:"buffer"`
		NetworkSec  int    `hcl:"network_sec"`
	} `hcl:"tele"`

	Control struct {
		Address    string `hcl:"address"`
		TimeoutSec int    `hcl:"timeout_sec"`
	} `hcl:"control"`

	Console struct {
		HistoryCapacity int `hcl:"history"`
		StalenessMs     int `hcl:"staleness_ms"`
		PollMs          int `hcl:"poll_ms"`
	} `hcl:"console"`

	Sim struct {
		ListenTele    string  `hcl:"listen_tele"`
		ListenControl string  `hcl:"listen_control"`
		FrequencyHz   float64 `hcl:"frequency_hz"`
		Setpoint      float64 `hcl:"setpoint"`
		Kp            float64 `hcl:"kp"`
		Ki            float64 `hcl:"ki"`
		Kd            float64 `hcl:"kd"`
		Seed          int64   `hcl:"seed"`
	} `hcl:"sim"`

	_copy_guard sync.Mutex //nolint:unused
}

func (c *Config) ControlTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Control.TimeoutSec, 5*time.Second)
}
func (c *Config) TeleNetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Tele.NetworkSec, 30*time.Second)
}
func (c *Config) Staleness() time.Duration {
	return helpers.IntMillisecondDefault(c.Console.StalenessMs, 2*time.Second)
}
func (c *Config) PollInterval() time.Duration {
	return helpers.IntMillisecondDefault(c.Console.PollMs, time.Second)
}

// setDefaults is the single place where fallback values live.
func (c *Config) setDefaults() {
	if c.Tele.BrokerURL == "" {
		c.Tele.BrokerURL = "tcp://127.0.0.1:5556"
	}
	if c.Tele.ClientID == "" {
		c.Tele.ClientID = "beamline-console"
	}
	if c.Tele.TopicPrefix == "" {
		c.Tele.TopicPrefix = "beamline"
	}
	if c.Control.Address == "" {
		c.Control.Address = "127.0.0.1:5555"
	}
	if c.Sim.ListenTele == "" {
		c.Sim.ListenTele = "tcp://127.0.0.1:5556"
	}
	if c.Sim.ListenControl == "" {
		c.Sim.ListenControl = "127.0.0.1:5555"
	}
	if c.Sim.FrequencyHz == 0 {
		c.Sim.FrequencyHz = 1000
	}
	if c.Sim.Kp == 0 && c.Sim.Ki == 0 && c.Sim.Kd == 0 {
		c.Sim.Kp, c.Sim.Ki, c.Sim.Kd = 0.6, 0.05, 0
	}
}

func ReadConfig(log *log2.Log, fs FullReader, name string) (*Config, error) {
	if name == "" {
		log.Fatal("code error [Must]ReadConfig() without name")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, base := filepath.Split(name)
		osfs.SetBase(dir)
		name = base
	}
	norm := fs.Normalize(name)
	log.Debugf("config reading path=%s", norm)

	c := &Config{}
	bs, err := fs.ReadAll(norm)
	if err != nil {
		return nil, errors.Annotatef(err, "config read path=%s", norm)
	}
	if bs == nil {
		return nil, errors.NotFoundf("config path=%s", norm)
	}
	if err = hcl.Unmarshal(bs, c); err != nil {
		return nil, errors.Annotatef(err, "config unmarshal path=%s content='%s'", norm, string(bs))
	}
	c.setDefaults()
	return c, nil
}

func MustReadConfig(log *log2.Log, fs FullReader, name string) *Config {
	c, err := ReadConfig(log, fs, name)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
