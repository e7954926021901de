// Package config loads the dedicated server's YAML configuration.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is searched when no explicit config path is given.
const DefaultPath = "configs/server.yaml"

// Server configures the dedicated game server binary.
type Server struct {
	// Name and Description appear in server listings.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Bind is the UDP address the session listens on.
	Bind string `yaml:"bind"`
	// Host is the rendezvous host address; empty for LAN-only play.
	Host string `yaml:"host"`
	// Global registers the server with the rendezvous host.
	Global bool `yaml:"global"`

	MaxPlayers uint32 `yaml:"max_players"`
	// UPS is the simulation rate in frames per second.
	UPS uint32 `yaml:"ups"`
	// HasPassword flags the listing; the engine carries no password
	// checking itself.
	HasPassword bool `yaml:"has_password"`

	// SaveDir is where the universe persists on shutdown; empty disables
	// saving.
	SaveDir string `yaml:"save_dir"`

	// DiagAddr is the HTTP listen address of the status feed; empty
	// disables it.
	DiagAddr string `yaml:"diag_addr"`

	// World sizes the mist grid.
	World WorldConfig `yaml:"world"`

	Log LogConfig `yaml:"log"`
}

// WorldConfig sizes the demo world.
type WorldConfig struct {
	Name   string `yaml:"name"`
	Width  int32  `yaml:"width"`
	Height int32  `yaml:"height"`
}

// LogConfig tunes the structured event router.
type LogConfig struct {
	// Sinks enables router sinks by name: console, json.
	Sinks []string `yaml:"sinks"`
	// JSONPath is the NDJSON file the json sink appends to.
	JSONPath string `yaml:"json_path"`
	// MinSeverity is the router floor: debug, info, warn, error.
	MinSeverity string `yaml:"min_severity"`
}

// Default returns the compiled-in configuration.
func Default() Server {
	return Server{
		Name:        "emberfall",
		Description: "dedicated emberfall server",
		Bind:        "0.0.0.0:26016",
		MaxPlayers:  16,
		UPS:         60,
		World: WorldConfig{
			Name:   "mist",
			Width:  256,
			Height: 256,
		},
		Log: LogConfig{
			Sinks:       []string{"console"},
			MinSeverity: "info",
		},
	}
}

// Load reads the configuration. An explicit path must exist; otherwise
// DefaultPath is used when present, and the compiled-in defaults when not.
// Zero fields are filled from the defaults either way.
func Load(path string) (Server, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return Default(), nil
		}
		return Server{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Server{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Server{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c *Server) fillDefaults() {
	def := Default()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Description == "" {
		c.Description = def.Description
	}
	if c.Bind == "" {
		c.Bind = def.Bind
	}
	if c.MaxPlayers == 0 {
		c.MaxPlayers = def.MaxPlayers
	}
	if c.UPS == 0 {
		c.UPS = def.UPS
	}
	if c.World.Name == "" {
		c.World.Name = def.World.Name
	}
	if c.World.Width == 0 {
		c.World.Width = def.World.Width
	}
	if c.World.Height == 0 {
		c.World.Height = def.World.Height
	}
	if len(c.Log.Sinks) == 0 {
		c.Log.Sinks = def.Log.Sinks
	}
	if c.Log.MinSeverity == "" {
		c.Log.MinSeverity = def.Log.MinSeverity
	}
}

// Validate rejects values the engine cannot run with.
func (c Server) Validate() error {
	if _, err := c.BindAddr(); err != nil {
		return err
	}
	if c.Host != "" {
		if _, err := c.HostAddr(); err != nil {
			return err
		}
	}
	if c.Global && c.Host == "" {
		return fmt.Errorf("config: global server requires a rendezvous host")
	}
	if c.World.Width <= 0 || c.World.Height <= 0 {
		return fmt.Errorf("config: world grid %dx%d is not positive", c.World.Width, c.World.Height)
	}
	return nil
}

// BindAddr parses the bind address.
func (c Server) BindAddr() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.Bind)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("config: bind %q: %w", c.Bind, err)
	}
	return ap, nil
}

// HostAddr parses the rendezvous host address; zero when unset.
func (c Server) HostAddr() (netip.AddrPort, error) {
	if c.Host == "" {
		return netip.AddrPort{}, nil
	}
	ap, err := netip.ParseAddrPort(c.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("config: host %q: %w", c.Host, err)
	}
	return ap, nil
}
