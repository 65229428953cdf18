package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	// relay
	bind        string
	port        int
	prefix      string
	profile     bool
	roomTimeout time.Duration
	signalRate  float64
	signalBurst int
	tlsCert     string
	tlsKey      string

	// play
	relay             string
	name              string
	room              string
	rounds            int
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	iceServers        []string

	verbose bool
}

func (c *Config) validateRelay() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.signalRate <= 0 || c.signalBurst < 1 {
		return fmt.Errorf("invalid signal limit (rate must be > 0, burst >= 1): %v/%d", c.signalRate, c.signalBurst)
	}
	return nil
}

func (c *Config) validatePlay() error {
	if strings.TrimSpace(c.name) == "" {
		return errors.New("--name is required")
	}
	u, err := url.Parse(c.relay)
	if err != nil {
		return fmt.Errorf("invalid relay url %q: %w", c.relay, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid relay url scheme (must be http, https, ws or wss): %q", u.Scheme)
	}
	if c.room != "" {
		if _, err := normalizeRoomCode(c.room); err != nil {
			return err
		}
	}
	if c.rounds < 1 {
		return fmt.Errorf("%w: %d", errInvalidRounds, c.rounds)
	}
	if c.heartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval: %s", c.heartbeatInterval)
	}
	if c.heartbeatTimeout <= c.heartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed heartbeat interval (%s)", c.heartbeatTimeout, c.heartbeatInterval)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// loadDotEnv populates the environment from ./.env, if present, before
// flags are bound to it.
func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(v.GetStringSlice(f.Name))
				return
			}
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newRelayCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay that lets players find each other.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validateRelay(); err != nil {
				return err
			}
			return ServeRelay(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: STORYRELAY_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: STORYRELAY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: STORYRELAY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: STORYRELAY_PROFILE)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", 30*time.Minute, "time before empty rooms are discarded (env: STORYRELAY_ROOM_TIMEOUT)")
	fs.Float64Var(&cfg.signalRate, "signal-rate", 32, "signaling frames per second allowed per peer (env: STORYRELAY_SIGNAL_RATE)")
	fs.IntVar(&cfg.signalBurst, "signal-burst", 64, "signaling frames a peer may send in a burst (env: STORYRELAY_SIGNAL_BURST)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: STORYRELAY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: STORYRELAY_TLS_KEY)")

	bindEnv(v, fs)

	return cmd
}

func newPlayCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Create or join a room and play from the terminal.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validatePlay(); err != nil {
				return err
			}
			return Play(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()

	fs.StringVarP(&cfg.relay, "relay", "r", "ws://localhost:8080", "relay base url (env: STORYRELAY_RELAY)")
	fs.StringVarP(&cfg.name, "name", "n", "", "nickname shown to other players (env: STORYRELAY_NAME)")
	fs.StringVar(&cfg.room, "room", "", "room code to join; a new room is created when empty (env: STORYRELAY_ROOM)")
	fs.IntVar(&cfg.rounds, "rounds", 3, "rounds to play when starting a game as host (env: STORYRELAY_ROUNDS)")
	fs.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", time.Second, "time between heartbeats (env: STORYRELAY_HEARTBEAT_INTERVAL)")
	fs.DurationVar(&cfg.heartbeatTimeout, "heartbeat-timeout", 5*time.Second, "time without heartbeat before a peer is offline (env: STORYRELAY_HEARTBEAT_TIMEOUT)")
	fs.StringSliceVar(&cfg.iceServers, "ice-server", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, "STUN/TURN server urls (env: STORYRELAY_ICE_SERVER)")

	bindEnv(v, fs)

	return cmd
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("STORYRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "storyrelay",
		Short:         "A peer-to-peer story relay game for small groups.",
		SilenceErrors: true,
		Version:       releaseVersion,
	}

	pfs := cmd.PersistentFlags()
	pfs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: STORYRELAY_VERBOSE)")
	bindEnv(v, pfs)

	cmd.AddCommand(newRelayCmd(cfg, v), newPlayCmd(cfg, v))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("storyrelay v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
