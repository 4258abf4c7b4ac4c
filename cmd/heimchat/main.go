package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/465583030/heim/internal/config"
	"github.com/465583030/heim/internal/notify"
	"github.com/465583030/heim/internal/session"
	"github.com/465583030/heim/internal/storage"
	"github.com/465583030/heim/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "heimchat [room]",
	Short: "heim chat client with a local browser view",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChat,
}

var (
	flagConfig      string
	flagOrigin      string
	flagPrefix      string
	flagRoom        string
	flagNick        string
	flagPort        int
	flagDataPath    string
	flagRelayURLs   []string
	flagName        string
	flagCredKey     string
	flagHide        bool
	flagDescription string
	flagOwner       string
	flagTags        []string
	flagLogLevel    string
	flagLogPackets  bool
	flagPretty      bool
	flagNotify      bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "path to a TOML config file")
	flags.StringVar(&flagOrigin, "server", "", "heim server origin, e.g. https://euphoria.leet.nu")
	flags.StringVar(&flagPrefix, "prefix", "", "path prefix of the heim server")
	flags.StringVar(&flagRoom, "room", "", "room to join")
	flags.StringVar(&flagNick, "nick", "", "nick to use when the room has none stored")
	flags.IntVar(&flagPort, "port", 0, "local HTTP port (negative to disable)")
	flags.StringVar(&flagDataPath, "data-path", "", "directory for settings and the message cache (PebbleDB)")
	flags.StringSliceVar(&flagRelayURLs, "relay-url", nil, "portal relay URL(s) to publish the view on; repeat or comma-separated")
	flags.StringVar(&flagName, "name", "", "relay lease name")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key for relay listeners (base64 encoded)")
	flags.BoolVar(&flagHide, "hide", false, "hide the lease from portal listings")
	flags.StringVar(&flagDescription, "description", "", "lease description")
	flags.StringVar(&flagOwner, "owner", "", "lease owner")
	flags.StringSliceVar(&flagTags, "tags", nil, "comma-separated lease tags")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&flagLogPackets, "log-packets", false, "trace every frame sent and received")
	flags.BoolVar(&flagPretty, "pretty", false, "human friendly console logs")
	flags.BoolVar(&flagNotify, "notify", true, "raise notifications for new messages while the view is unfocused")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute heimchat command")
	}
}

// overrides collects the flags the user actually set, keyed like the config.
func overrides(cmd *cobra.Command, args []string) map[string]any {
	flags := cmd.Flags()
	out := map[string]any{}
	set := func(name, key string, v any) {
		if flags.Changed(name) {
			out[key] = v
		}
	}
	set("server", "server.origin", flagOrigin)
	set("prefix", "server.prefix", flagPrefix)
	set("room", "room", flagRoom)
	set("nick", "nick", flagNick)
	set("port", "http.port", flagPort)
	set("data-path", "data_path", flagDataPath)
	set("relay-url", "relay.urls", flagRelayURLs)
	set("name", "relay.name", flagName)
	set("cred-key", "relay.cred_key", flagCredKey)
	set("hide", "relay.hide", flagHide)
	set("description", "relay.description", flagDescription)
	set("owner", "relay.owner", flagOwner)
	set("tags", "relay.tags", flagTags)
	set("log-level", "log.level", flagLogLevel)
	set("log-packets", "log.packets", flagLogPackets)
	set("pretty", "log.pretty", flagPretty)
	if len(args) > 0 {
		out["room"] = args[0]
	}
	return out
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig, overrides(cmd, args))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg)

	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional: open persistent store for settings and history
	var settings session.SettingsStore = session.NewMemorySettings()
	var store *storage.Store
	if cfg.DataPath != "" {
		s, err := storage.Open(cfg.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[heimchat] open store failed; running in memory only")
		} else {
			store = s
			settings = s
		}
	}
	if cfg.Nick != "" {
		seedNick(settings, cfg.Room, cfg.Nick)
	}

	socket := transport.New(transport.Config{
		Origin:          cfg.Server.Origin,
		Prefix:          cfg.Server.Prefix,
		PingLimit:       cfg.Transport.PingLimit,
		ReconnectMin:    cfg.Transport.ReconnectMin,
		ReconnectJitter: cfg.Transport.ReconnectJitter,
		IdleCheck:       cfg.Transport.IdleCheck,
		LogPackets:      cfg.Log.Packets,
	})
	machine := session.New(session.Config{
		Transport:  socket,
		Settings:   settings,
		Reporter:   identityLog{},
		LogBacklog: cfg.Session.LogBacklog,
		LogPage:    cfg.Session.LogPage,
	})

	if store != nil {
		// Load only the most recent messages to avoid slow startup
		if msgs, err := store.LoadRecent(cfg.Room, cfg.Session.CacheSize); err != nil {
			log.Warn().Err(err).Msg("[heimchat] load history failed")
		} else if len(msgs) > 0 {
			machine.Seed(msgs)
			log.Info().Msgf("[heimchat] loaded %d cached messages for &%s", len(msgs), cfg.Room)
		}
		newLogCache(store, cfg.Room, cfg.Session.CacheSize).attach(machine)
	}

	hub := newHub(machine)
	notifier := notify.New(notify.Config{Sink: notify.SinkFunc(hub.notify), Enabled: flagNotify})
	notifier.Attach(machine)
	hub.attach(notifier)

	machine.Connect(cfg.Room)
	machine.JoinRoom()
	log.Info().Msgf("[heimchat] connecting to &%s at %s", cfg.Room, cfg.Server.Origin)

	runDone := make(chan error, 1)
	go func() { runDone <- machine.Run(ctx, socket.Events()) }()

	handler := NewHandler(cfg.Room, hub)

	relays, err := serveRelays(ctx, cfg, handler)
	if err != nil {
		log.Warn().Err(err).Msg("[heimchat] relay publishing disabled")
	}

	// Optional local server on --port
	var httpSrv *http.Server
	if cfg.HTTP.Port >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTP.Port), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[heimchat] serving locally at http://127.0.0.1:%d", cfg.HTTP.Port)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[heimchat] local http stopped")
			}
		}()
	}

	// Unified shutdown watcher
	go func() {
		<-ctx.Done()
		relays.close()
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("[heimchat] http server shutdown error")
			}
		}
	}()

	// Wait for cancel, then clean up hub, engine and store
	<-ctx.Done()
	hub.closeAll()
	hub.wait()
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("[heimchat] session loop stopped")
	}
	if err := socket.Close(); err != nil {
		log.Warn().Err(err).Msg("[heimchat] socket close error")
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[heimchat] store close error")
		}
	}
	log.Info().Msg("[heimchat] shutdown complete")
	return nil
}

// seedNick stores nick for room unless the room already has one.
func seedNick(settings session.SettingsStore, room, nick string) {
	cur, err := settings.Load(room)
	if err != nil {
		log.Warn().Err(err).Msg("[heimchat] load settings failed")
		return
	}
	if cur.Nick != "" {
		return
	}
	if err := settings.SetNick(room, nick); err != nil {
		log.Warn().Err(err).Msg("[heimchat] store nick failed")
	}
}

type identityLog struct{}

func (identityLog) SetUserContext(u session.UserContext) {
	log.Info().Str("id", u.ID).Str("session", u.SessionID).Msgf("[heimchat] identified as %s", u.Nick)
}
