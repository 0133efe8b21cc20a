// ScheduleBot keeps a Discord channel's game nights organized.
//
// Players create events and sign up with chat commands; the bot keeps a
// pinned summary of each event current and lets players link their
// Steam accounts by confirming a code it sends them on Steam.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); secrets live in the
// database and are managed with the setup subcommand.
//
// Usage:
//
//	schedulebot serve                    Run the bot
//	schedulebot init [dir]               Write an example config into dir
//	schedulebot setup <what> <values>    Store the token, Steam login, or first admin
//	schedulebot version                  Print version and build information
//	schedulebot -o json version          Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/schedulebot/examples"
	"github.com/nugget/schedulebot/internal/bootstrap"
	"github.com/nugget/schedulebot/internal/buildinfo"
	"github.com/nugget/schedulebot/internal/chat"
	"github.com/nugget/schedulebot/internal/config"
	"github.com/nugget/schedulebot/internal/mqtt"
	"github.com/nugget/schedulebot/internal/presence"
	"github.com/nugget/schedulebot/internal/reconcile"
	"github.com/nugget/schedulebot/internal/router"
	"github.com/nugget/schedulebot/internal/store"
	"github.com/nugget/schedulebot/internal/summary"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout and the
// caller prints the returned error. Arguments are parsed by hand so run
// keeps no package-level flag state and can be called from parallel
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "setup":
		return runSetupCommand(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ScheduleBot - Discord game night scheduling")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: schedulebot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                                 Run the bot")
	fmt.Fprintln(w, "  init [dir]                            Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  setup token <token>                   Store the Discord bot token")
	fmt.Fprintln(w, "  setup steam <user> <password> [code]  Store the Steam login")
	fmt.Fprintln(w, "  setup admin <discord-user-id>         Grant admin rights")
	fmt.Fprintln(w, "  version                               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/schedulebot/config.yaml, /etc/schedulebot/config.yaml")
	return nil
}

// runInit writes the example config into dir. An existing config.yaml
// is left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing ScheduleBot in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "  - %s already exists, not touched\n", configPath)
	} else {
		// 0600: the file may carry the MQTT password.
		if err := os.WriteFile(configPath, examples.ConfigYAML, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set master_channel in config.yaml, then store the bot token and Steam login with")
	fmt.Fprintln(w, "\"schedulebot setup\" before running \"schedulebot serve\".")
	return nil
}

// setupStore is the slice of the store the setup subcommand writes.
type setupStore interface {
	SetToken(ctx context.Context, token string) error
	SetSteamCredentials(ctx context.Context, username, password, authCode string) error
	AddAdmin(ctx context.Context, discordID string) error
}

func runSetupCommand(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	if err := checkSetupArgs(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath(), err)
	}
	defer st.Close()

	return runSetup(ctx, stdout, st, args)
}

const setupUsage = "usage: schedulebot setup token <token> | steam <user> <password> [code] | admin <discord-user-id>"

func checkSetupArgs(args []string) error {
	if len(args) == 0 {
		return errors.New(setupUsage)
	}
	switch args[0] {
	case "token", "admin":
		if len(args) != 2 || args[1] == "" {
			return errors.New(setupUsage)
		}
	case "steam":
		if len(args) < 3 || len(args) > 4 {
			return errors.New(setupUsage)
		}
	default:
		return fmt.Errorf("unknown setup target %q\n%s", args[0], setupUsage)
	}
	return nil
}

// runSetup stores one secret or the bootstrap admin.
func runSetup(ctx context.Context, w io.Writer, st setupStore, args []string) error {
	if err := checkSetupArgs(args); err != nil {
		return err
	}

	switch args[0] {
	case "token":
		if err := st.SetToken(ctx, args[1]); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
		fmt.Fprintln(w, "Discord token stored.")
	case "steam":
		var code string
		if len(args) == 4 {
			code = args[3]
		}
		if err := st.SetSteamCredentials(ctx, args[1], args[2], code); err != nil {
			return fmt.Errorf("store steam credentials: %w", err)
		}
		fmt.Fprintf(w, "Steam login for %s stored.\n", args[1])
	case "admin":
		if err := st.AddAdmin(ctx, args[1]); err != nil {
			return fmt.Errorf("add admin: %w", err)
		}
		fmt.Fprintf(w, "%s is now an admin.\n", args[1])
	}
	return nil
}

// runServe runs the bot until SIGINT or SIGTERM, or until the chat
// connection is lost for good.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting ScheduleBot", "build", buildinfo.String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already rejected bad levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"channel", cfg.MasterChannel,
		"prefix", cfg.Prefix,
		"admin_prefix", cfg.AdminApp.Prefix,
		"timezone", loc.String(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath(), err)
	}
	defer st.Close()
	logger.Info("database opened", "path", cfg.DatabasePath())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	chatClient := chat.New(chat.Config{
		APIURL:     cfg.Discord.APIURL,
		GatewayURL: cfg.Discord.GatewayURL,
	}, logger.With("component", "chat"))
	defer chatClient.Close()

	steam := presence.NewSteamTransport(logger.With("component", "steam"))
	handshake := presence.NewSequencer(steam, st, presence.Config{
		PersonaName:   cfg.Steam.Name,
		GameID:        cfg.Steam.GameID,
		SentryPath:    cfg.SentryPath(),
		ServiceLabel:  "Discord's " + cfg.Name,
		VerifyCommand: cfg.Prefix + " link-steam",
	}, logger.With("component", "presence"))

	summaries := summary.New(chatClient, st, summary.Config{
		ChannelID: cfg.MasterChannel,
		Prefix:    cfg.Prefix,
		Location:  loc,
	}, logger.With("component", "summary"))

	loop := reconcile.New(reconcile.Config{
		Events:    st,
		Refresher: summaries,
		Interval:  cfg.UpdateInterval,
		Logger:    logger.With("component", "reconcile"),
	})

	state := router.NewState()
	routerCfg := router.Config{
		ChannelID:         cfg.MasterChannel,
		DisallowTalking:   cfg.DisallowTalking,
		DeleteAfterReply:  cfg.DeleteAfterReply.Enabled,
		ReplyDeleteAfter:  cfg.DeleteAfterReply.Time,
		DenialDeleteAfter: cfg.DenialDeleteAfter,
		Store:             st,
		Summaries:         summaries,
		Location:          loc,
	}

	// --- MQTT status sensors (optional) ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyCounter(loc),
			botStats{state: state, loop: loop}, logger.With("component", "mqtt"))
		routerCfg.OnDecision = mqttPub.RecordDecision
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	}

	bot, err := bootstrap.Run(ctx, bootstrap.Config{
		Store:     st,
		Chat:      chatClient,
		Handshake: handshake,
		State:     state,
		Commands: bootstrap.Commands{
			Name:        cfg.Name,
			Prefix:      cfg.Prefix,
			AdminPrefix: cfg.AdminApp.Prefix,
			AdminDesc:   cfg.AdminApp.Desc,
		},
		Router:    routerCfg,
		Reconcile: loop,
		Logger:    logger,
	})
	if err != nil {
		var hErr *presence.HandshakeError
		if errors.As(err, &hErr) && (hErr.Code == presence.ResultAccountLogonDenied || hErr.Code == presence.ResultInvalidLoginAuthCode) {
			fmt.Fprintln(stderr, "Steam Guard code required: run \"schedulebot setup steam <user> <password> <code>\" with the code Steam emailed you.")
		}
		return err
	}

	if mqttPub != nil {
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	err = bot.Wait()
	logger.Info("shutting down")

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	if err != nil {
		return err
	}
	logger.Info("ScheduleBot stopped")
	return nil
}

// botStats adapts the routing state and reconciliation loop to the
// MQTT sensor set.
type botStats struct {
	state *router.State
	loop  *reconcile.Loop
}

func (b botStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (b botStats) Version() string { return buildinfo.Version }
func (b botStats) ActiveEvents() int { return b.loop.ActiveEvents() }
func (b botStats) Admins() int { return b.state.Access().Admins.Len() }
func (b botStats) Blacklisted() int { return b.state.Access().Blacklist.Len() }
func (b botStats) LastReconcile() time.Time { return b.loop.LastTick() }

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise [config.FindConfig] searches the
// default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
