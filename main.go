package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"peerlink/backup"
	"peerlink/config"
	"peerlink/crypto"
	"peerlink/identity"
	"peerlink/offline"
	"peerlink/storage"
)

func main() {
	app := &cli.App{
		Name:  "peerlink",
		Usage: "peer-to-peer secure messaging node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "application data directory",
				EnvVars: []string{config.DataDirEnv},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (trace, debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			identityCommand(),
			trustCommand(),
			backupCommand(),
			queueCommand(),
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("Peerlink failed")
	}
}

// appEnv is the state every command opens before doing its work.
type appEnv struct {
	cfg      *config.DeviceConfig
	cfgPath  string
	dataDir  string
	store    *storage.Store
	dbPath   string
	identity *identity.Manager
}

func openEnv(c *cli.Context) (*appEnv, error) {
	if dir := c.String("data-dir"); dir != "" {
		if err := os.Setenv(config.DataDirEnv, dir); err != nil {
			return nil, err
		}
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.ParseLogLevel()
	if raw := c.String("log-level"); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
		level = parsed
	}
	logrus.SetLevel(level)

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	manager, err := identity.NewManager(identity.Options{KeysDir: cfg.KeysDir, Store: store})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if _, err := manager.Initialize(cfg.DeviceName); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialize identity: %w", err)
	}

	return &appEnv{
		cfg:      cfg,
		cfgPath:  cfgPath,
		dataDir:  dataDir,
		store:    store,
		dbPath:   dbPath,
		identity: manager,
	}, nil
}

func (e *appEnv) Close() {
	if err := e.store.Close(); err != nil {
		logrus.WithError(err).Warn("Database close failed")
	}
}

// withEnv opens the environment around a command action.
func withEnv(action func(*cli.Context, *appEnv) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		env, err := openEnv(c)
		if err != nil {
			return err
		}
		defer env.Close()
		return action(c, env)
	}
}

func identityCommand() *cli.Command {
	return &cli.Command{
		Name:  "identity",
		Usage: "inspect or replace the local identity",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "print the local identity",
				Action: withEnv(showIdentity),
			},
			{
				Name:  "reset",
				Usage: "generate a new identity, discarding the current one",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "label", Usage: "label for the new identity"},
				},
				Action: withEnv(func(c *cli.Context, env *appEnv) error {
					label := c.String("label")
					if label == "" {
						label = env.cfg.DeviceName
					}
					if _, err := env.identity.CreateIdentity(label); err != nil {
						return err
					}
					return showIdentity(c, env)
				}),
			},
			{
				Name:  "events",
				Usage: "list recorded security events, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "peer", Usage: "only events concerning this peer DID"},
					&cli.StringFlag{Name: "type", Usage: "only events of this type"},
					&cli.StringFlag{Name: "severity", Usage: "only events of this severity (info, warning, critical)"},
					&cli.DurationFlag{Name: "since", Usage: "only events newer than this duration"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum number of events"},
				},
				Action: withEnv(listSecurityEvents),
			},
			{
				Name:  "prekeys",
				Usage: "list or generate one-time pre-keys",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "generate", Usage: "number of new pre-keys to generate"},
				},
				Action: withEnv(func(c *cli.Context, env *appEnv) error {
					if n := c.Int("generate"); n > 0 {
						if _, err := env.identity.GenerateOneTimePreKeys(n); err != nil {
							return err
						}
					}
					keys, err := env.identity.OneTimePreKeys()
					if err != nil {
						return err
					}
					fmt.Printf("One-time pre-keys: %d\n", len(keys))
					for _, key := range keys {
						fmt.Printf("  %s  %s\n", key.ID, crypto.FormatFingerprint(crypto.KeyFingerprint(key.PublicKey)))
					}
					return nil
				}),
			},
		},
	}
}

func showIdentity(_ *cli.Context, env *appEnv) error {
	current, err := env.identity.Current()
	if err != nil {
		return err
	}
	fmt.Printf("Identity:        %s\n", current.ID)
	fmt.Printf("Label:           %s\n", current.Label)
	fmt.Printf("Device ID:       %s\n", env.cfg.DeviceID)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(current.PublicKey)))
	fmt.Printf("Created:         %s\n", time.UnixMilli(current.CreatedAt).Format(time.RFC3339))
	fmt.Printf("Config File:     %s\n", env.cfgPath)
	fmt.Printf("Database File:   %s\n", env.dbPath)
	return nil
}

func listSecurityEvents(c *cli.Context, env *appEnv) error {
	filter := storage.SecurityEventFilter{
		PeerID:    c.String("peer"),
		EventType: c.String("type"),
		Severity:  c.String("severity"),
		Limit:     c.Int("limit"),
	}
	if since := c.Duration("since"); since > 0 {
		from := time.Now().Add(-since).UnixMilli()
		filter.FromTimestamp = &from
	}
	events, err := env.identity.SecurityEvents(filter)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No security events")
		return nil
	}
	for _, event := range events {
		peer := "-"
		if event.PeerID != nil {
			peer = *event.PeerID
		}
		fmt.Printf("%s  %-8s  %-22s  %s  %s\n",
			time.UnixMilli(event.Timestamp).Format(time.RFC3339),
			event.Severity,
			event.EventType,
			peer,
			event.Details)
	}
	return nil
}

func trustCommand() *cli.Command {
	return &cli.Command{
		Name:  "trust",
		Usage: "manage trusted peers",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "trust a peer identity",
				ArgsUsage: "<did>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "label", Usage: "display name for the peer"},
				},
				Action: withEnv(func(c *cli.Context, env *appEnv) error {
					id, err := requireArg(c, "did")
					if err != nil {
						return err
					}
					if err := env.identity.AddTrustedDevice(id, c.String("label"), nil); err != nil {
						return err
					}
					fmt.Printf("Trusted %s\n", id)
					return nil
				}),
			},
			{
				Name:      "remove",
				Usage:     "stop trusting a peer identity",
				ArgsUsage: "<did>",
				Action: withEnv(func(c *cli.Context, env *appEnv) error {
					id, err := requireArg(c, "did")
					if err != nil {
						return err
					}
					if err := env.identity.RemoveTrustedDevice(id); err != nil {
						return err
					}
					fmt.Printf("Removed %s\n", id)
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "list trusted peers",
				Action: withEnv(func(_ *cli.Context, env *appEnv) error {
					peers, err := env.identity.TrustedDevices()
					if err != nil {
						return err
					}
					if len(peers) == 0 {
						fmt.Println("No trusted peers")
						return nil
					}
					for _, peer := range peers {
						fmt.Printf("%s  %-20s  %s  since %s\n",
							peer.Identifier,
							peer.DisplayName,
							crypto.FormatFingerprint(crypto.KeyFingerprint(peer.PublicKey)),
							time.UnixMilli(peer.TrustedTimestamp).Format(time.RFC3339))
					}
					return nil
				}),
			},
		},
	}
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "export or import encrypted key backups",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "write an encrypted backup of the local keys",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "base64", Usage: "also print the backup as base64"},
				},
				Action: withEnv(func(c *cli.Context, env *appEnv) error {
					path, err := requireArg(c, "file")
					if err != nil {
						return err
					}
					passphrase, err := readPassphrase("Backup passphrase: ", true)
					if err != nil {
						return err
					}
					material, err := env.identity.KeyMaterial()
					if err != nil {
						return err
					}
					bundle, err := backup.CreateBackup(material.IdentityKey, material.SignedPreKey, material.OneTimePreKeys, passphrase)
					if err != nil {
						return err
					}
					if err := backup.WriteFile(path, bundle); err != nil {
						return err
					}
					fmt.Printf("Backup written to %s\n", path)
					if c.Bool("base64") {
						text, err := backup.ExportBase64(bundle)
						if err != nil {
							return err
						}
						fmt.Println(text)
					}
					return nil
				}),
			},
			{
				Name:      "restore",
				Usage:     "replace the local keys with the contents of a backup",
				ArgsUsage: "<file>",
				Action: withEnv(func(c *cli.Context, env *appEnv) error {
					path, err := requireArg(c, "file")
					if err != nil {
						return err
					}
					bundle, err := backup.ReadFile(path)
					if err != nil {
						return err
					}
					passphrase, err := readPassphrase("Backup passphrase: ", false)
					if err != nil {
						return err
					}
					material, err := backup.RestoreBackup(bundle, passphrase)
					if err != nil {
						return err
					}
					if _, err := env.identity.RestoreKeyMaterial(*material); err != nil {
						return err
					}
					return showIdentity(c, env)
				}),
			},
			{
				Name:      "validate",
				Usage:     "check a backup file's structure without decrypting it",
				ArgsUsage: "<file>",
				Action: func(c *cli.Context) error {
					path, err := requireArg(c, "file")
					if err != nil {
						return err
					}
					bundle, err := backup.ReadFile(path)
					if err != nil || !backup.Validate(bundle) {
						return cli.Exit("backup is not valid", 1)
					}
					fmt.Printf("Backup is valid (created %s)\n", time.UnixMilli(bundle.Timestamp).Format(time.RFC3339))
					return nil
				},
			},
		},
	}
}

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "inspect and maintain the offline delivery queue",
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "print queue counts",
				Action: withEnv(func(_ *cli.Context, env *appEnv) error {
					q, err := offline.NewQueue(offlineOptions(env))
					if err != nil {
						return err
					}
					stats := q.Stats()
					fmt.Printf("Total:   %d\nPending: %d\nSending: %d\nFailed:  %d\n",
						stats.Total, stats.Pending, stats.Sending, stats.Failed)

					failed, err := q.ListFailed()
					if err != nil {
						return err
					}
					for _, item := range failed {
						fmt.Printf("  failed %s -> %s after %d retries: %s\n", item.ID, item.PeerID, item.RetryCount, item.ErrorMessage)
					}
					return nil
				}),
			},
			{
				Name:  "retry",
				Usage: "return failed items to pending",
				Action: withEnv(func(c *cli.Context, env *appEnv) error {
					q, err := offline.NewQueue(offlineOptions(env))
					if err != nil {
						return err
					}
					reset, err := q.RetryFailedCommands(c.Context)
					if err != nil {
						return err
					}
					fmt.Printf("Reset %d failed items\n", reset)
					return nil
				}),
			},
			{
				Name:  "cleanup",
				Usage: "delete pending items older than the retention window",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "older-than", Usage: "override the configured retention"},
				},
				Action: withEnv(func(c *cli.Context, env *appEnv) error {
					q, err := offline.NewQueue(offlineOptions(env))
					if err != nil {
						return err
					}
					removed, err := q.CleanupOldCommands(c.Duration("older-than"))
					if err != nil {
						return err
					}
					fmt.Printf("Removed %d items\n", removed)
					return nil
				}),
			},
		},
	}
}

func offlineOptions(env *appEnv) offline.Options {
	cfg := env.cfg.Offline
	return offline.Options{
		Store:         env.store,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay.Std(),
		MaxRetryDelay: cfg.MaxRetryDelay.Std(),
		PollInterval:  cfg.PollInterval.Std(),
		Retention:     cfg.Retention.Std(),
		ItemTTL:       cfg.ItemTTL.Std(),
		DrainRate:     cfg.DrainRate,
	}
}

func requireArg(c *cli.Context, name string) (string, error) {
	value := strings.TrimSpace(c.Args().First())
	if value == "" {
		return "", fmt.Errorf("missing <%s> argument", name)
	}
	return value, nil
}

// readPassphrase prompts on the terminal without echo. Non-terminal stdin
// is read as a single line.
func readPassphrase(prompt string, confirm bool) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		return nonEmpty([]byte(strings.TrimRight(line, "\r\n")))
	}

	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		if string(again) != string(passphrase) {
			return nil, errors.New("passphrases do not match")
		}
	}
	return nonEmpty(passphrase)
}

func nonEmpty(passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase must not be empty")
	}
	return passphrase, nil
}

func contextOrBackground(c *cli.Context) context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}
