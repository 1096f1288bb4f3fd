// Command dlnkd runs the license service and its operator tooling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"dlnkd/internal/app"
	"dlnkd/internal/config"
	"dlnkd/internal/crypto"
	"dlnkd/internal/errs"
	"dlnkd/internal/exporter"
	"dlnkd/internal/hwid"
	"dlnkd/internal/license"
	"dlnkd/internal/policy"
	"dlnkd/internal/store"
)

const (
	exitOK       = 0
	exitRejected = 2
	exitInternal = 3
)

func main() {
	cliApp := &cli.App{
		Name:  "dlnkd",
		Usage: "license issuance, binding, and validation service for dLNk IDE",
		Commands: []*cli.Command{
			serverCommand(),
			generateCommand(),
			validateCommand(),
			revokeCommand(),
			statsCommand(),
			hwidCommand(),
			exportCommand(),
			userAddCommand(),
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		if _, ok := err.(cli.ExitCoder); !ok {
			err = cli.Exit(err.Error(), exitInternal)
		}
		cli.HandleExitCoder(err)
	}
}

// exitFor maps tagged errors to the documented exit codes: policy
// rejections exit 2, everything unexpected exits 3.
func exitFor(err error) cli.ExitCoder {
	if errs.KindOf(err) == errs.KindInternal {
		return cli.Exit(fmt.Sprintf("error: %v", err), exitInternal)
	}
	return cli.Exit(fmt.Sprintf("rejected: %s", errs.AsError(err).Message()), exitRejected)
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "start the HTTP API",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return cli.Exit(err.Error(), exitInternal)
			}
			a, err := app.New(c.Context, cfg)
			if err != nil {
				return cli.Exit(err.Error(), exitInternal)
			}
			if err := a.Run(c.Context); err != nil {
				return cli.Exit(err.Error(), exitInternal)
			}
			return nil
		},
	}
}

// localEnv is the offline toolchain: same engine as the server, no HTTP.
type localEnv struct {
	store  store.Store
	audit  *store.Recorder
	engine *policy.Engine
}

func openLocal(ctx context.Context) (*localEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher([]byte(cfg.Security.MasterSecret), []byte(cfg.Security.Salt))
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	audit := store.NewRecorder(st, 256, logger)
	engine := policy.NewEngine(st, license.NewCodec(cipher), cipher,
		crypto.NewTOTPManager(cfg.Security.TOTPIssuer), audit, cfg, logger)

	return &localEnv{store: st, audit: audit, engine: engine}, nil
}

// close drains queued audit events, then releases the store.
func (env *localEnv) close() {
	drained, cancel := context.WithCancel(context.Background())
	cancel()
	_ = env.audit.Run(drained)
	_ = env.store.Close()
}

func withLocal(c *cli.Context, fn func(ctx context.Context, env *localEnv) error) error {
	env, err := openLocal(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), exitInternal)
	}
	defer env.close()

	if err := fn(c.Context, env); err != nil {
		return exitFor(err)
	}
	return nil
}

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "issue a new license and print its key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Required: true, Usage: "trial, pro, or enterprise"},
			&cli.IntFlag{Name: "days", Required: true, Usage: "validity in days"},
			&cli.StringFlag{Name: "owner", Required: true},
			&cli.StringFlag{Name: "email"},
			&cli.StringFlag{Name: "user"},
			&cli.StringSliceFlag{Name: "features", Usage: "additional feature grants"},
		},
		Action: func(c *cli.Context) error {
			return withLocal(c, func(ctx context.Context, env *localEnv) error {
				gen, err := env.engine.IssueLicense(ctx, policy.IssueRequest{
					UserID:       c.String("user"),
					Type:         license.Type(c.String("type")),
					DurationDays: c.Int("days"),
					Features:     c.StringSlice("features"),
					Owner:        c.String("owner"),
					Email:        c.String("email"),
					Actor:        "cli",
				})
				if err != nil {
					return err
				}
				fmt.Printf("key:        %s\n", gen.Key)
				fmt.Printf("type:       %s\n", gen.Payload.Type)
				fmt.Printf("expires_at: %s\n", gen.Payload.ExpiresAt.Format(time.RFC3339))
				fmt.Printf("blob:       %s\n", gen.Blob)
				return nil
			})
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "validate a license key against the local store",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "hwid", Usage: "hardware id to present (default: this machine)"},
		},
		Action: func(c *cli.Context) error {
			key := c.Args().First()
			if key == "" {
				return cli.Exit("usage: dlnkd validate <key> [--hwid]", exitRejected)
			}
			return withLocal(c, func(ctx context.Context, env *localEnv) error {
				machine := c.String("hwid")
				if machine == "" {
					id, err := hwid.NewProvider().Compute()
					if err != nil {
						return err
					}
					machine = id
				}
				res, err := env.engine.ValidateLicense(ctx, key, machine, "")
				if err != nil {
					return err
				}
				fmt.Printf("status:         %s (%s)\n", res.Status, res.Outcome)
				fmt.Printf("type:           %s\n", res.Type)
				fmt.Printf("days_remaining: %d\n", res.DaysRemaining)
				fmt.Printf("features:       %s\n", strings.Join(res.Features, ", "))
				if res.ExpiryWarning {
					fmt.Println("warning:        license expires soon")
				}
				return nil
			})
		},
	}
}

func revokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "revoke",
		Usage:     "revoke a license permanently",
		ArgsUsage: "<key>",
		Action: func(c *cli.Context) error {
			key := c.Args().First()
			if key == "" {
				return cli.Exit("usage: dlnkd revoke <key>", exitRejected)
			}
			return withLocal(c, func(ctx context.Context, env *localEnv) error {
				if err := env.engine.RevokeLicense(ctx, key, "cli", ""); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", license.MaskKey(key))
				return nil
			})
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print store statistics",
		Action: func(c *cli.Context) error {
			return withLocal(c, func(ctx context.Context, env *localEnv) error {
				stats, err := env.engine.Stats(ctx)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}
}

func hwidCommand() *cli.Command {
	return &cli.Command{
		Name:  "hwid",
		Usage: "print this machine's hardware fingerprint",
		Action: func(c *cli.Context) error {
			id, err := hwid.NewProvider().Compute()
			if err != nil {
				return cli.Exit(err.Error(), exitInternal)
			}
			fmt.Println(id)
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "write a license or audit report",
		ArgsUsage: "<licenses|audit>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "csv", Usage: "csv or xlsx"},
			&cli.StringFlag{Name: "out", Usage: "output path (default: report name + date)"},
		},
		Action: func(c *cli.Context) error {
			report := c.Args().First()
			if report != "licenses" && report != "audit" {
				return cli.Exit("usage: dlnkd export <licenses|audit> [--format csv|xlsx] [--out path]", exitRejected)
			}
			format, err := exporter.ParseFormat(c.String("format"))
			if err != nil {
				return cli.Exit(err.Error(), exitRejected)
			}

			return withLocal(c, func(ctx context.Context, env *localEnv) error {
				path := c.String("out")
				if path == "" {
					path = exporter.Filename(report, format, time.Now())
				}
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()

				switch report {
				case "licenses":
					recs, err := env.engine.ListLicenses(ctx, store.LicenseFilter{})
					if err != nil {
						return err
					}
					if err := exporter.Licenses(f, format, recs); err != nil {
						return err
					}
				case "audit":
					events, err := env.engine.ListAudit(ctx, store.AuditFilter{})
					if err != nil {
						return err
					}
					if err := exporter.Audit(f, format, events); err != nil {
						return err
					}
				}
				fmt.Printf("wrote %s\n", path)
				return nil
			})
		},
	}
}

func userAddCommand() *cli.Command {
	return &cli.Command{
		Name:  "user-add",
		Usage: "create an operator account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Required: true},
			&cli.StringFlag{Name: "password", Required: true},
			&cli.StringFlag{Name: "role", Value: "admin", Usage: "user, admin, or superadmin"},
			&cli.StringFlag{Name: "email"},
		},
		Action: func(c *cli.Context) error {
			return withLocal(c, func(ctx context.Context, env *localEnv) error {
				rec, err := env.engine.CreateUser(ctx, c.String("username"), c.String("password"),
					c.String("email"), store.Role(c.String("role")), "cli", "")
				if err != nil {
					return err
				}
				fmt.Printf("created %s (%s), id %s\n", rec.Username, rec.Role, rec.UserID)
				fmt.Println("the password must be changed on first login")
				return nil
			})
		},
	}
}
