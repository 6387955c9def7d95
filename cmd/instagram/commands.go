package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/jwt"
	"github.com/smallbiznis/instagram-connect/internal/repository"
	"github.com/smallbiznis/instagram-connect/internal/scheduler"
)

const stopTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the refresh job",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(coreModule, serveModule)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh every token close to expiry once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			var job *scheduler.RefreshJob
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				report, err := job.RunOnce(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			}, fx.Populate(&job))
		},
	}
}

type tokenOptions struct {
	Subject      string
	SiteID       int64
	Capabilities []string
}

func tokenCmd() *cobra.Command {
	opts := tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a capability token for the protected routes",
		Long: `token mints a capability token accepted as a Bearer token or in the
instagram_capability cookie. A site id of 0 grants every site of the network.

Tokens are signed with the key stored in the database; with in-memory
repositories the key only lives as long as this command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg       config.Config
				generator *jwt.Generator
			)
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				if cfg.DatabaseURL == "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: DATABASE_URL not set, the token will not validate on a server")
				}
				token, expiry, err := generator.Issue(ctx, opts.Subject, cfg.HomeURL, opts.Capabilities, opts.SiteID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"token":      token,
					"expires_at": expiry.Format(time.RFC3339),
					"site_id":    opts.SiteID,
				})
			}, fx.Populate(&cfg, &generator))
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.Subject, "subject", "admin", "token subject")
	fs.Int64Var(&opts.SiteID, "site", 0, "site id the token is limited to (0 for every site)")
	fs.StringSliceVar(&opts.Capabilities, "capability", []string{jwt.CapabilityManageOptions}, "granted capabilities")

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the signing key, revoking every issued token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var keys *jwt.KeyManager
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				key, err := keys.Rotate(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"kid":        key.KID,
					"created_at": key.CreatedAt.Format(time.RFC3339),
				})
			}, fx.Populate(&keys))
		},
	})
	return cmd
}

type siteOptions struct {
	ID   int64
	Name string
}

func siteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Manage the sites of a multisite network",
	}

	opts := siteOptions{}
	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				sites repository.SiteRepository
				node  *snowflake.Node
			)
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				s := domain.Site{ID: opts.ID, URL: args[0], Name: opts.Name}
				if s.ID == 0 {
					s.ID = node.Generate().Int64()
				}
				if s.Name == "" {
					s.Name = s.Host()
				}
				created, err := sites.CreateSite(ctx, s)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), siteView(created))
			}, fx.Populate(&sites, &node))
		},
	}
	add.Flags().Int64Var(&opts.ID, "id", 0, "site id (generated when omitted)")
	add.Flags().StringVar(&opts.Name, "name", "", "site name (defaults to the host)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sites repository.SiteRepository
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				all, err := sites.ListSites(ctx)
				if err != nil {
					return err
				}
				views := make([]map[string]any, 0, len(all))
				for _, s := range all {
					views = append(views, siteView(s))
				}
				return writeJSON(cmd.OutOrStdout(), views)
			}, fx.Populate(&sites))
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

// runOnce starts the core graph, runs fn and stops the graph again.
func runOnce(parent context.Context, fn func(ctx context.Context) error, opts ...fx.Option) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := fx.New(append([]fx.Option{coreModule, fx.NopLogger}, opts...)...)
	if err := app.Start(ctx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func siteView(s domain.Site) map[string]any {
	return map[string]any{"id": s.ID, "url": s.BaseURL(), "name": s.Name}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
