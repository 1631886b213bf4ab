package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-sync/internal/store"
	"github.com/park285/cheese-sync/internal/transport/api"
)

type openFunc func(ctx context.Context, opt store.Options) (store.Store, error)

type rootOptions struct {
	Driver     string
	RedisURL   string
	SQLitePath string
	APIURL     string
	Format     string // "text" | "json"

	open       openFunc
	clientOpts []api.Option
}

func newRootCommand(open openFunc, clientOpts ...api.Option) *cobra.Command {
	if open == nil {
		open = store.Open
	}
	opts := &rootOptions{open: open, clientOpts: clientOpts}

	cmd := &cobra.Command{
		Use:           "snapshotctl",
		Short:         "Inspect cheese-sync snapshots and drive a running server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}

	driver := envDefault("STORE_DRIVER", "")
	redisURL := envDefault("REDIS_URL", "")
	if driver == "" {
		driver = store.DriverSQLite
		if redisURL != "" {
			driver = store.DriverRedis
		}
	}
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", driver, "store driver (redis|sqlite|memory)")
	cmd.PersistentFlags().StringVar(&opts.RedisURL, "redis-url", redisURL, "redis url for the redis store")
	cmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite-path", envDefault("SQLITE_PATH", "data/snapshots.db"), "database file for the sqlite store")
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", envDefault("CHEESE_API_URL", "http://127.0.0.1:8081"), "base url of the HTTP tool surface")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	cmd.AddCommand(newStateCommand(opts))
	cmd.AddCommand(newMoveCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newEndCommand(opts))
	return cmd
}

func (o *rootOptions) openStore(ctx context.Context) (store.Store, error) {
	return o.open(ctx, store.Options{Driver: o.Driver, RedisURL: o.RedisURL, SQLitePath: o.SQLitePath})
}

func (o *rootOptions) client() *api.Client {
	return api.NewClient(o.APIURL, o.clientOpts...)
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
