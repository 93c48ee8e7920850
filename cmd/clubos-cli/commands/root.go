package commands

import (
	"context"
	"fmt"
	"os"

	"gymbot-backend/internal/clubos"
	"gymbot-backend/internal/components/telemetry"
	"gymbot-backend/internal/credentials"
	"gymbot-backend/lib/configutil"
	"gymbot-backend/lib/restyutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type Config struct {
	ClubOS      clubos.Config      `json:"clubos"`
	Credentials credentials.Config `json:"credentials"`
}

func (c *Config) Validate() error {
	if c.ClubOS.BaseUrl == "" {
		return fmt.Errorf("clubos.base_url is required")
	}
	return nil
}

var (
	configPath string
	dumpHttp   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "clubos-cli",
	Short: "clubos-cli is a CLI for poking at ClubOS member billing through a delegated staff session.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "clubos.json5", "The config file to read ClubOS settings and credentials from.")
	rootCmd.PersistentFlags().StringVar(&dumpHttp, "dump-http", "", "If set, every request/response is written to a file in this directory.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient(cfg Config) (*clubos.Client, error) {
	opts := cfg.ClubOS.Options()
	if dumpHttp != "" {
		output, err := restyutil.NewFilesystemOutput(dumpHttp)
		if err != nil {
			return nil, err
		}
		opts.Output = output
	}
	return clubos.NewClient(opts, telemetry.SlogAPI{})
}

// login reads the config and returns an authenticated session, the caller must log out.
func login(ctx context.Context) (Config, *clubos.Client, *clubos.Session, error) {
	cfg, err := configutil.ReadConfig[Config](configPath)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("read config: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return cfg, nil, nil, err
	}
	creds, err := cfg.Credentials.Store().Lookup(ctx)
	if err != nil {
		return cfg, nil, nil, err
	}
	session, err := client.Authenticate(ctx, creds.Username, creds.Password)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, client, session, nil
}

func logout(ctx context.Context, session *clubos.Session) {
	err := session.Logout(context.WithoutCancel(ctx))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logout failed:", err)
	}
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
