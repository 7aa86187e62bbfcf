package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rockfall/internal/client"
)

const defaultServer = "http://localhost:3000"

// cli carries the per-invocation configuration shared by every command.
type cli struct {
	v       *viper.Viper
	cfgFile string
	out     io.Writer
	errOut  io.Writer
}

// newRootCmd builds the command tree. Settings resolve from flags, then
// ROCKFALL_* environment variables, then $HOME/.rockfall.yaml.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "rockfallctl",
		Short: "Operate the rockfall slope-risk prediction service",
		Long: `rockfallctl talks to a running rockfall API.

It submits slope measurements for classification, browses and exports the
prediction history, and hosts the interactive zone dashboard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.initConfig()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.rockfall.yaml)")
	flags.String("server", defaultServer, "base URL of the rockfall API")
	flags.String("actor", "", "name recorded as the creator of new predictions")
	flags.StringP("output", "o", "table", "output format: table or json")
	flags.Duration("timeout", 30*time.Second, "HTTP timeout")

	for _, name := range []string{"server", "actor", "output", "timeout"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		c.healthCmd(),
		c.zonesCmd(),
		c.predictCmd(),
		c.historyCmd(),
		c.statsCmd(),
		c.deleteCmd(),
		c.exportCmd(),
		c.reconcileCmd(),
		c.dashboardCmd(),
	)
	return root
}

func (c *cli) initConfig() error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			c.v.AddConfigPath(home)
		}
		c.v.AddConfigPath(".")
		c.v.SetConfigType("yaml")
		c.v.SetConfigName(".rockfall")
	}

	c.v.SetEnvPrefix("ROCKFALL")
	c.v.AutomaticEnv()

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	switch c.v.GetString("output") {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", c.v.GetString("output"))
	}
}

func (c *cli) client() *client.Client {
	opts := []client.Option{}
	if timeout := c.v.GetDuration("timeout"); timeout > 0 {
		opts = append(opts, client.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	if actor := c.v.GetString("actor"); actor != "" {
		opts = append(opts, client.WithActor(actor))
	}
	return client.New(strings.TrimRight(c.v.GetString("server"), "/"), opts...)
}

func (c *cli) jsonOutput() bool {
	return c.v.GetString("output") == "json"
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
