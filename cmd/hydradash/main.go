package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/hydra-dash/hydradash"
	"github.com/hydra-dash/hydradash/api"
)

var goLogger = golog.Logger("hydradash/cmd")

func main() { os.Exit(main1()) }

func main1() int {
	app := &cli.App{
		Name:  "hydradash",
		Usage: "operate a set of Hydra nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level for the hydradash subsystems",
				EnvVars: []string{"HYDRADASH_LOG_LEVEL"},
			},
		},
		Before: func(cctx *cli.Context) error {
			lvl := cctx.String("log-level")
			for _, sys := range []string{"hydradash", "hydradash/api", "hydradash/cmd"} {
				if err := golog.SetLogLevel(sys, lvl); err != nil {
					return err
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd,
			statusCmd,
			sendCmd,
			watchCmd,
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Println(err)
		return 1
	}
	return 0
}

var nodeFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:    "node",
		Usage:   "base URL of a Hydra node, may be repeated",
		EnvVars: []string{"HYDRADASH_NODES"},
	},
	&cli.StringFlag{
		Name:    "nodes-file",
		Usage:   "TOML file listing the nodes to manage",
		EnvVars: []string{"HYDRADASH_NODES_FILE"},
	},
	&cli.DurationFlag{
		Name:    "timeout",
		Value:   hydradash.DefaultRequestTimeout,
		Usage:   "per-request timeout for nodes that do not set one",
		EnvVars: []string{"HYDRADASH_TIMEOUT"},
	},
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "serve the dashboard API",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Value:   "127.0.0.1:8080",
			EnvVars: []string{"HYDRADASH_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Value:   hydradash.DefaultPollInterval,
			EnvVars: []string{"HYDRADASH_POLL_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "activity-endpoint",
			Usage:   "URL that batches of node request activity are posted to",
			EnvVars: []string{"HYDRADASH_ACTIVITY_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:  "save-nodes",
			Usage: "write the managed nodes to this TOML file on shutdown",
		},
	}, nodeFlags...),
	Action: func(cctx *cli.Context) error {
		cfg, err := configFrom(cctx)
		if err != nil {
			return err
		}
		if cctx.IsSet("poll-interval") || cfg.PollInterval == 0 {
			cfg.PollInterval = cctx.Duration("poll-interval")
		}
		if ep := cctx.String("activity-endpoint"); ep != "" {
			u, err := url.Parse(ep)
			if err != nil {
				return fmt.Errorf("invalid activity endpoint: %w", err)
			}
			cfg.ActivityEndpoint = u
		}

		d, err := hydradash.NewDashboard(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		for _, e := range d.Nodes() {
			if err := d.TestConnection(cctx.Context, e.Config.ID); err != nil {
				goLogger.Warnw("node not reachable at startup", "node", e.Config.ID, "url", e.Config.URL, "err", err)
			}
		}

		srv := &http.Server{
			Addr:              cctx.String("listen"),
			Handler:           api.NewServer(d).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			goLogger.Infow("serving dashboard api", "addr", srv.Addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-cctx.Context.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				goLogger.Warnw("api shutdown", "err", err)
			}
		}

		if path := cctx.String("save-nodes"); path != "" {
			if err := hydradash.NodesFileFrom(d).Save(path); err != nil {
				return err
			}
			goLogger.Infow("saved nodes", "path", path)
		}
		return nil
	},
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "test every node and print its head state",
	Flags: nodeFlags,
	Action: func(cctx *cli.Context) error {
		d, err := openDashboard(cctx)
		if err != nil {
			return err
		}
		defer d.Close()

		for _, e := range d.Nodes() {
			if err := d.TestConnection(cctx.Context, e.Config.ID); err == nil {
				_, _ = d.FetchState(cctx.Context, e.Config.ID)
			}
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tURL\tSTATUS\tHEAD\tSNAPSHOT\tUTXO\tERROR")
		for _, e := range d.Nodes() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", e.Config.ID, e.Config.URL, e.Status(),
				orDash(e.State.HeadID), e.State.SnapshotNumber, len(e.State.UTxO), orDash(e.LastError))
		}
		return tw.Flush()
	},
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "send a command to a node",
	ArgsUsage: "<tag> [payload]",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "id",
			Usage: "node to send to, defaults to the first configured node",
		},
	}, nodeFlags...),
	Action: func(cctx *cli.Context) error {
		args := cctx.Args()
		if args.Len() < 1 {
			return fmt.Errorf("usage: hydradash send <tag> [payload]")
		}
		tag, err := hydradash.ParseTag(args.Get(0))
		if err != nil {
			return err
		}
		cmd, err := hydradash.NewClientInput(tag, []byte(strings.Join(args.Tail(), " ")))
		if err != nil {
			return err
		}

		d, err := openDashboard(cctx)
		if err != nil {
			return err
		}
		defer d.Close()

		id := cctx.String("id")
		if id == "" {
			nodes := d.Nodes()
			if len(nodes) == 0 {
				return fmt.Errorf("no nodes configured")
			}
			id = nodes[0].Config.ID
		}
		if err := d.TestConnection(cctx.Context, id); err != nil {
			return err
		}
		if err := d.SendCommand(cctx.Context, id, cmd); err != nil {
			return err
		}
		e, _ := d.Node(id)
		fmt.Printf("%s accepted %s; head is %s\n", id, cmd, e.Status())
		if e.LastError != "" {
			fmt.Printf("refresh failed: %s\n", e.LastError)
		}
		return nil
	},
}

var watchCmd = &cli.Command{
	Name:      "watch",
	Usage:     "follow a node's websocket stream",
	ArgsUsage: "<ws-url>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "every",
			Value: time.Second,
			Usage: "how often to print the stream counters",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() < 1 {
			return fmt.Errorf("usage: hydradash watch <ws-url>")
		}
		dialCtx, cancel := context.WithTimeout(cctx.Context, hydradash.DefaultRequestTimeout)
		defer cancel()
		s, err := hydradash.DialStream(dialCtx, "watch", cctx.Args().Get(0))
		if err != nil {
			return err
		}
		defer s.Close()

		t := time.NewTicker(cctx.Duration("every"))
		defer t.Stop()
		for {
			select {
			case <-t.C:
				info := s.Info()
				c := info.Counters
				fmt.Printf("%s balance=%s txs=%d utxos=%d last=%s\n", info.Status, c.Balance, c.TransactionCount, c.UTxOCount, orDash(c.LastTag))
				if info.Status != hydradash.StreamConnected {
					return nil
				}
			case <-cctx.Context.Done():
				return nil
			}
		}
	},
}

func configFrom(cctx *cli.Context) (*hydradash.Config, error) {
	cfg := &hydradash.Config{
		RequestTimeout: cctx.Duration("timeout"),
		NodeClient:     &http.Client{},
	}
	if path := cctx.String("nodes-file"); path != "" {
		nf, err := hydradash.LoadNodesFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Nodes = append(cfg.Nodes, nf.NodeConfigs()...)
		if nf.PollIntervalMs > 0 {
			cfg.PollInterval = time.Duration(nf.PollIntervalMs) * time.Millisecond
		}
	}
	for i, u := range cctx.StringSlice("node") {
		cfg.Nodes = append(cfg.Nodes, hydradash.NodeConfig{ID: fmt.Sprintf("node-%d", i+1), URL: u})
	}
	return cfg, nil
}

func openDashboard(cctx *cli.Context) (*hydradash.Dashboard, error) {
	cfg, err := configFrom(cctx)
	if err != nil {
		return nil, err
	}
	return hydradash.NewDashboard(cfg)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
