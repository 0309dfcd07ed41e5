// Command cpstat is a small operational tool for exercising a cachepool.Pool
// against a list of cache server addresses: it submits one "version" probe
// per node and reports which connections answered, in the spirit of
// kcptun's client/main.go urfave/cli-based command surface.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/xtaci/cachepool"
)

func main() {
	app := &cli.App{
		Name:  "cpstat",
		Usage: "probe a pool of cache servers and report connection health",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "addrs",
				Aliases:  []string{"a"},
				Usage:    "comma-separated host:port list of cache servers",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 2 * time.Second,
				Usage: "how long to wait for every probe to settle",
			},
			&cli.BoolFlag{
				Name:  "no-coalesce",
				Usage: "disable GET coalescing for this run",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "cpstat:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	addrs := splitAddrs(c.String("addrs"))
	if len(addrs) == 0 {
		return cli.Exit("no addresses given", 1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts := cachepool.DefaultOptions()
	opts.Logger = logger
	if c.Bool("no-coalesce") {
		opts.GetOptimization = false
	}

	pool, err := cachepool.New(addrs, opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open pool: %v", err), 1)
	}
	defer pool.Shutdown()

	probes := make([]*versionProbe, pool.NumConnections())
	for i := range probes {
		probes[i] = &versionProbe{}
		if err := pool.AddOperation(i, probes[i]); err != nil {
			return cli.Exit(fmt.Sprintf("submit probe %d: %v", i, err), 1)
		}
	}

	deadline := time.Now().Add(c.Duration("timeout"))
	for time.Now().Before(deadline) && !allDone(probes) {
		if err := pool.HandleIO(); err != nil {
			return cli.Exit(fmt.Sprintf("handle io: %v", err), 1)
		}
	}

	for i, p := range probes {
		addr := pool.AddressOf(i)
		switch {
		case p.State() == cachepool.StateComplete:
			fmt.Printf("%-22s OK   %s\n", addr, strings.TrimSpace(p.reply))
		case !pool.Healthy(i):
			fmt.Printf("%-22s FAIL reconnecting\n", addr)
		default:
			fmt.Printf("%-22s TIMEOUT\n", addr)
		}
	}
	return nil
}

func allDone(probes []*versionProbe) bool {
	for _, p := range probes {
		if p.State() != cachepool.StateComplete {
			return false
		}
	}
	return true
}

func splitAddrs(raw string) []string {
	var out []string
	for _, a := range strings.Split(raw, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// versionProbe is a minimal Operation implementing the memcached text
// protocol's "version\r\n" command, used only to exercise the Pool API from
// this tool without depending on a full client-side operation library.
type versionProbe struct {
	wrote bool
	reply string
	state cachepool.OpState
}

func (p *versionProbe) Initialize() {
	p.wrote = false
	p.reply = ""
	p.state = cachepool.StateWriting
}

func (p *versionProbe) WriteInto(buf []byte) int {
	if p.wrote {
		return 0
	}
	req := []byte("version\r\n")
	n := copy(buf, req)
	if n == len(req) {
		p.wrote = true
		p.state = cachepool.StateReading
	}
	return n
}

func (p *versionProbe) ReadFrom(buf []byte) (int, error) {
	idx := strings.Index(string(buf), "\r\n")
	if idx < 0 {
		return 0, nil
	}
	p.reply = string(buf[:idx])
	p.state = cachepool.StateComplete
	return idx + 2, nil
}

func (p *versionProbe) State() cachepool.OpState { return p.state }
