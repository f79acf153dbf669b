// Command calc serves a Calculator over duplex-rpc and calls it.
//
//	calc serve --port 7070
//	calc add --addr 127.0.0.1:7070 1 2 3
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"duplex-rpc/client"
	"duplex-rpc/codec"
	"duplex-rpc/loadbalance"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/server"
)

type globalOptions struct {
	ConfigFile string `short:"C" long:"config" description:"Path to an INI configuration file"`
	Verbose    bool   `short:"v" long:"verbose" description:"Log at debug level"`
}

var global globalOptions

type serveCommand struct {
	server.Config

	Advertise   string  `long:"advertise" ini-name:"advertise" description:"Address published to discovery (default 127.0.0.1:<port>)"`
	Etcd        string  `long:"etcd" ini-name:"etcd" description:"Comma separated etcd endpoints to publish to"`
	Consul      string  `long:"consul" ini-name:"consul" description:"Consul agent address to publish to"`
	RateLimit   float64 `long:"rate-limit" ini-name:"rate_limit" description:"Requests per second accepted across all clients, 0 for unlimited"`
	MetricsAddr string  `long:"metrics" ini-name:"metrics" description:"Address serving Prometheus metrics, empty to disable"`
}

type addCommand struct {
	Addr     string `long:"addr" default:"127.0.0.1:7070" description:"Server address, unused with --etcd or --consul"`
	Etcd     string `long:"etcd" description:"Comma separated etcd endpoints to discover the server from"`
	Consul   string `long:"consul" description:"Consul agent address to discover the server from"`
	Balancer string `long:"balancer" default:"roundrobin" description:"Instance choice: roundrobin, weighted or hash:<key>"`
	Codec   string `long:"codec" default:"msgpack" description:"Payload codec"`
	Timeout int    `long:"timeout" default:"30000" description:"Call timeout in milliseconds"`
	Args    struct {
		Numbers []string `positional-arg-name:"N" required:"2"`
	} `positional-args:"yes"`
}

func main() {
	// Find the config file first so the command line overrides it.
	preCfg := globalOptions{}
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	_, _ = preParser.Parse()

	parser := flags.NewParser(&global, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		logger, err := newLogger(global.Verbose)
		if err != nil {
			return err
		}
		defer logger.Sync()
		zap.ReplaceGlobals(logger)
		return cmd.Execute(args)
	}

	if _, err := parser.AddCommand("serve", "Serve the calculator", "Listen for clients and serve Calculator.", &serveCommand{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("add", "Add numbers remotely", "Sum the numbers on a calc server, printing its progress.", &addCommand{}); err != nil {
		panic(err)
	}

	if preCfg.ConfigFile != "" {
		if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
			fmt.Fprintln(os.Stderr, errors.Wrapf(err, "read %s", preCfg.ConfigFile))
			os.Exit(1)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (c *serveCommand) Execute(args []string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	logger := zap.L()

	advertise := c.Advertise
	if advertise == "" {
		advertise = fmt.Sprintf("127.0.0.1:%d", c.Port)
	}
	reg, err := c.discovery(logger)
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
	}

	opts := append(c.Options(), server.WithLogger(logger))
	if reg != nil {
		opts = append(opts, server.WithDiscovery(reg, advertise, 10))
	}
	svr := server.NewServer(opts...)

	metrics, err := middleware.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(metrics.Middleware())
	svr.Use(middleware.TracingMiddleware(otel.Tracer("calc")))
	if c.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(c.RateLimit, int(c.RateLimit)+1))
	}
	svr.Use(middleware.TimeOutMiddleware(c.CallTimeout()))

	if err := svr.Register("Calculator", Calculator{}); err != nil {
		return err
	}
	if err := svr.Start(c.Addr()); err != nil {
		return err
	}

	if c.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")
	return svr.Shutdown(5 * time.Second)
}

func (c *serveCommand) discovery(logger *zap.Logger) (registry.Registry, error) {
	return openRegistry(c.Etcd, c.Consul, logger)
}

func openRegistry(etcd, consul string, logger *zap.Logger) (registry.Registry, error) {
	switch {
	case etcd != "":
		return registry.NewEtcdRegistry(strings.Split(etcd, ","), registry.WithEtcdLogger(logger))
	case consul != "":
		return registry.NewConsulRegistry(consul, registry.WithConsulLogger(logger))
	}
	return nil, nil
}

func newBalancer(name string) (loadbalance.Balancer, error) {
	switch {
	case name == "" || name == "roundrobin":
		return &loadbalance.RoundRobinBalancer{}, nil
	case name == "weighted":
		return &loadbalance.WeightedRandomBalancer{}, nil
	case strings.HasPrefix(name, "hash:"):
		return &loadbalance.KeyedBalancer{
			Ring: loadbalance.NewConsistentHashBalancer(),
			Key:  strings.TrimPrefix(name, "hash:"),
		}, nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}

func (c *addCommand) Execute(args []string) error {
	nums := make([]int, 0, len(c.Args.Numbers))
	for _, s := range c.Args.Numbers {
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.Wrapf(err, "parse %q", s)
		}
		nums = append(nums, n)
	}
	ct, err := codec.ParseCodecType(c.Codec)
	if err != nil {
		return err
	}

	progress := Progress{print: func(done, total int) {
		fmt.Printf("progress %d/%d\n", done, total)
	}}
	opts := []client.Option{
		client.WithCodec(codec.GetCodec(ct)),
		client.WithCallTimeout(time.Duration(c.Timeout) * time.Millisecond),
		client.WithCallback("Progress", progress),
		client.WithRetry(3, 100*time.Millisecond),
	}
	cli, err := c.dial(context.Background(), opts)
	if err != nil {
		return err
	}
	defer cli.Close()
	ctx := context.Background()

	var sum int
	if err := cli.Call(ctx, "Calculator", "Sum", &sum, nums); err != nil {
		return err
	}
	fmt.Println(sum)
	return nil
}

func (c *addCommand) dial(ctx context.Context, opts []client.Option) (*client.Client, error) {
	reg, err := openRegistry(c.Etcd, c.Consul, zap.L())
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return client.Dial(ctx, c.Addr, opts...)
	}
	defer reg.Close()

	bal, err := newBalancer(c.Balancer)
	if err != nil {
		return nil, err
	}
	return client.DialService(ctx, reg, bal, "Calculator", opts...)
}
