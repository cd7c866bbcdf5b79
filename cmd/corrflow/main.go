// cmd/corrflow is the engine's daemon entry point: flag parsing, config
// and rule loading, adapter wiring, the kernel's run loop, and signal
// handling. SIGHUP reloads rules, SIGTERM drains and exits, SIGINT exits
// immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/corrflow/engine/adapters"
	"github.com/corrflow/engine/annotations"
	"github.com/corrflow/engine/cache"
	"github.com/corrflow/engine/compiler"
	"github.com/corrflow/engine/config"
	"github.com/corrflow/engine/contexts"
	"github.com/corrflow/engine/kernel"
	"github.com/corrflow/engine/rpcsurface"
	"github.com/corrflow/engine/rules"
	"github.com/corrflow/engine/ticker"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
)

func main() {
	var (
		configPath  string
		ruleGlob    string
		classFile   string
		simulate    bool
		verbose     bool
		fastExit    bool
		showRules   bool
	)
	flag.StringVar(&configPath, "config", "", "path to the process config file")
	flag.StringVar(&ruleGlob, "rules", "", "glob of rule-group YAML documents (overrides config main.rule_file)")
	flag.StringVar(&classFile, "classes", "", "path to the event-class document (overrides config main.class_file)")
	flag.BoolVar(&simulate, "simulate", false, "run the ticker in simulation mode regardless of config")
	flag.BoolVar(&verbose, "verbose", false, "print colorized step-by-step stats")
	flag.BoolVar(&fastExit, "fast-exit", false, "on shutdown, skip draining pending events")
	flag.BoolVar(&showRules, "show-rules", false, "print the compiled rule table and exit")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "corrflow: -config is required")
		os.Exit(2)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := run(configPath, ruleGlob, classFile, simulate, verbose, fastExit, showRules, log); err != nil {
		log.Error().Err(err).Msg("corrflow exited with error")
		os.Exit(1)
	}
}

func run(configPath, ruleGlob, classFile string, simulate, verbose, fastExit, showRules bool, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if ruleGlob == "" {
		ruleGlob = cfg.Main.RuleFile
	}
	if classFile == "" {
		classFile = cfg.Main.ClassFile
	}

	buildInput, err := compiler.LoadRuleSet(ruleGlob, classFile)
	if err != nil {
		return fmt.Errorf("corrflow: loading rule set: %w", err)
	}

	rulemgr := rules.New(log)
	rulemgr.Load(buildInput)

	if showRules {
		printRuleTable(rulemgr)
		return nil
	}

	eventCache := cache.New(log, cfg.Main.Hostname, cfg.Main.CacheLimit)
	ctxmgr := contexts.New(log, eventCache)

	mode := ticker.RealTime
	if simulate || cfg.Main.Mode == "simulation" {
		mode = ticker.Simulation
	}
	clk := ticker.New(mode, time.Now())

	input, inputDepth, closeInputs, err := wireInputs(cfg, log)
	if err != nil {
		return err
	}
	defer closeInputs()

	sinks, outputDepths, drainOutputs, closeOutputs, err := wireOutputs(cfg, log)
	if err != nil {
		return err
	}
	defer closeOutputs()

	var collector *annotations.Collector
	if verbose {
		formatter := annotations.NewOutputFormatter(os.Stdout)
		collector = annotations.NewCollector(formatter.Handle, 256)
	}

	handler := kernel.New(kernel.Config{
		Log: log, Cache: eventCache, Contexts: ctxmgr, Rules: rulemgr,
		Ticker: clk, Input: input, Outputs: sinks,
		Reload: func() (rules.BuildInput, error) {
			return compiler.LoadRuleSet(ruleGlob, classFile)
		},
		Annotate: collector,
	})

	surface := &rpcsurface.Surface{
		Kernel: handler, Cache: eventCache, Contexts: ctxmgr, Rules: rulemgr,
		Input: inputDepth, Outputs: outputDepths,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	slowShutdown := make(chan struct{})
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				handler.RequestReload()
			case syscall.SIGTERM:
				close(slowShutdown)
				return
			case syscall.SIGINT:
				cancel()
				return
			}
		}
	}()

	ticks := 0
	for {
		select {
		case <-slowShutdown:
			if err := handler.Drain(ctx, fastExit); err != nil {
				return err
			}
			if !fastExit {
				drainOutputs()
			}
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		if err := handler.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("corrflow: kernel step: %w", err)
		}
		ticks++
		if verbose && ticks%10 == 0 {
			printStats(surface)
		}
	}
}

func wireInputs(cfg *config.Config, log zerolog.Logger) (kernel.Source, *adapters.InputQueue, func(), error) {
	queue := adapters.NewInputQueue(4096)
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, in := range cfg.Inputs {
		switch {
		case in.File != nil:
			src := adapters.NewFileSource(adapters.FileSourceConfig{Filename: in.File.Filename}, log, queue)
			ctx, cancel := context.WithCancel(context.Background())
			go src.Run(ctx)
			closers = append(closers, cancel)
		case in.TCP != nil:
			src := adapters.NewTCPSource(adapters.TCPSourceConfig{Address: in.TCP.Address, Port: in.TCP.Port}, log, queue)
			ctx, cancel := context.WithCancel(context.Background())
			go src.Run(ctx)
			closers = append(closers, cancel)
		case in.Ticker != nil:
			src := adapters.NewTickerSource(adapters.TickerSourceConfig{
				EventName: in.Ticker.EventName, Host: cfg.Main.Hostname, Interval: in.Ticker.Interval,
			}, log, queue)
			ctx, cancel := context.WithCancel(context.Background())
			go src.Run(ctx)
			closers = append(closers, cancel)
		default:
			closeAll()
			return nil, nil, nil, fmt.Errorf("corrflow: input %q declares no adapter", in.Name)
		}
	}
	return queue, queue, closeAll, nil
}

// wireOutputs builds one bounded OutputQueue per configured output and a
// worker goroutine that drains it into the real sink, so the kernel only
// ever enqueues: a slow or reconnecting transport stalls its own worker,
// never the kernel goroutine. The drain function waits for every queue
// to empty (slow shutdown); the stop function cancels the workers and
// closes the sinks.
func wireOutputs(cfg *config.Config, log zerolog.Logger) ([]kernel.Sink, map[string]rpcsurface.QueueDepth, func(), func(), error) {
	var sinks []kernel.Sink
	depths := map[string]rpcsurface.QueueDepth{}
	var queues []*adapters.OutputQueue
	var closers []func()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	drain := func() {
		for _, q := range queues {
			for q.Len() > 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
	stop := func() {
		cancel()
		wg.Wait()
		for _, c := range closers {
			c()
		}
	}

	startWorker := func(name string, sink kernel.Sink) *adapters.OutputQueue {
		q := adapters.NewOutputQueue(1024)
		queues = append(queues, q)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := q.Next(ctx)
				if err != nil {
					return
				}
				if err := sink.Push(ctx, e); err != nil {
					log.Error().Err(err).Str("output", name).Str("id", e.ID).Msg("output push failed")
				}
			}
		}()
		return q
	}

	for _, out := range cfg.Outputs {
		var sink kernel.Sink
		switch {
		case out.File != nil:
			fileSink, closer, err := adapters.NewFileSink(adapters.FileSinkConfig{Filename: out.File.Filename}, log)
			if err != nil {
				stop()
				return nil, nil, nil, nil, err
			}
			closers = append(closers, closer)
			sink = fileSink
		case out.TCP != nil:
			tcpSink := adapters.NewTCPSink(adapters.TCPSinkConfig{
				Host: out.TCP.Host, Port: out.TCP.Port,
				ConnectRetries: out.TCP.ConnectRetries, RetryDelay: out.TCP.RetryDelay,
			}, log)
			closers = append(closers, func() { tcpSink.Close() })
			sink = tcpSink
		case out.Null:
			sink = adapters.NullSink{}
		default:
			stop()
			return nil, nil, nil, nil, fmt.Errorf("corrflow: output %q declares no adapter", out.Name)
		}
		q := startWorker(out.Name, sink)
		sinks = append(sinks, q)
		depths[out.Name] = q
	}
	return sinks, depths, drain, stop, nil
}

func printRuleTable(rulemgr *rules.Manager) {
	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"Group", "Order", "Rule", "Order", "Executions"})
	groups := rulemgr.Groups()
	for gname, g := range groups {
		for rname, r := range g.Rules {
			table.Append([]string{gname, fmt.Sprintf("%d", g.Order), rname, fmt.Sprintf("%d", r.Order), fmt.Sprintf("%d", r.ExecCount)})
		}
	}
	table.Render()
}

func printStats(s *rpcsurface.Surface) {
	fmt.Println("-- corrflow stats --")
	for _, st := range s.GetStats() {
		fmt.Printf("%-28s %s\n", st.Label, st.Value)
	}
}
