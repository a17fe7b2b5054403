package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/csmith/envflag/v2"
	"github.com/csmith/polaris/metrics"
)

var (
	selectedFrontend   = flag.String("frontend", "tcp", "Frontend to listen on")
	selectedSource     = flag.String("config-source", "file", "Where to read the declaration document from: file or network")
	trustedDownstreams = flag.String("trusted-downstreams", "", "Comma-separated list of CIDR ranges to trust X-Forwarded-For headers from")
	metricsPort        = flag.Int("metrics-port", 0, "Port to expose metrics endpoint on. Disabled by default.")
	debugCpuProfile    = flag.String("debug-cpu-profile", "", "File to write cpu profiling information to. Disabled by default.")
	validate           = flag.Bool("validate", false, "Validate the declaration document, print the summary and exit")
)

func main() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	if err := run(os.Args[1:], signalChan); err != nil {
		slog.Error("Polaris encountered a fatal error", "error", err)
		os.Exit(1)
	}
}

func run(args []string, signalChan <-chan os.Signal) error {
	envflag.Parse(envflag.WithArguments(args))
	initLogging()

	source, err := createConfigSource(*selectedSource)
	if err != nil {
		return fmt.Errorf("invalid config source specified: %v", err)
	}

	if *validate {
		return validateConfig(source, os.Stdout)
	}

	if *debugCpuProfile != "" {
		slog.Warn("Running with CPU profiling. This will heavily impact performance.", "target", *debugCpuProfile)
		cpuFile, err := os.Create(*debugCpuProfile)
		if err != nil {
			return fmt.Errorf("could not create file for cpu profiling: %w", err)
		}
		defer cpuFile.Close()

		if err := pprof.StartCPUProfile(cpuFile); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	errChan := make(chan error, 1)

	f, err := createFrontend(*selectedFrontend)
	if err != nil {
		return fmt.Errorf("invalid frontend specified: %v", err)
	}

	downstreams, err := parseDownstreams(*trustedDownstreams)
	if err != nil {
		return fmt.Errorf("could not parse trusted downstreams: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := newNode(ctx, downstreams)
	if err != nil {
		return err
	}

	if err := source.Start(n.install, errChan); err != nil {
		return fmt.Errorf("failed to start config source: %w", err)
	}

	if err := f.Serve(n.dispatcher, n.resolver.ServerConfig(), errChan); err != nil {
		source.Stop(context.Background())
		return fmt.Errorf("failed to start frontend: %v", err)
	}

	metricsChan := make(chan struct{}, 1)
	if *metricsPort > 0 {
		serveMetrics(n.recorder, metricsChan, errChan)
	}

	for {
		select {
		case sig := <-signalChan:
			switch sig {
			case syscall.SIGHUP:
				slog.Info("Received signal, reloading declarations...", "signal", sig)
				source.Reload()
			case syscall.SIGINT, syscall.SIGTERM:
				slog.Info("Received signal, stopping frontend...", "signal", sig)
				metricsChan <- struct{}{}
				source.Stop(context.Background())
				f.Stop(context.Background())
				slog.Info("Frontend stopped. Goodbye!")
				return nil
			}
		case err := <-errChan:
			source.Stop(context.Background())
			f.Stop(context.Background())
			return err
		}
	}
}

func createFrontend(name string) (frontend, error) {
	if f, ok := frontends[strings.ToLower(name)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("unknown frontend: %s", name)
}

func serveMetrics(recorder *metrics.Recorder, shutdownChan <-chan struct{}, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	s := newServer(mux, errChan)

	go func() {
		slog.Info("Starting metrics server", "port", *metricsPort)
		if listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *metricsPort)); err != nil {
			errChan <- fmt.Errorf("failed to listen on port %d: %w", *metricsPort, err)
		} else {
			s.start(listener)
		}
	}()

	go func() {
		<-shutdownChan
		s.stop(context.Background())
	}()
}

// validateConfig loads the declaration document once and prints the summary the master would receive.
// Rejected slaves are reported in the summary, they don't make the document invalid.
func validateConfig(source configSource, out io.Writer) error {
	doc, err := source.Load()
	if err != nil {
		return err
	}

	p, err := prepare(doc)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(publish(p.generation, *escrowURL)); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	summary := p.generation.Summary()
	slog.Info("Declarations are valid", "accepted", summary.AcceptedSlaveAmount, "rejected", summary.RejectedSlaveAmount)
	return nil
}

func parseDownstreams(downstreams string) ([]net.IPNet, error) {
	var res []net.IPNet
	parts := strings.Split(downstreams, ",")
	for i := range parts {
		v := strings.TrimSpace(parts[i])
		if v != "" {
			_, ipNet, err := net.ParseCIDR(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse trusted downstream CIDR '%q': %w", v, err)
			}
			res = append(res, *ipNet)
		}
	}
	return res, nil
}
