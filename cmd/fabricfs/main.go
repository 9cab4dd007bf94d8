// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/karlmutch/go-shortid"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/andreidenissov-cog/go-service/pkg/process"
	"github.com/andreidenissov-cog/go-service/pkg/runtime"

	"github.com/leaf-ai/fabricfs/internal/fabric"
	"github.com/leaf-ai/fabricfs/internal/fsys"
	"github.com/leaf-ai/fabricfs/internal/registry"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/davecgh/go-spew/spew"

	"github.com/karlmutch/envflag"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tebeka/atexit"
)

var (
	// TestMode will be set to true if the test flag is set during a build when the exe
	// runs
	TestMode = false

	// Spew contains the process wide configuration preferences for the structure dumping
	// package
	Spew *spew.ConfigState

	logger = log.NewLogger("fabricfs")

	maxGPUMemOpt = flag.String("max-gpu-mem", "0gb", "bound on the total device memory handed out through the mount using SI, ICE units, for example 512gb, 16gib (default 0, no bound)")
	promAddrOpt  = flag.String("prom-address", ":9090", "the address for the prometheus http server within the daemon")
	debugOpt     = flag.Bool("debug", false, "log the mount configuration at startup (intended for developers only)")

	cpuProfileOpt = flag.String("cpu-profile", "", "write a cpu profile to file")

	fuseOptionsOpt = flag.String("fuse-options", "", "comma separated key=value mount options forwarded to the filesystem dispatcher")

	// gitCommit and gitBranch are populated by the build
	gitCommit = "unknown"
	gitBranch = "unknown"
)

func init() {
	Spew = spew.NewDefaultConfig()

	Spew.Indent = "    "
	Spew.SortKeys = true
}

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments] mountpoint      GPU memory filesystem      ", gitCommit, "    ", gitBranch)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options can be read from environment variables by changing dashes '-' to underscores")
	fmt.Fprintln(os.Stderr, "and using upper case letters.  The mountpoint is a mandatory positional argument.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "To control log levels the LOGXI env variables can be used, these are documented at https://github.com/mgutz/logxi")
}

func main() {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// This is the one check that does not get tested when the server is under test
	//
	if _, err := process.NewExclusive(ctx, "fabricfs"); err != nil {
		logger.Error(fmt.Sprintf("An instance of this process is already running %s", err.Error()))
		atexit.Exit(1)
	}

	Main()
}

// Main is a production style main that will invoke the daemon as a go routine to allow
// a very simple supervisor and a test wrapper to coexist in terms of our logic.
func Main() {

	fmt.Printf("%s built from branch %s, against commit id %s\n", os.Args[0], gitBranch, gitCommit)

	flag.Usage = usage

	// Use the go options parser to load command line options that have been set, and look
	// for these options inside the env variable table
	//
	envflag.Parse()

	if len(flag.Args()) != 1 {
		usage()
		logger.Error("a single mountpoint argument is required")
		atexit.Exit(1)
	}

	doneC := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	// Start the profiler as early as possible and only in production will there
	// be a command line option to do it
	if err := runtime.InitCPUProfiler(ctx, *cpuProfileOpt); err != nil {
		logger.Warn(err.Error())
	}

	if errs := EntryPoint(ctx, cancel, doneC); len(errs) != 0 {
		for _, err := range errs {
			logger.Error(err.Error())
		}
		atexit.Exit(1)
	}

	// After starting the application message handling loops
	// wait until the system has shutdown
	//
	<-ctx.Done()

	// Allow any residual logging to drain before the process goes away
	time.Sleep(time.Second)
	atexit.Exit(0)
}

func showAllStackTraces() {
	// Create a file for our debug info
	sid, errGo := shortid.Generate()
	if errGo != nil {
		sid = "xxx"
	}
	fn := filepath.Join(".", "stack-traces-"+sid+".txt")
	f, errGo := os.OpenFile(fn, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if errGo != nil {
		err := kv.Wrap(errGo).With("file", fn).With("stack", stack.Trace().TrimRuntime())
		fmt.Printf("FAILED to create debug info file %s\n", err.Error())
		return
	}
	defer f.Close()
	pprof.Lookup("goroutine").WriteTo(f, 1)
}

// watchDebugChannel will monitor internally created channel
// for external user-level signal to trigger some debugging actions.
func watchDebugChannel(ctx context.Context) {
	debugTrigger := make(chan os.Signal, 2)
	signal.Notify(debugTrigger, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for {
			select {
			case <-debugTrigger:
				logger.Warn("watchDebugChannel: debug action triggered")
				showAllStackTraces()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// watchReportingChannels will monitor channels for events etc that will be reported
// to the output of the server.  Typically these events will originate inside
// libraries within the server implementation that dont use logging packages etc
func watchReportingChannels(ctx context.Context, cancel context.CancelFunc) (stopC chan os.Signal, errorC chan kv.Error, statusC chan []string) {
	stopC = make(chan os.Signal, 2)
	errorC = make(chan kv.Error, 1)
	statusC = make(chan []string, 1)
	go func() {
		for {
			select {
			case msgs := <-statusC:
				switch len(msgs) {
				case 0:
				case 1:
					logger.Info(msgs[0])
				default:
					logger.Info(msgs[0], msgs[1:])
				}
			case err := <-errorC:
				if err != nil {
					logger.Warn(fmt.Sprint(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		select {
		case <-stopC:
			logger.Warn("CTRL-C Seen")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}()
	return stopC, errorC, statusC
}

func gpuMemLimit() (limit uint64, err kv.Error) {
	limit, errGo := humanize.ParseBytes(*maxGPUMemOpt)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("option", "max-gpu-mem").With("stack", stack.Trace().TrimRuntime())
	}
	return limit, nil
}

func fuseOptions() (options map[string]string) {
	options = map[string]string{}
	for _, opt := range strings.Split(*fuseOptionsOpt, ",") {
		if len(opt) == 0 {
			continue
		}
		kvPair := strings.SplitN(opt, "=", 2)
		if len(kvPair) == 1 {
			options[kvPair[0]] = ""
			continue
		}
		options[kvPair[0]] = kvPair[1]
	}
	return options
}

func validateServerOpts(mountPoint string) (errs []kv.Error) {
	errs = []kv.Error{}

	// First gather as many option issues as we can before stopping to allow one pass
	// at the user fixing things rather than having them retry multiple times
	if _, err := gpuMemLimit(); err != nil {
		errs = append(errs, err)
	}

	stat, errGo := os.Stat(mountPoint)
	if errGo != nil {
		errs = append(errs, kv.Wrap(errGo).With("mountpoint", mountPoint).With("stack", stack.Trace().TrimRuntime()))
	} else if !stat.Mode().IsDir() {
		errs = append(errs, kv.NewError("the mountpoint must be an existing directory").With("mountpoint", mountPoint))
	}

	return errs
}

// serveMetrics runs the prometheus exporter until the server context ends
func serveMetrics(ctx context.Context) {
	if len(*promAddrOpt) == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *promAddrOpt, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if errGo := srv.ListenAndServe(); errGo != nil && errGo != http.ErrServerClosed {
		logger.Warn(kv.Wrap(errGo).With("address", *promAddrOpt).Error())
	}
}

// EntryPoint enables both test and standard production infrastructure to
// invoke this daemon
//
// doneC is used by the EntryPoint function to indicate when it has terminated
// its processing
//
func EntryPoint(ctx context.Context, cancel context.CancelFunc, doneC chan struct{}) (errs []kv.Error) {

	defer close(doneC)

	// Start a go function that will monitor all of the error and status reporting channels
	// for events and report these events to the output of the process etc
	stopC, errorC, _ := watchReportingChannels(ctx, cancel)

	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)

	watchDebugChannel(ctx)

	logger.Info("version", "git_branch", gitBranch, "git_hash", gitCommit)

	mountPoint, errGo := filepath.Abs(flag.Arg(0))
	if errGo != nil {
		return append(errs, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if errs = validateServerOpts(mountPoint); len(errs) != 0 {
		return errs
	}

	limit, err := gpuMemLimit()
	if err != nil {
		return append(errs, err)
	}
	if limit != 0 {
		logger.Info("device memory bound", "limit", humanize.Bytes(limit))
	}

	// Bring up the single GPU device this mount serves before accepting
	// any filesystem traffic
	binding := fabric.NewDeviceBinding()
	if err = binding.Init(); err != nil {
		return append(errs, err)
	}

	tracker := registry.New(binding, limit, logger)
	server := fuseutil.NewFileSystemServer(fsys.New(tracker, logger))

	mountCfg := &fuse.MountConfig{
		FSName:                  "fabricfs",
		Subtype:                 "fabricfs",
		ReadOnly:                false,
		DisableWritebackCaching: true,
		Options:                 fuseOptions(),
	}
	if *debugOpt {
		logger.Debug(Spew.Sdump(mountCfg))
	}

	mfs, errGo := fuse.Mount(mountPoint, server, mountCfg)
	if errGo != nil {
		return append(errs, kv.Wrap(errGo).With("mountpoint", mountPoint).With("stack", stack.Trace().TrimRuntime()))
	}

	logger.Info("serving", "mountpoint", mountPoint)

	go serveMetrics(ctx)

	// Unmount when the server context is cancelled, which unblocks the Join
	// below and runs the destroy teardown inside the dispatcher
	go func() {
		<-ctx.Done()
		for attempts := 0; attempts != 10; attempts++ {
			if errGo := fuse.Unmount(mountPoint); errGo == nil {
				return
			}
			time.Sleep(time.Second)
		}
		logger.Warn("unmount failed", "mountpoint", mountPoint)
	}()

	go func() {
		defer cancel()
		if errGo := mfs.Join(context.Background()); errGo != nil {
			errorC <- kv.Wrap(errGo).With("mountpoint", mountPoint).With("stack", stack.Trace().TrimRuntime())
		}
		logger.Info("mount ended", "mountpoint", mountPoint)
	}()

	return nil
}
