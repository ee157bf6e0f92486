package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/rvhost/internal/config"
	"github.com/javanstorm/rvhost/internal/control"
	"github.com/javanstorm/rvhost/internal/gui"
	"github.com/javanstorm/rvhost/internal/logging"
	"github.com/javanstorm/rvhost/internal/metrics"
	"github.com/javanstorm/rvhost/internal/remote"
	"github.com/javanstorm/rvhost/internal/terminal"
	"github.com/javanstorm/rvhost/internal/timing"
	"github.com/javanstorm/rvhost/internal/vm"
)

// Boot timing phases (RVHOST_TIMING=1):
//   - config_load:    validate config, build the logger
//   - machine_build:  load firmware, kernel and rootfs (downloads on a cold
//     cache), map RAM and devices, copy images into RAM
//   - restore:        load the --restore snapshot, when given
//   - services_start: bind the control and SSH listeners, register the instance

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the VM and attach to its console",
	Long: `Boot the VM described by the config and attach the terminal to its
serial console. Press the escape key twice (default Ctrl+]) to detach,
which shuts the machine down. With --gui the console opens in a terminal
window instead, and closing the window shuts the machine down.

While the VM runs, other rvhost commands reach it through the control
endpoint, and viewers may attach over SSH when ssh.enabled is set.`,
	RunE: runRun,
}

var (
	runCore     string
	runProfile  string
	runRestore  string
	runDetached bool
	runSSH      bool
	runGUI      bool
)

func init() {
	runCmd.Flags().StringVar(&runCore, "core", "", "hart core to use (see: rvhost cores)")
	runCmd.Flags().StringVarP(&runProfile, "image", "i", "", "image profile to boot (see: rvhost images)")
	runCmd.Flags().StringVar(&runRestore, "restore", "", "load this snapshot before starting")
	runCmd.Flags().BoolVarP(&runDetached, "detached", "d", false, "do not attach the terminal to the console")
	runCmd.Flags().BoolVar(&runSSH, "ssh", false, "serve the console over SSH")
	runCmd.Flags().BoolVar(&runGUI, "gui", false, "show the console in a terminal window")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := *currentConfig()
	if vmFlag != "" {
		cfg.VMName = vmFlag
	}
	if runCore != "" {
		cfg.Core = runCore
	}
	if runProfile != "" {
		cfg.Image.Profile = runProfile
	}
	if runDetached {
		cfg.Console.Attach = false
	}
	if runSSH {
		cfg.SSH.Enabled = true
	}
	if runGUI {
		cfg.Console.GUI = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runMachine(ctx, &cfg, runOptions{
		Restore: runRestore,
		Report:  cmd.ErrOrStderr(),
	})
}

type runOptions struct {
	// Restore names a snapshot to load before the first step.
	Restore string
	// Report receives config warnings and the timing report.
	Report io.Writer
	// Started is called once the machine is registered and serving.
	Started func(inst vm.Instance)
}

// runMachine boots cfg and serves it until the machine stops or ctx is done.
func runMachine(ctx context.Context, cfg *config.Config, opts runOptions) error {
	var timer *timing.Timer
	if timing.Enabled() {
		timer = timing.New()
	}
	mark := func(phase string) {
		if timer != nil {
			timer.Mark(phase)
		}
	}

	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		fmt.Fprint(opts.Report, config.FormatValidationErrors(errs))
		if config.HasFatal(errs) {
			return errors.New("invalid configuration")
		}
	}
	escape, err := terminal.ParseEscape(cfg.Console.Escape)
	if err != nil {
		return err
	}
	if cfg.Console.GUI && !gui.Available {
		return gui.ErrUnavailable
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("vm", cfg.VMName))
	mark("config_load")

	hub := terminal.NewHub(cfg.Console.Backlog)
	mgr, err := buildManager(ctx, cfg, hub, log)
	if err != nil {
		return err
	}
	defer mgr.Close()
	mark("machine_build")

	if opts.Restore != "" {
		if err := mgr.Restore(ctx, opts.Restore); err != nil {
			return fmt.Errorf("restore %q: %w", opts.Restore, err)
		}
		log.Info("restored snapshot", zap.String("snapshot", opts.Restore))
		mark("restore")
	}
	machine := mgr.Machine()
	input := consoleInput(machine)

	inst := vm.Instance{Name: cfg.VMName, PID: os.Getpid(), Core: cfg.Core}

	var ctrl *control.Server
	if cfg.ControlAddr != "" {
		var gatherer prometheus.Gatherer
		if cfg.Metrics {
			reg, err := metrics.NewRegistry(machine)
			if err != nil {
				return fmt.Errorf("metrics registry: %w", err)
			}
			gatherer = reg
		}
		ctrl, err = control.Listen(cfg.ControlAddr, control.ManagerBackend(mgr), gatherer, log)
		if err != nil {
			return err
		}
		defer ctrl.Close()
		inst.ControlAddr = ctrl.Addr()
	}

	var sshSrv *remote.Server
	if cfg.SSH.Enabled {
		sshSrv, err = remote.Listen(remote.Config{
			Addr:           cfg.SSH.Addr,
			HostKey:        cfg.SSH.HostKey,
			AuthorizedKeys: cfg.SSH.AuthorizedKeys,
			Escape:         escape,
			Banner:         fmt.Sprintf("rvhost: console of %s", cfg.VMName),
		}, input, hub, log)
		if err != nil {
			return err
		}
		defer sshSrv.Close()
		inst.SSHAddr = sshSrv.Addr()
	}

	registry := vm.NewRegistry(cfg.DataDir)
	if err := registry.Register(inst); err != nil {
		return err
	}
	defer func() {
		if err := registry.Unregister(inst.Name); err != nil {
			log.Warn("unregister instance failed", zap.Error(err))
		}
	}()
	mark("services_start")

	if timer != nil {
		timer.Report(opts.Report)
		timer.Log(log)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// Everything else winds down once the machine stops.
		defer cancel()
		return mgr.Run(gctx)
	})
	if ctrl != nil {
		g.Go(func() error { return ctrl.Serve(gctx) })
	}
	if sshSrv != nil {
		g.Go(func() error { return sshSrv.Serve(gctx) })
	}
	if cfg.Console.Attach && !cfg.Console.GUI {
		g.Go(func() error {
			console := terminal.Current()
			console.SetEscape(escape)
			err := console.Attach(gctx, input, hub)
			switch {
			case errors.Is(err, terminal.ErrEscapeSequence):
				sctx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				return machine.Shutdown(sctx)
			case errors.Is(err, context.Canceled):
				return nil
			}
			return err
		})
	}

	log.Info("machine started",
		zap.String("core", cfg.Core),
		zap.String("control", inst.ControlAddr),
		zap.String("ssh", inst.SSHAddr))
	if opts.Started != nil {
		opts.Started(inst)
	}

	if cfg.Console.GUI {
		runWindow(runCtx, cfg, machine, gui.Connect(input, hub), log)
	}

	err = g.Wait()
	stats := machine.Stats()
	log.Info("machine stopped",
		zap.String("state", stats.State),
		zap.Uint64("steps", stats.Steps),
		zap.Uint64("cycles", stats.Cycles),
		zap.Uint64("resets", stats.Resets))
	if err != nil && machine.State() == vm.StateFaulted {
		return fmt.Errorf("machine faulted: %w", err)
	}
	return err
}

// runWindow shows the console window until it is closed or the machine
// stops. Closing the window shuts the machine down.
func runWindow(ctx context.Context, cfg *config.Config, machine *vm.Machine, session *gui.Session, log *zap.Logger) {
	defer session.Close()
	go func() {
		<-ctx.Done()
		session.Close()
	}()

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			sctx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := machine.Shutdown(sctx); err != nil {
				log.Warn("shutdown from console window failed", zap.Error(err))
			}
		})
	}

	title := fmt.Sprintf("rvhost - %s (%s)", cfg.VMName, cfg.Core)
	if err := gui.RunTerminal(ctx, session, title, shutdown); err != nil {
		log.Error("console window failed", zap.Error(err))
		shutdown()
	}
}
