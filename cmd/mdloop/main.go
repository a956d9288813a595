package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/san-kum/mdloop/internal/config"
	"github.com/san-kum/mdloop/internal/experiment"
	"github.com/san-kum/mdloop/internal/mdrun"
	"github.com/san-kum/mdloop/internal/reduce"
	"github.com/san-kum/mdloop/internal/storage"
	"github.com/san-kum/mdloop/internal/tui"
)

var (
	dataDir  string
	logLevel string
	logJSON  bool

	configFile  string
	preset      string
	provider    string
	integrator  string
	thermostat  string
	barostat    string
	refT        float64
	nsteps      int64
	dt          float64
	seed        int64
	ranks       int
	molecules   int
	maxHours    float64
	continueID  string
	interactive bool
	live        bool
	frameRate   int
	metricsAddr string

	quantities []string
	plotHeight int
	plotWidth  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mdloop",
		Short:        "molecular dynamics step loop",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".mdloop", "data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as json")

	runCmd := &cobra.Command{
		Use:   "run [model]",
		Short: "run a simulation",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSimulation,
	}
	runCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	runCmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	runCmd.Flags().StringVar(&provider, "provider", "pair", "force provider")
	runCmd.Flags().StringVar(&integrator, "integrator", config.IntegratorMD, "integrator (md, md-vv, md-vv-avek)")
	runCmd.Flags().StringVar(&thermostat, "thermostat", config.ThermostatNone, "temperature coupling")
	runCmd.Flags().StringVar(&barostat, "barostat", config.BarostatNone, "pressure coupling")
	runCmd.Flags().Float64Var(&refT, "ref-t", config.DefaultRefT, "reference temperature (K)")
	runCmd.Flags().Int64Var(&nsteps, "steps", config.DefaultNSteps, "number of steps")
	runCmd.Flags().Float64Var(&dt, "dt", config.DefaultDt, "timestep (ps)")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	runCmd.Flags().IntVar(&ranks, "ranks", 1, "ranks per simulation")
	runCmd.Flags().IntVar(&molecules, "molecules", 64, "number of molecules")
	runCmd.Flags().Float64Var(&maxHours, "max-hours", 0, "stop after this many wall-clock hours")
	runCmd.Flags().StringVar(&continueID, "continue", "", "continue a run from its checkpoint")
	runCmd.Flags().BoolVar(&interactive, "tui", false, "show a progress monitor")
	runCmd.Flags().BoolVar(&live, "live", false, "plot the conserved energy while running")
	runCmd.Flags().IntVar(&frameRate, "fps", 10, "frame rate of the live plot")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	validateCmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "check a configuration and the system it builds",
		Args:  cobra.ExactArgs(1),
		RunE:  validateConfig,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tINTEG\tTCOUPL\tPCOUPL\tMODEL")
			for _, name := range config.ListPresets() {
				c := config.GetPreset(name)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, c.Integrator, c.Coupling.Thermostat, c.Coupling.Barostat, c.Model)
			}
			return w.Flush()
		},
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "list models and force providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := experiment.NewRegistry()
			fmt.Printf("models:    %s\n", strings.Join(reg.ListModels(), ", "))
			fmt.Printf("providers: %s\n", strings.Join(reg.ListProviders(), ", "))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		RunE:  listRuns,
	}

	showCmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "show run metadata and metrics",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot energies of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringSliceVar(&quantities, "quantity", []string{"conserved", "temperature"}, "quantities to plot")
	plotCmd.Flags().IntVar(&plotHeight, "height", 10, "plot height")
	plotCmd.Flags().IntVar(&plotWidth, "width", 80, "plot width")

	rootCmd.AddCommand(runCmd, validateCmd, presetsCmd, modelsCmd, listCmd, showCmd, plotCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// buildConfig layers defaults, a preset, a config file and the changed
// flags, in that order.
func buildConfig(cmd *cobra.Command, args []string, base *config.RunConfig) (*config.RunConfig, error) {
	cfg := base
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if preset != "" {
		cfg = config.GetPreset(preset)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if len(args) > 0 {
		cfg.Model = args[0]
	}
	if flags.Changed("provider") {
		cfg.Provider = provider
	}
	if flags.Changed("integrator") {
		cfg.Integrator = integrator
	}
	if flags.Changed("thermostat") {
		cfg.Coupling.Thermostat = thermostat
	}
	if flags.Changed("barostat") {
		cfg.Coupling.Barostat = barostat
	}
	if flags.Changed("ref-t") {
		cfg.Coupling.RefT = refT
	}
	if flags.Changed("steps") {
		cfg.NSteps = nsteps
	}
	if flags.Changed("dt") {
		cfg.Dt = dt
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("ranks") {
		cfg.Ranks = ranks
	}
	if flags.Changed("molecules") {
		cfg.System.Molecules = molecules
	}
	if flags.Changed("max-hours") {
		cfg.MaxHours = maxHours
	}
	return cfg, nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	st := storage.New(dataDir)
	if err := st.Init(); err != nil {
		return err
	}

	var prev *config.RunConfig
	var cp *storage.Checkpoint
	if continueID != "" {
		var err error
		if prev, err = config.Load(st.ConfigPath(continueID)); err != nil {
			return fmt.Errorf("load config of %s: %w", continueID, err)
		}
		if cp, err = st.LoadCheckpoint(continueID); err != nil {
			return fmt.Errorf("load checkpoint of %s: %w", continueID, err)
		}
	}
	cfg, err := buildConfig(cmd, args, prev)
	if err != nil {
		return err
	}

	expCfg := experiment.Config{Run: cfg, Logger: logger}
	if cp != nil {
		if cfg.Replicas() > 1 {
			return fmt.Errorf("continuing replica exchange runs is not supported")
		}
		if !cmd.Flags().Changed("steps") {
			cfg.NSteps = prev.InitStep + prev.NSteps - cp.Step
		}
		cfg.InitStep = cp.Step
		cfg.Continuation = true
		expCfg.Initial = cp.State
		expCfg.InitialEkin = cp.Ekin
		logger.Info("continuing run", slog.String("run", continueID), slog.Int64("step", cp.Step))
	}

	exp := experiment.New(experiment.NewRegistry(), expCfg)
	if err := exp.Setup(); err != nil {
		return err
	}

	runs := make([]*storage.Run, exp.Replicas())
	for i := range runs {
		temp := cfg.Coupling.RefT
		if cfg.UsesReplicaExchange() {
			temp = cfg.ReplicaExchange.Temperatures[i]
		}
		run, err := st.Create(storage.RunMetadata{
			Model:      cfg.Model,
			Provider:   cfg.Provider,
			Seed:       cfg.Seed,
			Dt:         cfg.Dt,
			NSteps:     cfg.NSteps,
			InitStep:   cfg.InitStep,
			Integrator: cfg.Integrator,
			Thermostat: cfg.Coupling.Thermostat,
			Barostat:   cfg.Coupling.Barostat,
			Ranks:      cfg.Ranks,
			Replica:    i,
			RefT:       temp,
			Atoms:      exp.Topology().NumAtoms(),
			ContinueOf: continueID,
		})
		if err != nil {
			return err
		}
		defer run.Close()
		if err := config.Save(run.ConfigPath(), cfg); err != nil {
			return err
		}
		runs[i] = run
	}
	exp.SetOutput(func(replica int) mdrun.Output { return runs[replica] })

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	interrupts := make(chan struct{}, 4)
	interrupt := func() {
		select {
		case interrupts <- struct{}{}:
		default:
		}
	}
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sigs:
				logger.Warn("received signal, stopping", slog.String("signal", s.String()))
				interrupt()
			}
		}
	}()
	exp.SetInterrupts(interrupts)

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	var feed *tui.Feed
	if interactive {
		feed = tui.NewFeed(30, 256)
		exp.AddObserver(feed)
	} else if live {
		lr := tui.NewLiveRenderer(os.Stdout, cfg.Model, frameRate)
		lr.Start()
		defer lr.Stop()
		exp.AddObserver(lr)
	}

	start := time.Now()
	var results []*mdrun.Result
	if feed != nil {
		done := make(chan error, 1)
		go func() {
			var err error
			results, err = exp.Run(ctx)
			feed.Close()
			done <- err
		}()
		info := tui.RunInfo{
			Model:      cfg.Model,
			Integrator: cfg.Integrator,
			InitStep:   cfg.InitStep,
			NSteps:     cfg.NSteps,
			Replicas:   exp.Replicas(),
		}
		if err := tui.RunMonitor(ctx, info, feed, interrupt); err != nil {
			logger.Warn("monitor exited", slog.Any("error", err))
		}
		err = <-done
	} else {
		results, err = exp.Run(ctx)
	}
	elapsed := time.Since(start)

	if err != nil {
		for _, run := range runs {
			if ferr := run.Finish(storage.StatusFailed, 0, cfg.InitStep, nil); ferr != nil {
				logger.Error("could not record failure", slog.String("run", run.ID()), slog.Any("error", ferr))
			}
		}
		return err
	}

	fmt.Printf("completed in %v\n", elapsed.Truncate(time.Millisecond))
	for i, res := range results {
		status := storage.StatusCompleted
		if res.Stopped {
			status = storage.StatusStopped
		}
		if err := runs[i].Finish(status, res.StepsDone, res.LastStep, res.Metrics); err != nil {
			return err
		}
		printResult(runs[i].ID(), res, cfg.Dt)
	}
	return nil
}

func printResult(runID string, res *mdrun.Result, dt float64) {
	fmt.Printf("\nrun id: %s\n", runID)
	if res.Replica > 0 || len(res.Acceptance) > 0 {
		fmt.Printf("replica: %d  exchanges: %d\n", res.Replica, res.Exchanges)
	}
	state := "finished"
	if res.Stopped {
		state = "stopped"
	}
	fmt.Printf("steps: %d (last %d, %s)  %.3f ns/day\n", res.StepsDone, res.LastStep, state, res.Counters.NsPerDay(dt))

	if len(res.Averages) > 0 {
		fmt.Println("\naverages:")
		for _, name := range sortedNames(res.Averages) {
			a := res.Averages[name]
			fmt.Printf("  %-12s %14.4f  ± %.4f\n", name, a.Mean, a.StdDev)
		}
	}
	if len(res.Metrics) > 0 {
		fmt.Println("\nmetrics:")
		for _, name := range sortedNames(res.Metrics) {
			fmt.Printf("  %s: %.6f\n", name, res.Metrics[name])
		}
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	exp := experiment.New(experiment.NewRegistry(), experiment.Config{Run: cfg, Logger: slog.Default()})
	if err := exp.Setup(); err != nil {
		return err
	}
	top := exp.Topology()
	fmt.Printf("%s: ok\n", args[0])
	fmt.Printf("  model %s, %d atoms in %d molecules, %d constraints, %d virtual sites\n",
		cfg.Model, top.NumAtoms(), len(top.Molecules), len(top.Constraints), len(top.VSites))
	fmt.Printf("  %s, %d steps of %g ps, %d ranks, %d replicas\n",
		cfg.Integrator, cfg.NSteps, cfg.Dt, max(cfg.Ranks, 1), cfg.Replicas())
	return nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tTIME\tSTEPS\tDT\tINTEG\tREPL\tSTATUS")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.4fps\t%s\t%d\t%s\n",
			run.ID,
			run.Model,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.StepsDone,
			run.Dt,
			run.Integrator,
			run.Replica,
			run.Status,
		)
	}

	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "run\t%s\n", meta.ID)
	fmt.Fprintf(w, "status\t%s\n", meta.Status)
	fmt.Fprintf(w, "model\t%s (%d atoms, provider %s)\n", meta.Model, meta.Atoms, meta.Provider)
	fmt.Fprintf(w, "integrator\t%s, dt %g ps\n", meta.Integrator, meta.Dt)
	fmt.Fprintf(w, "coupling\t%s / %s at %g K\n", meta.Thermostat, meta.Barostat, meta.RefT)
	fmt.Fprintf(w, "steps\t%d from %d, last %d\n", meta.StepsDone, meta.InitStep, meta.LastStep)
	fmt.Fprintf(w, "ranks\t%d (replica %d)\n", meta.Ranks, meta.Replica)
	if meta.ContinueOf != "" {
		fmt.Fprintf(w, "continues\t%s\n", meta.ContinueOf)
	}
	if cp, err := st.LoadCheckpoint(meta.ID); err == nil {
		fmt.Fprintf(w, "checkpoint\tstep %d, written %s\n", cp.Step, cp.Written.Format("2006-01-02 15:04:05"))
	}
	for _, name := range sortedNames(meta.Metrics) {
		fmt.Fprintf(w, "%s\t%.6f\n", name, meta.Metrics[name])
	}
	return w.Flush()
}

func energySeries(records []reduce.EnergyAccumulator, quantity string) ([]float64, error) {
	pick := map[string]func(reduce.EnergyAccumulator) float64{
		"epot":        func(a reduce.EnergyAccumulator) float64 { return a.Epot },
		"ekin":        func(a reduce.EnergyAccumulator) float64 { return a.Ekin },
		"etot":        func(a reduce.EnergyAccumulator) float64 { return a.Etot },
		"conserved":   func(a reduce.EnergyAccumulator) float64 { return a.Conserved },
		"temperature": func(a reduce.EnergyAccumulator) float64 { return a.Temperature },
		"pressure":    func(a reduce.EnergyAccumulator) float64 { return a.PresScalar },
		"volume":      func(a reduce.EnergyAccumulator) float64 { return a.Volume },
		"dvdl":        func(a reduce.EnergyAccumulator) float64 { return a.DVDL },
	}
	fn, ok := pick[quantity]
	if !ok {
		return nil, fmt.Errorf("unknown quantity %q (available: %s)", quantity, strings.Join(sortedNames(pick), ", "))
	}
	data := make([]float64, len(records))
	for i, a := range records {
		data[i] = fn(a)
	}
	return data, nil
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}

	records, err := st.LoadEnergies(runID)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("model: %s\n", meta.Model)
	fmt.Printf("samples: %d (steps %d..%d)\n\n", len(records), records[0].Step, records[len(records)-1].Step)

	for _, q := range quantities {
		data, err := energySeries(records, q)
		if err != nil {
			return err
		}
		caption := fmt.Sprintf("%s vs step", q)
		graph := asciigraph.Plot(data, asciigraph.Height(plotHeight), asciigraph.Width(plotWidth), asciigraph.Caption(caption))
		fmt.Println(graph)
		fmt.Println()
	}
	return nil
}
