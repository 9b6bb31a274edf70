package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/traffic-twin/traffic-twin/sim/demand"
	"github.com/traffic-twin/traffic-twin/sim/dual"
	"github.com/traffic-twin/traffic-twin/sim/engine"
	"github.com/traffic-twin/traffic-twin/sim/network"
	"github.com/traffic-twin/traffic-twin/sim/policy"
	"github.com/traffic-twin/traffic-twin/sim/routes"
)

var (
	// CLI flags shared across subcommands
	location      string // junction location id
	startClock    string // window start, HH:MM
	endClock      string // window end, HH:MM
	seed          int64  // seed for spawn schedule generation
	logLevel      string // log verbosity level
	locationsFile string // optional YAML location registry override

	// run flags
	useGUI       bool          // launch engine instances with a GUI
	policyName   string        // policy provider: passthrough or round-robin
	policyPhases int           // phase count for the round-robin provider
	tickInterval time.Duration // wall-clock wait between lockstep ticks

	// emit flags
	outputPath string // trip artifact destination

	// classify flags
	hourFlag int // hour of day for demand classification
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "traffic-twin",
	Short: "Replay recorded traffic demand into paired fixed-time and learned-control simulations",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// parseClock parses "HH:MM" into hour and minute components.
func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func windowFromFlags() (demand.Window, error) {
	var w demand.Window
	var err error
	if w.StartHour, w.StartMinute, err = parseClock(startClock); err != nil {
		return w, err
	}
	if w.EndHour, w.EndMinute, err = parseClock(endClock); err != nil {
		return w, err
	}
	return w, w.Validate()
}

func loadRegistry() (*network.Registry, error) {
	if locationsFile == "" {
		return network.NewRegistry(), nil
	}
	return network.LoadRegistry(locationsFile)
}

func providerFromFlags() (policy.Provider, error) {
	switch policyName {
	case "passthrough":
		return policy.Passthrough{}, nil
	case "round-robin":
		return &policy.RoundRobin{Phases: policyPhases}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want passthrough or round-robin)", policyName)
	}
}

// runCmd starts a full dual run and streams the comparison feed to stdout.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dual fixed-vs-learned simulation for a demand window",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := windowFromFlags()
		if err != nil {
			return err
		}
		registry, err := loadRegistry()
		if err != nil {
			return err
		}
		provider, err := providerFromFlags()
		if err != nil {
			return err
		}
		cfg, err := engine.ConfigFromEnv()
		if err != nil {
			return err
		}

		store := demand.NewStore(cfg.DataDir)
		orch := dual.New(store, registry, cfg, engine.NewLauncher(cfg), nil,
			dual.Options{TickInterval: tickInterval})

		summary, err := orch.StartDual(location, w, seed, useGUI)
		if err != nil {
			return err
		}
		logrus.Infof("Started dual run: %d vehicles over %s at %s",
			summary.Spawns, w, location)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		feed, cancel := orch.Broadcaster.Subscribe()
		defer cancel()
		go func() {
			enc := json.NewEncoder(os.Stdout)
			for snap := range feed {
				enc.Encode(snap)
			}
		}()

		if err := orch.Run(ctx, provider); err != nil {
			orch.StopAll()
			return err
		}

		status := orch.Status()
		logrus.Infof("Run finished after %d ticks: mean queue advantage %.2f, mean wait advantage %.2f",
			status.Summary.Ticks, status.Summary.MeanQueueAdvantage, status.Summary.MeanWaitAdvantage)
		return nil
	},
}

// previewCmd shows the exact demand a window would replay, with no sessions.
var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Preview the pro-rated demand for a time window",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := windowFromFlags()
		if err != nil {
			return err
		}
		cfg, err := engine.ConfigFromEnv()
		if err != nil {
			return err
		}

		sched := demand.NewScheduler(demand.NewStore(cfg.DataDir))
		dw, err := sched.WindowDemand(location, w)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(dw)
	},
}

// emitCmd generates a spawn schedule and writes the trip artifact.
var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Generate and write the trip artifact for a demand window",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := windowFromFlags()
		if err != nil {
			return err
		}
		registry, err := loadRegistry()
		if err != nil {
			return err
		}
		loc, ok := registry.Lookup(location)
		if !ok {
			return fmt.Errorf("unknown location %q", location)
		}
		cfg, err := engine.ConfigFromEnv()
		if err != nil {
			return err
		}

		sched := demand.NewScheduler(demand.NewStore(cfg.DataDir))
		dw, err := sched.WindowDemand(location, w)
		if err != nil {
			return err
		}
		spawns, err := sched.GenerateSpawns(dw, loc.Edges, seed)
		if err != nil {
			return err
		}

		annotation := fmt.Sprintf("location=%s window=%s seed=%d", location, w, seed)
		return routes.NewEmitter().Emit(spawns, outputPath, annotation)
	},
}

// classifyCmd reports the demand level for one recorded hour.
var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify the recorded demand level for an hour",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engine.ConfigFromEnv()
		if err != nil {
			return err
		}
		store := demand.NewStore(cfg.DataDir)

		record, ok, err := store.Hour(location, hourFlag)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no data for %s hour %d", location, hourFlag)
		}
		fmt.Printf("%s %02d:00 (%s): %d veh/h -> %s\n",
			location, record.Hour, record.TimeSlot, record.VehiclesPerHour,
			demand.ClassifyDemand(record.VehiclesPerHour))
		return nil
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&location, "location", "silk_board", "Junction location id")
	rootCmd.PersistentFlags().StringVar(&locationsFile, "locations", "", "Optional YAML location registry override")
	rootCmd.PersistentFlags().StringVar(&startClock, "start", "08:00", "Window start (HH:MM)")
	rootCmd.PersistentFlags().StringVar(&endClock, "end", "09:00", "Window end (HH:MM)")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 42, "Seed for spawn schedule generation")

	runCmd.Flags().BoolVar(&useGUI, "gui", false, "Launch engine instances with a GUI")
	runCmd.Flags().StringVar(&policyName, "policy", "passthrough", "Policy provider for the learned session (passthrough, round-robin)")
	runCmd.Flags().IntVar(&policyPhases, "policy-phases", 4, "Phase count for the round-robin provider")
	runCmd.Flags().DurationVar(&tickInterval, "interval", 500*time.Millisecond, "Wall-clock wait between lockstep ticks")

	emitCmd.Flags().StringVar(&outputPath, "output", "routes_demand.rou.xml", "Trip artifact destination path")

	classifyCmd.Flags().IntVar(&hourFlag, "hour", 8, "Hour of day (0-23)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(emitCmd)
	rootCmd.AddCommand(classifyCmd)
}
