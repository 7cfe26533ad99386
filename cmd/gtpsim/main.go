package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wmnsk/go-gtp/gtpv2"

	"gtpsim/internal/capture"
	"gtpsim/internal/config"
	"gtpsim/internal/display"
	"gtpsim/internal/engine"
	"gtpsim/internal/scenario"
	"gtpsim/internal/session"
	"gtpsim/internal/stats"
	"gtpsim/internal/transport"
)

var (
	version  = "1.0.0"
	cfgFile  string
	headless bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gtpsim",
		Short: "GTP-C load simulator - drive synthetic UE sessions against a mobile-core peer",
		Long: `A GTP-C v2 load and behavior simulator. It instantiates many concurrent
synthetic subscriber sessions, each executing a scripted request/response
exchange over UDP with N3/T3 retransmission, duplicate detection and
dead-call handling, and reports aggregate statistics.`,
		Version: version,
		RunE:    run,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Configuration file path (default: config.yaml)")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "Disable the terminal dashboard")

	// CLI overrides
	rootCmd.Flags().String("node", "", "Node type (mme|sgw|pgw)")
	rootCmd.Flags().String("interface", "", "GTP-C interface (s11|s4|s5s8)")
	rootCmd.Flags().String("local-ip", "", "Local GTP-C address")
	rootCmd.Flags().Int("local-port", 0, "Local GTP-C port")
	rootCmd.Flags().String("remote-ip", "", "Remote peer GTP-C address")
	rootCmd.Flags().Int("remote-port", 0, "Remote peer GTP-C port")
	rootCmd.Flags().String("scenario", "", "Built-in scenario name")
	rootCmd.Flags().Int("sessions", -1, "Number of sessions to create (0 = unbounded)")
	rootCmd.Flags().Float64("rate", 0, "Session creation rate per second")
	rootCmd.Flags().String("imsi-start", "", "First IMSI to assign")
	rootCmd.Flags().Int("t3", 0, "T3 retransmission timer in ms")
	rootCmd.Flags().Int("n3", -1, "N3 maximum retransmissions")
	rootCmd.Flags().Int("dead-call-wait", -1, "Dead-call grace period in ms")
	rootCmd.Flags().String("log-level", "", "Log level (trace|debug|info|warn|error)")
	rootCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty = disabled)")
	rootCmd.Flags().String("capture", "", "Write exchanged datagrams to a pcap file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug("No config file found, using defaults and CLI flags")
	}

	bindViperFlags(v, cmd)

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogging(cfg)

	fmt.Printf("GTP-C Simulator v%s\n", version)
	fmt.Print(cfg.Summary())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	ifType, err := parseInterface(cfg.Node.Interface)
	if err != nil {
		return err
	}

	scn, err := scenario.Build(cfg.Load.Scenario, scenario.Params{
		If:        ifType,
		Apn:       cfg.Load.Apn,
		WaitMs:    int64(cfg.Load.WaitMs),
		Initiator: cfg.Initiator(),
	})
	if err != nil {
		return err
	}

	// optional pcap capture of all exchanged datagrams
	var tap transport.Tap
	if cfg.Capture.File != "" {
		w, err := capture.NewWriter(cfg.Capture.File)
		if err != nil {
			return err
		}
		defer w.Close()
		tap = w
	}

	localEp := &net.UDPAddr{IP: net.ParseIP(cfg.Local.Address), Port: cfg.Local.Port}
	var peerEp *net.UDPAddr
	if cfg.Remote.Address != "" {
		peerEp = &net.UDPAddr{IP: net.ParseIP(cfg.Remote.Address), Port: cfg.Remote.Port}
	}

	var disp *session.Dispatcher
	tr, err := transport.NewUDPTransport(localEp, func(dg transport.Datagram) {
		disp.Dispatch(dg)
	}, tap)
	if err != nil {
		return err
	}
	defer tr.Close()
	log.WithField("local_addr", tr.LocalAddr()).Info("UDP transport started")

	clock := engine.NewWallClock()
	reg := session.NewRegistry()
	collector := stats.NewCollector()
	sched := engine.NewScheduler(clock, tr, int64(cfg.Timing.DisplayRefreshMs))

	prm := &session.Params{
		T3Ms:           int64(cfg.Timing.T3TimerMs),
		N3:             cfg.Timing.N3Requests,
		DeadCallWaitMs: int64(cfg.Timing.DeadCallWaitMs),
		LocalIP:        localEp.IP,
		LocalEp:        localEp,
		PeerEp:         peerEp,
		CtlIfType:      ctlIfType(cfg),
		UserIfType:     userIfType(cfg),
	}

	newSession := func(imsi session.ImsiKey) *session.UeSession {
		return session.NewSession(reg, clock, tr, collector, prm, scn, imsi)
	}

	var controls display.Controls
	if scn.StartsWithSend() {
		gen := session.NewGenerator(reg, sched, clock, newSession,
			cfg.Load.ImsiStart, cfg.Load.Sessions, cfg.Load.Rate)
		sched.Add(gen)
		controls = gen
		disp = session.NewDispatcher(reg, sched, collector, nil)
	} else {
		// responder: sessions are created by inbound initial requests and
		// hand out UE addresses from the pool
		if cfg.Load.UEIPPool != "" {
			pool, err := session.NewUEIPPool(cfg.Load.UEIPPool)
			if err != nil {
				return err
			}
			prm.UEPool = pool
		}
		disp = session.NewDispatcher(reg, sched, collector, newSession)
	}

	if cfg.Stats.MetricsAddr != "" {
		stats.ServeMetrics(cfg.Stats.MetricsAddr, collector)
	}

	if !headless {
		// the dashboard owns the terminal; keep logs away from stdout
		if cfg.Logging.File == "" {
			log.SetOutput(io.Discard)
		}
		info := display.Info{
			NodeType: strings.ToUpper(cfg.Node.Type),
			Local:    localEp.String(),
			Remote:   cfg.Remote.Address,
		}
		go func() {
			if err := display.Run(display.New(info, collector, scn, controls,
				time.Duration(cfg.Timing.DisplayRefreshMs)*time.Millisecond, cancel)); err != nil {
				log.WithError(err).Error("Display stopped")
			}
			cancel()
		}()
	}

	sched.Run(ctx)

	fmt.Print(stats.FormatReport(collector, scn))
	return nil
}

func parseInterface(s string) (scenario.Interface, error) {
	switch strings.ToLower(s) {
	case "s11":
		return scenario.IfS11, nil
	case "s4":
		return scenario.IfS4, nil
	case "s5s8":
		return scenario.IfS5S8, nil
	default:
		return 0, fmt.Errorf("unknown interface %q", s)
	}
}

// ctlIfType maps the node role onto the F-TEID interface type stamped into
// outbound sender F-TEIDs.
func ctlIfType(cfg *config.Config) uint8 {
	switch strings.ToLower(cfg.Node.Type) {
	case "sgw":
		if strings.EqualFold(cfg.Node.Interface, "s5s8") {
			return gtpv2.IFTypeS5S8SGWGTPC
		}
		return gtpv2.IFTypeS11S4SGWGTPC
	case "pgw":
		return gtpv2.IFTypeS5S8PGWGTPC
	default:
		return gtpv2.IFTypeS11MMEGTPC
	}
}

func userIfType(cfg *config.Config) uint8 {
	switch strings.ToLower(cfg.Node.Type) {
	case "sgw":
		if strings.EqualFold(cfg.Node.Interface, "s5s8") {
			return gtpv2.IFTypeS5S8SGWGTPU
		}
		return gtpv2.IFTypeS1USGWGTPU
	case "pgw":
		return gtpv2.IFTypeS5S8PGWGTPU
	default:
		return gtpv2.IFTypeS1UeNodeBGTPU
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.WithError(err).Warn("Failed to open log file, using console only")
		} else {
			log.SetOutput(f)
		}
	}
}

func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	set := func(flag, key string, get func() any) {
		if cmd.Flags().Changed(flag) {
			v.Set(key, get())
		}
	}
	str := func(name string) func() any {
		return func() any { val, _ := cmd.Flags().GetString(name); return val }
	}
	num := func(name string) func() any {
		return func() any { val, _ := cmd.Flags().GetInt(name); return val }
	}

	set("node", "node.type", str("node"))
	set("interface", "node.interface", str("interface"))
	set("local-ip", "local.address", str("local-ip"))
	set("local-port", "local.port", num("local-port"))
	set("remote-ip", "remote.address", str("remote-ip"))
	set("remote-port", "remote.port", num("remote-port"))
	set("scenario", "load.scenario", str("scenario"))
	set("sessions", "load.sessions", num("sessions"))
	set("rate", "load.rate", func() any { val, _ := cmd.Flags().GetFloat64("rate"); return val })
	set("imsi-start", "load.imsi_start", str("imsi-start"))
	set("t3", "timing.t3_timer_ms", num("t3"))
	set("n3", "timing.n3_requests", num("n3"))
	set("dead-call-wait", "timing.dead_call_wait_ms", num("dead-call-wait"))
	set("log-level", "logging.level", str("log-level"))
	set("metrics-addr", "stats.metrics_addr", str("metrics-addr"))
	set("capture", "capture.file", str("capture"))
}
