//go:build linux

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jakubman1/exafs/internal/announcer"
	"github.com/jakubman1/exafs/internal/api"
	"github.com/jakubman1/exafs/internal/bootstrap"
	"github.com/jakubman1/exafs/internal/ddp"
	"github.com/jakubman1/exafs/internal/lifecycle"
	"github.com/jakubman1/exafs/internal/mirror"
	"github.com/jakubman1/exafs/internal/reconcile"
	"github.com/jakubman1/exafs/internal/route"
	"github.com/jakubman1/exafs/internal/rule"
	"github.com/jakubman1/exafs/internal/store"
)

type configuration struct {
	command        string
	debug          bool
	dbDriver       string
	dbDSN          string
	speakerURL     string
	speakerTimeout time.Duration
	nextHopV4      string
	nextHopV6      string
	ddpTimeout     time.Duration
	ddpConcurrency int
	listenAddress  string
	interval       time.Duration
	bootstrapFile  string
	nftablesMirror bool
	enableCounter  bool
}

var config = configuration{}

func init() {
	app := kingpin.New("exafs", "Flowspec and RTBH rule lifecycle daemon")
	app.Flag("debug", "Enable debug mode").Short('d').BoolVar(&config.debug)
	app.Flag("db.driver", "Database driver (sqlite or mysql)").Envar("DB_DRIVER").Default("sqlite").EnumVar(&config.dbDriver, "sqlite", "mysql")
	app.Flag("db.dsn", "Database DSN").Envar("DB_DSN").Default("exafs.db").StringVar(&config.dbDSN)
	app.Flag("speaker.url", "URL of the BGP speaker command endpoint").Envar("SPEAKER_URL").Default("http://localhost:5000/").StringVar(&config.speakerURL)
	app.Flag("speaker.timeout", "Timeout of BGP speaker commands").Envar("SPEAKER_TIMEOUT").Default("10s").DurationVar(&config.speakerTimeout)
	app.Flag("rtbh.next-hop", "Next hop of IPv4 RTBH routes").Envar("RTBH_NEXT_HOP").Default("192.0.2.1").StringVar(&config.nextHopV4)
	app.Flag("rtbh.next-hop6", "Next hop of IPv6 RTBH routes").Envar("RTBH_NEXT_HOP6").Default("100::1").StringVar(&config.nextHopV6)
	app.Flag("ddp.timeout", "Timeout of DDoS Protector requests").Envar("DDP_TIMEOUT").Default("10s").DurationVar(&config.ddpTimeout)
	app.Flag("ddp.concurrency", "Concurrent DDoS Protector requests during sweeps").Envar("DDP_CONCURRENCY").Default("4").IntVar(&config.ddpConcurrency)
	app.Flag("listen-address", "Address to serve the API and metrics on").Envar("LISTEN_ADDRESS").Default("127.0.0.1:9302").StringVar(&config.listenAddress)
	app.Flag("interval", "Interval of the withdraw sweep, 0 leaves triggering to an external scheduler").Envar("CHECK_INTERVAL").Default("0s").DurationVar(&config.interval)
	app.Flag("bootstrap-file", "YAML file with actions, communities, devices and user network ranges").Envar("BOOTSTRAP_FILE").ExistingFileVar(&config.bootstrapFile)
	app.Flag("nftables.mirror", "Mirror active flowspec rules into a local nftables chain").Envar("NFTABLES_MIRROR").Default("false").BoolVar(&config.nftablesMirror)
	app.Flag("nftables.counter", "Enable counter in nftables rules").Envar("ENABLE_COUNTER").Default("false").BoolVar(&config.enableCounter)
	app.HelpFlag.Short('h')

	app.Command("serve", "Run the daemon").Default()
	app.Command("announce-all", "Announce every active rule once and exit")
	app.Command("withdraw-expired", "Withdraw every expired rule once and exit")
	config.command = kingpin.MustParse(app.Parse(os.Args[1:]))

	logLevel := slog.LevelInfo
	if config.debug {
		logLevel = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	})))
}

// auditLog records rule changes in the daemon log.
type auditLog struct{}

func (auditLog) LogRouteChange(_ context.Context, userID int64, r rule.Rule) {
	slog.Info("rule changed",
		slog.Int64("user_id", userID),
		slog.String("variant", r.Variant().String()),
		slog.Int64("id", r.RuleID()),
		slog.Time("expires", r.ExpiresAt()))
}

func (auditLog) LogWithdraw(_ context.Context, userID int64, msg route.Message, v rule.Variant, ruleID int64) {
	attrs := []any{
		slog.Int64("user_id", userID),
		slog.String("variant", v.String()),
		slog.Int64("id", ruleID),
	}
	// no match clauses when the withdraw could not be built
	if len(msg.Match) > 0 {
		attrs = append(attrs, slog.String("command", msg.Command()))
	}
	slog.Info("rule withdrawn", attrs...)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-ch
		slog.Info("Received termination, signaling shutdown")
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("exiting", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	db, err := store.Open(config.dbDriver, config.dbDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ranges := bootstrap.Ranges{}
	if config.bootstrapFile != "" {
		seed, err := bootstrap.Load(config.bootstrapFile)
		if err != nil {
			return err
		}
		if err := seed.Seed(ctx, db); err != nil {
			return err
		}
		if ranges, err = seed.NetRanges(); err != nil {
			return err
		}
	}

	builder := route.NewBuilder(db, config.nextHopV4, config.nextHopV6)
	speaker := announcer.New(config.speakerURL, &http.Client{Timeout: config.speakerTimeout})
	appliance := ddp.NewAdapter(db, config.ddpTimeout)
	scheduler := reconcile.New(db, builder, speaker, reconcile.WithAppliance(appliance, config.ddpConcurrency))

	switch config.command {
	case "announce-all":
		_, err := scheduler.AnnounceAll(ctx)
		return err
	case "withdraw-expired":
		_, err := scheduler.WithdrawExpired(ctx)
		return err
	}

	service := lifecycle.New(db, builder, speaker, ranges, auditLog{}, lifecycle.WithAppliance(appliance))

	var nftMirror *mirror.Mirror
	if config.nftablesMirror {
		if nftMirror, err = mirror.New(db, builder, config.enableCounter); err != nil {
			return err
		}
		defer func() {
			if err := nftMirror.Close(); err != nil {
				slog.Warn("failed to remove nftables table", slog.String("error", err.Error()))
			}
		}()
		if err := nftMirror.Sync(ctx); err != nil {
			slog.Error("nftables mirror sync failed", slog.String("error", err.Error()))
		}
	}

	if config.interval > 0 {
		cron, err := startScheduler(ctx, scheduler, appliance, nftMirror)
		if err != nil {
			return err
		}
		defer func() {
			if err := cron.Shutdown(); err != nil {
				slog.Warn("failed to stop scheduler", slog.String("error", err.Error()))
			}
		}()
	}

	prometheus.DefaultRegisterer.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	mux.Handle("/", api.NewHandler(service, scheduler, db))

	server := &http.Server{Addr: config.listenAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		slog.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("serving api and metrics", slog.String("address", server.Addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startScheduler runs the withdraw sweep, the device load refresh and the
// nftables mirror every interval. A run still in progress delays the next one.
func startScheduler(ctx context.Context, sched *reconcile.Scheduler, appliance *ddp.Adapter, nftMirror *mirror.Mirror) (gocron.Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	jobs := map[string]func(){
		reconcile.SweepWithdrawExpired: func() {
			if _, err := sched.WithdrawExpired(ctx); err != nil {
				slog.Error("withdraw sweep failed", slog.String("error", err.Error()))
			}
		},
		"ddp_load": func() {
			if err := appliance.RefreshLoad(ctx); err != nil {
				slog.Warn("failed to refresh DDoS Protector load", slog.String("error", err.Error()))
			}
		},
	}
	if nftMirror != nil {
		jobs["nftables_mirror"] = func() {
			if err := nftMirror.Sync(ctx); err != nil {
				slog.Error("nftables mirror sync failed", slog.String("error", err.Error()))
			}
			nftMirror.CollectCounters()
		}
	}

	for name, task := range jobs {
		_, err := cron.NewJob(
			gocron.DurationJob(config.interval),
			gocron.NewTask(task),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, err
		}
	}
	cron.Start()
	slog.Info("scheduler started", slog.Duration("interval", config.interval), slog.Int("jobs", len(jobs)))
	return cron, nil
}
