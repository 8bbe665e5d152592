// Command warden runs the replication core of the peer hosted repository
// storage network: it tracks storage nodes, audits their replicas through
// content challenges and repairs repositories that fall below their required
// replica count.
//
// Additionally, warden has subcommands for common tasks:
//
// SQL Ping
//
// The subcommand "sql-ping" checks if the database configured in the config
// file is reachable:
//
//     warden -config PATH_TO_CONFIG sql-ping
//
// SQL Migrate
//
// The subcommand "sql-migrate" will apply any outstanding SQL migrations.
//
//     warden -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// By default, the migration will ignore any unknown migrations that are
// not known by the warden binary.
//
// "-ignore-unknown=false" will disable this behavior.
//
// The subcommand "sql-migrate-status" will show which SQL migrations have
// been applied and which ones have not:
//
//     warden -config PATH_TO_CONFIG sql-migrate-status
//
// The subcommand "sql-migrate-down" will roll back applied migrations. It
// requires the -f flag to take effect:
//
//     warden -config PATH_TO_CONFIG sql-migrate-down [-f] MAX_MIGRATIONS
//
// List Nodes
//
// The subcommand "list-nodes" prints the registered storage nodes with their
// capacity, reputation and staleness state:
//
//     warden -config PATH_TO_CONFIG list-nodes
//
// At Risk
//
// The subcommand "at-risk" prints repositories whose healthy replica count is
// below their effective required count, together with a health class. This is
// useful for judging the blast radius of a node outage:
//
//     warden -config PATH_TO_CONFIG at-risk
//
// Repo Status
//
// The subcommand "repo-status" prints the replica detail of one repository:
//
//     warden -config PATH_TO_CONFIG repo-status -repo <hash>
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/labkit/tracing"
	"gitlab.com/hyrule/warden/internal/bootstrap"
	"gitlab.com/hyrule/warden/internal/bootstrap/starter"
	"gitlab.com/hyrule/warden/internal/helper"
	"gitlab.com/hyrule/warden/internal/log"
	"gitlab.com/hyrule/warden/internal/version"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
	"gitlab.com/hyrule/warden/internal/warden/datastore/glsql"
	"gitlab.com/hyrule/warden/internal/warden/metrics"
	"gitlab.com/hyrule/warden/internal/warden/peer"
	"gitlab.com/hyrule/warden/internal/warden/pins"
	"gitlab.com/hyrule/warden/internal/warden/placement"
	"gitlab.com/hyrule/warden/internal/warden/registry"
	"gitlab.com/hyrule/warden/internal/warden/repair"
	"gitlab.com/hyrule/warden/internal/warden/reputation"
	"gitlab.com/hyrule/warden/internal/warden/service"
	"gitlab.com/hyrule/warden/internal/warden/transfer"
	"gitlab.com/hyrule/warden/internal/warden/verifier"
	"google.golang.org/grpc"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "warden"

// maxPeerConnections bounds the peer connection cache; the least recently
// used connection is closed when the bound is hit.
const maxPeerConnections = 512

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	// If invoked with -version
	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	conf.ConfigureLogger()

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	configure(conf)

	logger.WithField("version", version.GetVersionString()).Info("Starting " + progname)

	starterConfigs, err := getStarterConfigs(conf)
	if err != nil {
		logger.Fatalf("%s", err)
	}

	b, err := bootstrap.New()
	if err != nil {
		logger.Fatalf("unable to create a bootstrap: %v", err)
	}

	if err := run(starterConfigs, conf, b, prometheus.DefaultRegisterer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configure(conf config.Config) {
	tracing.Initialize(tracing.WithServiceName(progname))

	if conf.PrometheusListenAddr != "" {
		conf.Prometheus.Configure()
	}

	config.ConfigureSentry(version.GetVersion(), conf.Logging.Sentry)
}

func run(cfgs []starter.Config, conf config.Config, b *bootstrap.Bootstrap, promreg prometheus.Registerer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sql.DB
	if conf.NeedsSQL() {
		logger.Infof("establishing database connection to %s:%d ...", conf.DB.Host, conf.DB.Port)
		dbConn, closedb, err := initDatabase(ctx, logger, conf)
		if err != nil {
			return err
		}
		defer closedb()
		db = dbConn
		logger.Info("database connection established")
	}

	var (
		nodes    datastore.NodeStore
		repos    datastore.RepositoryStore
		pinStore datastore.PinStore
		queue    datastore.RepairEventQueue
	)

	if conf.MemoryQueueEnabled {
		mem := datastore.NewMemoryDatastore()
		nodes, repos, pinStore = mem, mem, mem
		queue = datastore.NewMemoryRepairEventQueue()
		logger.Info("using in memory stores, state will not survive a restart")
	} else {
		nodes = datastore.NewPostgresNodeStore(db)
		repos = datastore.NewPostgresRepositoryStore(db)
		pinStore = datastore.NewPostgresPinStore(db)
		queue = datastore.NewPostgresRepairEventQueue(db)
	}

	peerClient, err := peer.NewClient(logger, maxPeerConnections)
	if err != nil {
		return fmt.Errorf("peer client: %w", err)
	}
	defer peerClient.Close()

	transferLatency, err := metrics.RegisterTransferLatency(conf.Prometheus)
	if err != nil {
		return fmt.Errorf("transfer latency metric: %w", err)
	}

	challengeLatency, err := metrics.RegisterChallengeLatency(conf.Prometheus)
	if err != nil {
		return fmt.Errorf("challenge latency metric: %w", err)
	}

	jobsInFlight, err := metrics.RegisterRepairJobsInFlight()
	if err != nil {
		return fmt.Errorf("repair jobs metric: %w", err)
	}

	var (
		scorer     = reputation.NewScorer(logger, nodes, conf.Reputation)
		planner    = placement.NewPlanner(logger, nodes, scorer, conf)
		pinManager = pins.NewManager(logger, pinStore, repos, queue, conf)
		reg        = registry.New(logger, nodes, repos, queue, peerClient, conf)
		verif      = verifier.NewVerifier(logger, repos, queue, peerClient, scorer, conf.Verification,
			verifier.WithChallengeLatencyMetric(challengeLatency))
		dispatcher = transfer.NewPeerDispatcher(logger, peerClient, nodes,
			transfer.WithLatencyMetric(transferLatency))
		engine = repair.NewEngine(logger, queue, repos, planner, pinManager, dispatcher, conf,
			repair.WithJobsInFlightMetric(jobsInFlight))
	)

	promreg.MustRegister(reg, verif, engine)
	if db != nil {
		promreg.MustRegister(
			datastore.NewRepositoryStoreCollector(logger, db, conf),
			datastore.NewNodeStoreCollector(logger, db),
			datastore.NewQueueDepthCollector(logger, db),
		)
	}

	admin := service.NewAdminService(logger, reg, pinManager, repos, queue)

	var servers []*grpc.Server
	for _, cfg := range cfgs {
		srv, err := service.NewServer(logger, admin, cfg.IsSecure(), conf.TLS)
		if err != nil {
			return fmt.Errorf("create gRPC server: %w", err)
		}
		defer srv.Stop()

		servers = append(servers, srv)
		b.RegisterStarter(starter.New(cfg, srv))
	}

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")

		b.RegisterStarter(func(listen bootstrap.ListenFunc, _ chan<- error) error {
			l, err := listen(starter.TCP, conf.PrometheusListenAddr)
			if err != nil {
				return err
			}

			go func() {
				if err := monitoring.Start(
					monitoring.WithListener(l),
					monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime())); err != nil {
					logger.WithError(err).Errorf("Unable to start prometheus listener: %v", conf.PrometheusListenAddr)
				}
			}()

			return nil
		})
	}

	if err := b.Start(); err != nil {
		return fmt.Errorf("unable to start the bootstrap: %v", err)
	}

	if interval := conf.Registry.SweepInterval.Duration(); interval > 0 {
		go func() {
			if err := reg.Run(ctx, helper.NewTimerTicker(interval)); err != nil {
				logger.WithError(err).Error("staleness sweep exited")
			}
		}()
		logger.Info("background started: node staleness sweep")
	} else {
		logger.Warn(`Staleness sweep disabled as "registry.sweep_interval" is not set or 0.`)
	}

	if interval := conf.Verification.RunInterval.Duration(); interval > 0 {
		go func() {
			if err := verif.Run(ctx, helper.NewTimerTicker(interval)); err != nil {
				logger.WithError(err).Error("verification loop exited")
			}
		}()
		logger.Info("background started: replica verification")
	} else {
		logger.Warn(`Replica verification disabled as "verification.run_interval" is not set or 0.`)
	}

	if interval := conf.Repair.RunInterval.Duration(); interval > 0 {
		go func() {
			if err := engine.Run(ctx, helper.NewTimerTicker(interval)); err != nil {
				logger.WithError(err).Error("repair loop exited")
			}
		}()
		logger.Info("background started: repair of under replicated repositories")
	} else {
		logger.Warn(`Repair disabled as "repair.run_interval" is not set or 0.`)
	}

	return b.Wait(conf.GracefulStopTimeout.Duration(), func() {
		for _, srv := range servers {
			srv.GracefulStop()
		}
	})
}

func getStarterConfigs(conf config.Config) ([]starter.Config, error) {
	var cfgs []starter.Config
	unique := map[string]struct{}{}
	for schema, addr := range map[string]string{
		starter.TCP:  conf.ListenAddr,
		starter.TLS:  conf.TLSListenAddr,
		starter.Unix: conf.SocketPath,
	} {
		if addr == "" {
			continue
		}

		addrConf, err := starter.ParseEndpoint(addr)
		if err != nil {
			// address doesn't include schema
			if !errors.Is(err, starter.ErrEmptySchema) {
				return nil, err
			}
			addrConf = starter.Config{Name: schema, Addr: addr}
		}

		if _, found := unique[addrConf.Addr]; found {
			return nil, fmt.Errorf("same address can't be used for different schemas %q", addr)
		}
		unique[addrConf.Addr] = struct{}{}

		cfgs = append(cfgs, addrConf)

		logger.WithFields(logrus.Fields{"schema": schema, "address": addr}).Info("listening")
	}

	if len(cfgs) == 0 {
		return nil, errors.New("no listening addresses were provided, unable to start")
	}

	return cfgs, nil
}

func initDatabase(ctx context.Context, logger *logrus.Entry, conf config.Config) (*sql.DB, func(), error) {
	openDBCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()
	db, err := glsql.OpenDB(openDBCtx, conf.DB)
	if err != nil {
		logger.WithError(err).Error("SQL connection open failed")
		return nil, nil, err
	}

	closedb := func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("SQL connection close failed")
		}
	}

	if err := datastore.CheckPostgresVersion(db); err != nil {
		closedb()
		return nil, nil, err
	}

	return db, closedb, nil
}
