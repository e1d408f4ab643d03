package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minisync/auth"
	"github.com/mqy/minisync/relay"
	"github.com/mqy/minisync/store"
	"github.com/mqy/minisync/ws"
)

const (
	persistNone   = "none"
	persistBolt   = "bolt"
	persistBadger = "badger"
	persistMysql  = "mysql"

	// Flags not given on the command line are read from MINISYNC_<FLAG>,
	// e.g. MINISYNC_KAFKA_BROKERS.
	envPrefix = "MINISYNC_"
)

var (
	flagEnvFile = flag.String("env-file", ".env", "optional dotenv file with MINISYNC_* defaults")
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minisync.pid", "pid file")
	flagNodeId  = flag.String("node-id", "", "node id, defaults to the hostname")

	flagPersist   = flag.String("persist", persistNone, "persistence: none, bolt, badger or mysql")
	flagBoltFile  = flag.String("bolt-file", "minisync.db", "bolt: database file")
	flagBadgerDir = flag.String("badger-dir", "minisync-badger", "badger: database dir")
	flagMysqlDsn  = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minisync?charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers; empty runs a single node without relay")
	flagKafkaTopic   = flag.String("kafka-topic", "minisync-changes", "relay topic")

	flagSessionQuota  = flag.Uint("session-quota", 5, "per principal websocket session quota, allowed value in [1, 10]")
	flagMaxValueBytes = flag.Uint("max-value-bytes", 32*1024, "max value bytes of one write")
	flagJwtSecret     = flag.String("jwt-secret", "", "HS256 secret of bearer tokens; empty trusts x-uid cookies (development only)")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := loadEnv(); v > 0 {
		return v
	}
	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	nodeId := *flagNodeId
	if nodeId == "" {
		nodeId, _ = os.Hostname()
	}

	glog.Infof("minisync server is starting, node: %s", nodeId)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persister, err := newPersister(ctx)
	if err != nil {
		return errorf("--persist=%s: %v", *flagPersist, err)
	}
	local, err := store.NewMemStore(ctx, persister)
	if err != nil {
		if persister != nil {
			_ = persister.Close()
		}
		return errorf("load store: %v", err)
	}
	defer local.Close()

	var eventStore store.IEventStore = local
	var stoppers []chan struct{}

	if *flagKafkaBrokers != "" {
		groupId := "minisync-" + nodeId
		if *flagPersist == persistNone {
			// nothing survives a restart: read the topic from the start again.
			groupId += "-" + uuid.NewString()[:8]
		}
		rs := relay.NewKafka(local, relay.Config{
			Brokers:  strings.Split(*flagKafkaBrokers, ","),
			Topic:    *flagKafkaTopic,
			GroupId:  groupId,
			Origin:   nodeId,
			MaxBytes: int(*flagMaxValueBytes),
		})
		eventStore = rs

		c := make(chan struct{}, 1)
		stoppers = append(stoppers, c)
		go rs.Run(ctx, c)
	}

	conf := ws.DefaultConf()
	conf.SessionQuota = int(*flagSessionQuota)
	conf.MaxValueBytes = int(*flagMaxValueBytes)
	if conf.ReadLimit < 2*conf.MaxValueBytes {
		conf.ReadLimit = 2 * conf.MaxValueBytes
	}
	hub := ws.NewHub(newAuthClient(), eventStore, conf)

	hubStopped := make(chan struct{}, 1)
	stoppers = append(stoppers, hubStopped)
	go hub.Run(ctx, hubStopped)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)

	server := &http.Server{
		Addr:              *flagAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		glog.Infof("listening on %s", *flagAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("http server error: %v", err)
			_ = syscall.Kill(pid, syscall.SIGTERM)
		}
	}()

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("minisync server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				hub.Offline()
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				_ = server.Shutdown(shutdownCtx)
				done()

				cancel()
				for _, c := range stoppers {
					<-c
				}
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("minisync server exited")
	return 0
}

func newPersister(ctx context.Context) (store.Persister, error) {
	switch *flagPersist {
	case persistBolt:
		return store.NewBoltPersister(*flagBoltFile)
	case persistBadger:
		return store.NewBadgerPersister(*flagBadgerDir)
	case persistMysql:
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(1)
		p, err := store.NewSQLPersister(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return p, nil
	}
	return nil, nil
}

func newAuthClient() auth.Client {
	if *flagJwtSecret != "" {
		return &auth.JWTClient{Secret: []byte(*flagJwtSecret)}
	}
	glog.Warningf("--jwt-secret is empty: trusting x-uid cookies")
	return &auth.MockClient{}
}

// loadEnv reads the dotenv file, then sets every flag not given on the
// command line from its MINISYNC_* variable.
func loadEnv() int {
	if err := godotenv.Load(*flagEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errorf("--env-file: %v", err)
	}

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var failed int
	flag.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] || f.Name == "env-file" {
			return
		}
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(name); ok {
			if err := f.Value.Set(v); err != nil {
				failed = errorf("%s: %v", name, err)
			}
		}
	})
	return failed
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagPersist {
	case persistNone:
	case persistBolt:
		if *flagBoltFile == "" {
			return errorf("--bolt-file is required")
		}
	case persistBadger:
		if *flagBadgerDir == "" {
			return errorf("--badger-dir is required")
		}
	case persistMysql:
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	default:
		return errorf("--persist: unknown %q, expect one of none, bolt, badger, mysql", *flagPersist)
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required")
	}

	if *flagSessionQuota == 0 {
		return errorf("--session-quota is required positive integer")
	} else if *flagSessionQuota > 10 {
		return errorf("--session-quota MUST in range [1, 10]")
	}

	if *flagMaxValueBytes < 1024 {
		return errorf("--max-value-bytes MUST be at least 1024")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
