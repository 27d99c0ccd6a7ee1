package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "config file path")
	statusAddr = flag.String("status-addr", "", "http address of the txn and status api")
	storePath  = flag.String("path", "", "directory of the badger engine")
	engine     = flag.String("engine", "", "storage engine, badger or memory")
	logLevel   = flag.String("L", "", "log level: debug, info, warn, error, fatal")
)

func main() {
	flag.Parse()
	conf := loadConfig()

	err := conf.SetupLogger()
	if err == nil {
		log.ReplaceGlobals(conf.GetZapLogger(), conf.GetZapLogProperties())
	} else {
		log.Fatal("initialize logger error", zap.Error(err))
	}
	defer log.Sync()

	for _, msg := range conf.WarningMsgs {
		log.Warn(msg)
	}
	log.Info("tinytxn config", zap.Stringer("config", conf))

	var st storage.Storage
	switch conf.Engine {
	case config.EngineMemory:
		st = storage.NewMemStorage()
	default:
		st = standalone_storage.NewStandAloneStorage(conf.StorePath)
	}
	if err := st.Start(); err != nil {
		log.Fatal("start storage failed", zap.Error(err))
	}

	m, err := transaction.NewManager(conf.Txn, st)
	if err != nil {
		log.Fatal("create transaction manager failed", zap.Error(err))
	}
	m.Start()

	mux := http.NewServeMux()
	mux.Handle("/", server.NewServer(m).Handler())
	// pprof registers itself on the default mux.
	mux.Handle("/debug/", http.DefaultServeMux)
	httpServer := &http.Server{Addr: conf.StatusAddr, Handler: mux}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func() {
		log.Info("listening", zap.String("status-addr", conf.StatusAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("serve http failed", zap.Error(err))
		}
	}()

	sig := <-sc
	log.Info("Got signal to exit", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown http server", zap.Error(err))
	}
	cancel()
	m.Close()
	if err := st.Stop(); err != nil {
		log.Error("stop storage failed", zap.Error(err))
	}
	log.Info("Server stopped.")
}

func loadConfig() *config.Config {
	var conf *config.Config
	if *configPath != "" {
		var err error
		if conf, err = config.LoadFile(*configPath); err != nil {
			log.Fatal("load config failed", zap.Error(err))
		}
	} else {
		conf = config.NewDefaultConfig()
	}
	if *statusAddr != "" {
		conf.StatusAddr = *statusAddr
	}
	if *storePath != "" {
		conf.StorePath = *storePath
	}
	if *engine != "" {
		conf.Engine = *engine
	}
	if *logLevel != "" {
		conf.Log.Level = *logLevel
	}
	if err := conf.Adjust(nil); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	return conf
}
