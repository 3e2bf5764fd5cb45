// paxoskvd - single-node key value daemon serving linearizable conditional
// writes over HTTP. Every write runs a full consensus round against the
// local badger store; prometheus metrics are exposed on /metrics.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/numberly/paxoskv/pkg/cas"
	"github.com/numberly/paxoskv/pkg/localstore"
	"github.com/numberly/paxoskv/pkg/mutation"
	"github.com/numberly/paxoskv/pkg/paxos"
	"github.com/numberly/paxoskv/pkg/shard"
)

// Config - startup settings, read from a json file.
type Config struct {
	DataDir        string `json:"data_dir"`
	Shards         int    `json:"shards"`
	ListenAddr     string `json:"listen_addr"`
	Debug          bool   `json:"debug"`
	GCGraceSeconds int    `json:"gc_grace_seconds"`
}

func loadConfig(path string) Config {
	cfg := Config{
		DataDir:        "paxoskv-data",
		Shards:         4,
		ListenAddr:     ":8080",
		GCGraceSeconds: 3 * 3600,
	}
	if path == "" {
		return cfg
	}
	b, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	configPath := flag.String("config", "", "path to the json config file")
	flag.Parse()
	cfg := loadConfig(*configPath)

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := badger.Open(badger.DefaultOptions(cfg.DataDir))
	if err != nil {
		panic(err)
	}
	defer db.Close()

	store := localstore.NewStore(db)
	replica := localstore.NewReplica(db)
	stats := paxos.NewStats(prometheus.DefaultRegisterer)
	group := shard.NewGroup(cfg.Shards, paxos.NewCoordinator(store, replica, stats, logger), logger)
	defer group.Close()
	executor := cas.NewExecutor(group, replica, logger)

	schema := mutation.NewSchema("default", "kv", time.Duration(cfg.GCGraceSeconds)*time.Second)

	unwatch := replica.Watch(func(ev localstore.ApplyEvent) {
		logger.Debug("mutation applied", zap.Stringer("key", ev.Update.Key), zap.Int("cells", len(ev.Update.Cells)))
	})
	defer unwatch()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/kv/", handleKV(executor, replica, schema, logger))

	logger.Info("serving",
		zap.String("addr", cfg.ListenAddr),
		zap.Int("shards", group.Shards()),
		zap.String("data_dir", cfg.DataDir))
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
}
