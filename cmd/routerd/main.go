package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shardmesh/router/pkg/catalog"
	"github.com/shardmesh/router/pkg/configsvr"
	"github.com/shardmesh/router/pkg/log"
	"github.com/shardmesh/router/pkg/metrics"
	"github.com/shardmesh/router/pkg/registry"
	"github.com/shardmesh/router/pkg/router"
	"github.com/shardmesh/router/pkg/shardkey"
	"github.com/shardmesh/router/pkg/shardwire"
	"github.com/shardmesh/router/pkg/storage"
	"github.com/shardmesh/router/pkg/txn"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "routerd",
	Short: "routerd - sharded document query router",
	Long: `routerd routes queries and cross-shard transactions over a sharded
document cluster: it caches routing metadata from the replicated config
server group, targets the minimal shard set per query, and coordinates
two-phase commit across participants.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"routerd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapConfigCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router daemon",
	Long: `Run the router daemon: join (or bootstrap) the config server raft
group, recover any in-flight transaction coordinators from durable state,
and serve metrics and health over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		raftAddr, _ := cmd.Flags().GetString("raft-addr")
		httpAddr, _ := cmd.Flags().GetString("http-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		gcDelay, _ := cmd.Flags().GetDuration("txn-gc-delay")
		gcInterval, _ := cmd.Flags().GetDuration("txn-gc-interval")

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}

		store, err := storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		svr := configsvr.NewServer(configsvr.Config{
			NodeID:   nodeID,
			BindAddr: raftAddr,
			DataDir:  dataDir,
		}, store)
		if bootstrap {
			if err := svr.Bootstrap(); err != nil {
				return err
			}
		} else {
			if err := svr.Start(); err != nil {
				return err
			}
		}
		defer svr.Shutdown()

		source := configsvr.NewSource(store)
		reg := registry.New(source)
		cache := catalog.New(source)
		pool := shardwire.NewPool(reg)
		defer pool.Close()
		exec := shardwire.NewExecutor(cache, pool)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := reg.Reload(ctx, "startup"); err != nil {
			// An empty or not-yet-replicated shard list is fine at boot;
			// lookups reload lazily.
			log.Warn(fmt.Sprintf("initial shard registry load failed: %v", err))
		}

		coordinator := txn.New(store, pool, gcDelay)
		if err := coordinator.Recover(ctx); err != nil {
			return fmt.Errorf("recover transaction coordinators: %w", err)
		}

		sweeper := txn.NewSweeper(store, gcInterval)
		go sweeper.Run(ctx)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/count", func(w http.ResponseWriter, r *http.Request) {
			nss := r.URL.Query().Get("nss")
			var predicate router.Predicate
			if r.Body != nil {
				if err := json.NewDecoder(r.Body).Decode(&predicate); err != nil && err != io.EOF {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
			n, err := exec.Count(r.Context(), nss, predicate)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"n": n})
		})
		mux.HandleFunc("/find", func(w http.ResponseWriter, r *http.Request) {
			nss := r.URL.Query().Get("nss")
			var predicate router.Predicate
			if r.Body != nil {
				if err := json.NewDecoder(r.Body).Decode(&predicate); err != nil && err != io.EOF {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
			docs, err := exec.Find(r.Context(), nss, predicate, 0)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"docs": docs})
		})
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"node_id":     nodeID,
				"raft_leader": svr.IsLeader(),
				"leader_addr": svr.LeaderAddr(),
				"raft":        svr.Stats(),
			})
		})
		httpServer := &http.Server{Addr: httpAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("http server failed", err)
			}
		}()

		log.Info(fmt.Sprintf("routerd %s serving: node=%s raft=%s http=%s", Version, nodeID, raftAddr, httpAddr))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	},
}

var bootstrapConfigCmd = &cobra.Command{
	Use:   "bootstrap-config",
	Short: "Bootstrap the config server group and seed routing metadata",
	Long: `Form a single-node config server raft group in the data directory and
seed the configuration collections from flags, then exit. Run once per
cluster before starting the daemons; additional members join the group
through the leader.

Shards are "id=host:port". Databases are "name=primaryShard". Collections
are "db.coll=keyField1,keyField2@primaryShard"; each starts as a single
chunk on its primary shard.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		raftAddr, _ := cmd.Flags().GetString("raft-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		shardFlags, _ := cmd.Flags().GetStringArray("shard")
		dbFlags, _ := cmd.Flags().GetStringArray("database")
		collFlags, _ := cmd.Flags().GetStringArray("collection")

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}

		store, err := storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		svr := configsvr.NewServer(configsvr.Config{
			NodeID:   nodeID,
			BindAddr: raftAddr,
			DataDir:  dataDir,
		}, store)
		if err := svr.Bootstrap(); err != nil {
			return err
		}
		defer svr.Shutdown()

		if err := waitForLeadership(svr, 10*time.Second); err != nil {
			return err
		}

		for _, s := range shardFlags {
			id, addr, ok := strings.Cut(s, "=")
			if !ok {
				return fmt.Errorf("malformed --shard %q, want id=host:port", s)
			}
			if err := svr.PutShard(storage.ShardDoc{ShardID: id, Address: addr}); err != nil {
				return err
			}
			fmt.Printf("✓ Shard %s at %s\n", id, addr)
		}

		for _, d := range dbFlags {
			name, primary, ok := strings.Cut(d, "=")
			if !ok {
				return fmt.Errorf("malformed --database %q, want name=primaryShard", d)
			}
			if err := svr.PutDatabase(storage.DatabaseDoc{Name: name, Primary: primary, Sharded: true}); err != nil {
				return err
			}
			fmt.Printf("✓ Database %s with primary %s\n", name, primary)
		}

		for _, c := range collFlags {
			nss, rest, ok := strings.Cut(c, "=")
			if !ok {
				return fmt.Errorf("malformed --collection %q, want db.coll=key@primaryShard", c)
			}
			keySpec, primary, ok := strings.Cut(rest, "@")
			if !ok {
				return fmt.Errorf("malformed --collection %q, want db.coll=key@primaryShard", c)
			}
			pattern, err := shardkey.ParsePattern(keySpec)
			if err != nil {
				return err
			}
			epoch, err := svr.CreateCollection(nss, pattern, primary)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Collection %s sharded on %v (epoch %s)\n", nss, pattern, epoch)
		}

		fmt.Println("✓ Config server bootstrapped")
		return nil
	},
}

func waitForLeadership(svr *configsvr.Server, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if svr.IsLeader() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("configsvr did not acquire leadership within %s", timeout)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running routerd",
	RunE: func(cmd *cobra.Command, args []string) error {
		httpAddr, _ := cmd.Flags().GetString("http-addr")

		resp, err := http.Get("http://" + httpAddr + "/healthz")
		if err != nil {
			return fmt.Errorf("reach routerd at %s: %w", httpAddr, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var health map[string]any
		if err := json.Unmarshal(body, &health); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(health, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	serveCmd.Flags().String("node-id", "router-1", "Unique node ID in the config server group")
	serveCmd.Flags().String("raft-addr", "127.0.0.1:7300", "Bind address for config server raft")
	serveCmd.Flags().String("http-addr", "127.0.0.1:7380", "Bind address for metrics and health")
	serveCmd.Flags().String("data-dir", "/var/lib/routerd", "Durable state directory")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node config server group")
	serveCmd.Flags().Duration("txn-gc-delay", 15*time.Minute, "How long decided transaction documents linger before collection")
	serveCmd.Flags().Duration("txn-gc-interval", time.Minute, "How often the transaction sweeper runs")

	bootstrapConfigCmd.Flags().String("node-id", "router-1", "Unique node ID in the config server group")
	bootstrapConfigCmd.Flags().String("raft-addr", "127.0.0.1:7300", "Bind address for config server raft")
	bootstrapConfigCmd.Flags().String("data-dir", "/var/lib/routerd", "Durable state directory")
	bootstrapConfigCmd.Flags().StringArray("shard", nil, "Shard to register, id=host:port (repeatable)")
	bootstrapConfigCmd.Flags().StringArray("database", nil, "Database to create, name=primaryShard (repeatable)")
	bootstrapConfigCmd.Flags().StringArray("collection", nil, "Collection to shard, db.coll=key@primaryShard (repeatable)")

	statusCmd.Flags().String("http-addr", "127.0.0.1:7380", "Address of the running routerd's HTTP listener")
}
