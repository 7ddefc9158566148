// Command apsi-sender hosts a SenderDB behind an HTTP RPC endpoint, and
// provides offline subcommands to build, mutate, and inspect a serialized
// database file before serving it.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	logpkg "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/luxfi/apsi/internal/cryptoctx"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/metrics"
	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/sender"
	"github.com/luxfi/apsi/internal/senderdb"
	"github.com/luxfi/apsi/internal/transport"
)

var (
	paramsPath string
	dbPath     string
)

func main() {
	root := &cobra.Command{
		Use:   "apsi-sender",
		Short: "Serve and manage an Asymmetric PSI SenderDB",
	}
	root.PersistentFlags().StringVar(&paramsPath, "params", "", "path to a PSIParams JSON file (required)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the SenderDB file (required)")
	root.MarkPersistentFlagRequired("params")
	root.MarkPersistentFlagRequired("db")

	root.AddCommand(newInitCmd(), newInsertCmd(), newStatsCmd(), newStripCmd(), newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadParams() (*params.PSIParams, error) {
	raw, err := os.ReadFile(paramsPath)
	if err != nil {
		return nil, fmt.Errorf("read params file: %w", err)
	}
	var p params.PSIParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return &p, nil
}

func loadDB() (*senderdb.DB, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db file: %w", err)
	}
	defer f.Close()
	return senderdb.Load(f)
}

func saveDB(db *senderdb.DB) error {
	f, err := os.Create(dbPath)
	if err != nil {
		return fmt.Errorf("create db file: %w", err)
	}
	defer f.Close()
	return db.Save(f)
}

func newInitCmd() *cobra.Command {
	var labeled bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a fresh, empty SenderDB file",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadParams()
			if err != nil {
				return err
			}
			db, err := senderdb.New(p, labeled)
			if err != nil {
				return err
			}
			defer db.Close()
			return saveDB(db)
		},
	}
	cmd.Flags().BoolVar(&labeled, "labeled", false, "create a labeled database")
	return cmd
}

func newInsertCmd() *cobra.Command {
	var label string
	var labelBytes, nonceBytes int
	var raws []string
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Insert or update items in a SenderDB file",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadDB()
			if err != nil {
				return err
			}
			defer db.Close()
			for _, raw := range raws {
				if err := db.InsertOrAssign([]byte(raw), item.Label(label), labelBytes, nonceBytes); err != nil {
					return fmt.Errorf("insert %q: %w", raw, err)
				}
			}
			if err := db.RegenAllCaches(); err != nil {
				return err
			}
			return saveDB(db)
		},
	}
	cmd.Flags().StringArrayVar(&raws, "item", nil, "raw item bytes to insert (repeatable)")
	cmd.Flags().StringVar(&label, "label", "", "label to attach to every --item in this call (labeled DB only)")
	cmd.Flags().IntVar(&labelBytes, "label-bytes", 0, "fixed label byte count for a labeled DB")
	cmd.Flags().IntVar(&nonceBytes, "nonce-bytes", 16, "fixed nonce byte count for a labeled DB")
	return cmd
}

func newStripCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strip",
		Short: "Irreversibly discard the OPRF key and item index, keeping only the BinBundles needed to answer queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadDB()
			if err != nil {
				return err
			}
			defer db.Close()
			db.Strip()
			return saveDB(db)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print SenderDB occupancy statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadDB()
			if err != nil {
				return err
			}
			defer db.Close()
			s := db.ComputeStats()
			fmt.Printf("bundles=%d entries=%d packing_rate=%.4f item_count=%d stripped=%v\n",
				s.BundleCount, s.TotalEntries, s.PackingRate, db.ItemCount(), db.IsStripped())
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr, metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the SenderDB over HTTP RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logpkg.NewTestLogger(logpkg.InfoLevel)

			p, err := loadParams()
			if err != nil {
				return err
			}
			db, err := loadDB()
			if err != nil {
				return err
			}
			defer db.Close()

			cc, err := cryptoctx.New(p)
			if err != nil {
				return err
			}

			eval, err := sender.New(p, cc, db)
			if err != nil {
				return err
			}
			defer eval.Close()

			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				rec, err := metrics.New(reg)
				if err != nil {
					return err
				}
				eval.SetMetrics(rec)
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
					logger.Info("metrics listener starting")
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Error("metrics listener stopped")
					}
				}()
			}

			handler, err := transport.NewHTTPHandler(eval)
			if err != nil {
				return err
			}
			logger.Info("sender rpc listener starting")
			return http.ListenAndServe(addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8765", "address to serve the RPC endpoint on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")
	return cmd
}
