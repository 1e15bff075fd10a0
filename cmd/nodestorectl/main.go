// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// nodestorectl is a small operator tool against a nodestore database
// directory: insert random rows, scan them back, force a checkpoint, and
// print table stats. It exists mostly to make manual crash/recovery testing
// convenient: run `insert` without `checkpoint`, kill the process, reopen
// with `scan` and watch recovery replay the WAL.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kelindar/nodestore"
	"github.com/kelindar/nodestore/fixtures"
	"github.com/kelindar/nodestore/txn"
)

var (
	dbPath     string
	configPath string
	verbose    bool
)

const playersTableID = 1

func main() {
	root := &cobra.Command{
		Use:   "nodestorectl",
		Short: "Operate on a nodestore database file",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "nodestore.db", "database file path")
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "structured logging to stderr")

	root.AddCommand(insertCmd(), scanCmd(), checkpointCmd(), statsCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open loads the config, opens the database and the players table, and
// replays the WAL.
func open() (*nodestore.Database, *nodestore.NodeTable, error) {
	cfg := nodestore.Default()
	if configPath != "" {
		var err error
		if cfg, err = nodestore.LoadConfig(configPath); err != nil {
			return nil, nil, err
		}
	}
	cfg.Path = dbPath
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, nil, err
		}
		cfg.Logger = log
	}

	db, err := nodestore.OpenDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	table, err := db.OpenTable(fixtures.Players(playersTableID))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := db.Recover(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, table, nil
}

func insertCmd() *cobra.Command {
	var count int
	var startPK int64
	var skipCheckpoint bool
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Insert random player rows and commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, table, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.Begin(txn.ModeReadWrite)
			if err != nil {
				return err
			}
			start, end, err := table.InsertBatch(tx, fixtures.Rows(startPK, count))
			if err != nil {
				db.Rollback(tx)
				return err
			}
			if err := db.Commit(tx); err != nil {
				return err
			}
			fmt.Printf("inserted %d rows at offsets [%d, %d]\n", count, start, end)

			if !skipCheckpoint {
				if _, err := db.Checkpoint(context.Background()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1000, "rows to insert")
	cmd.Flags().Int64Var(&startPK, "start-pk", 1, "first primary key to assign")
	cmd.Flags().BoolVar(&skipCheckpoint, "skip-checkpoint", false, "commit to WAL only, leaving the rows for recovery to replay")
	return cmd
}

func scanCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan committed rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, table, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.Begin(txn.ModeReadOnly)
			if err != nil {
				return err
			}
			columns := []int{0, 1, 2, 3}
			var state nodestore.ScanState
			table.InitScanState(tx, &state, nodestore.SourceCommitted, -1, columns)

			const batch = 64
			vectors := make([][]any, len(columns))
			nulls := make([][]bool, len(columns))
			for i := range columns {
				vectors[i] = make([]any, batch)
				nulls[i] = make([]bool, batch)
			}
			printed := 0
			for printed < limit {
				n, err := table.ScanInternal(tx, &state, vectors, nulls)
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
				for i := 0; i < n && printed < limit; i++ {
					fmt.Printf("id=%v name=%v balance=%v active=%v\n",
						vectors[0][i], vectors[1][i], vectors[2][i], vectors[3][i])
					printed++
				}
			}
			fmt.Printf("%d rows\n", printed)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum rows to print")
	return cmd
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Flush all changed tables to the data file and truncate the WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			wrote, err := db.Checkpoint(context.Background())
			if err != nil {
				return err
			}
			if wrote {
				fmt.Println("checkpoint written")
			} else {
				fmt.Println("nothing to checkpoint")
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print table statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, table, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Println(table.Stats())
			return nil
		},
	}
}
