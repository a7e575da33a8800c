package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/cuemby/pagestore/pkg/datastore"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/index"
	"github.com/cuemby/pagestore/pkg/log"
	"github.com/cuemby/pagestore/pkg/retention"
	"github.com/cuemby/pagestore/pkg/store"
	"github.com/spf13/cobra"
)

func openStore(cmd *cobra.Command) (*store.Store, error) {
	dir, err := rootDir(cmd)
	if err != nil {
		return nil, err
	}
	policy := retention.Indefinite()
	if n := loadedConfig().Retention.TransactionCount; n > 0 {
		policy = retention.TransactionCount(n)
	}
	return store.Open(dir, store.Options{Retention: policy, Log: log.Logger})
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the store's current snapshot info",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		info := s.Info()
		fmt.Printf("Version:          %s\n", info.Version)
		fmt.Printf("Current snapshot: %s\n", info.CurrentSnapshot)
		fmt.Printf("Modified:         %s\n", info.ModificationDate.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

var datastoresCmd = &cobra.Command{
	Use:   "datastores",
	Short: "List the datastore keys present in the current iteration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		tx, err := s.Begin(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, key := range tx.DatastoreKeys() {
			fmt.Println(key)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <datastore> <id-hex>",
	Short: "Look up one entry by primary identifier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("decoding identifier: %w", err)
		}

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		tx, err := s.Begin(ctx, true)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		ds, err := tx.Datastore(args[0], dsroot.Descriptor{})
		if err != nil {
			return err
		}
		ix, err := ds.PrimaryIndex(ctx)
		if err != nil {
			return err
		}
		raw, found, err := ix.Read(ctx, index.Key{ID: id})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no entry for identifier %s in %q", args[1], args[0])
		}
		return printEntry(raw)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <datastore>",
	Short: "Walk the primary index (or a named direct/secondary index) in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		indexName, _ := cmd.Flags().GetString("index")
		descending, _ := cmd.Flags().GetBool("descending")
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		tx, err := s.Begin(ctx, true)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		ds, err := tx.Datastore(args[0], dsroot.Descriptor{})
		if err != nil {
			return err
		}

		count := 0
		consume := func(_ context.Context, raw []byte) (bool, error) {
			if err := printEntry(raw); err != nil {
				return false, err
			}
			count++
			return limit <= 0 || count < limit, nil
		}

		lo, hi := index.Extent(), index.Extent()
		if indexName == "" {
			return ds.PrimaryIndexScan(ctx, lo, hi, !descending, consume)
		}
		err = ds.DirectIndexScan(ctx, indexName, lo, hi, !descending, consume)
		if errors.Is(err, datastore.ErrIndexNotFound) {
			err = ds.SecondaryIndexScan(ctx, indexName, lo, hi, !descending, consume)
		}
		return err
	},
}

func init() {
	scanCmd.Flags().String("index", "", "Named direct or secondary index to scan instead of the primary")
	scanCmd.Flags().Bool("descending", false, "Scan in descending order")
	scanCmd.Flags().Int("limit", 0, "Stop after this many entries (0: unlimited)")
}

func printEntry(raw []byte) error {
	entry, err := codec.DecodeEntry(raw)
	if err != nil {
		return err
	}
	for i, h := range entry.Headers {
		fmt.Printf("header[%d]: %s\n", i, hex.EncodeToString(h))
	}
	if len(entry.Content) == 0 {
		fmt.Println("content:    (none)")
	} else {
		fmt.Printf("content:    %s\n", entry.Content)
	}
	fmt.Println("---")
	return nil
}
