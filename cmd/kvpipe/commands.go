/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/couchbase/kvpipe/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var timingsCmd = &cobra.Command{
	Use:   "timings",
	Short: "Increments a counter and prints the latency histogram",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		iterations, _ := cmd.Flags().GetInt("iterations")

		p, err := startPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		p.inst.EnableTimings()

		err = runOne(cmd.Context(), p, func(cb client.Callback) (*client.Op, error) {
			return p.inst.Store(&client.StoreOptions{
				Mode:  client.StoreSet,
				Key:   []byte(key),
				Value: []byte("0"),
			}, cb)
		})
		if err != nil {
			return fmt.Errorf("failed to initialise counter: %w", err)
		}

		for n := 0; n < iterations; n++ {
			err := runOne(cmd.Context(), p, func(cb client.Callback) (*client.Op, error) {
				return p.inst.Arithmetic(&client.ArithmeticOptions{
					Key:   []byte(key),
					Delta: 1,
				}, cb)
			})
			if err != nil {
				return fmt.Errorf("increment %d failed: %w", n, err)
			}
		}

		return p.timings.WriteText(os.Stdout)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetches a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := startPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		var res *client.Result
		err = runOne(cmd.Context(), p, func(cb client.Callback) (*client.Op, error) {
			return p.inst.Get(&client.GetOptions{
				Key: []byte(args[0]),
			}, func(r *client.Result) {
				res = r
				cb(r)
			})
		})
		if err != nil {
			return err
		}

		fmt.Printf("cas=%d flags=%#x\n%s\n", res.Cas, res.Flags, res.Value)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Stores a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := client.StoreSet
		if add, _ := cmd.Flags().GetBool("add"); add {
			mode = client.StoreAdd
		}
		if replace, _ := cmd.Flags().GetBool("replace"); replace {
			mode = client.StoreReplace
		}
		cas, _ := cmd.Flags().GetUint64("cas")
		expiry, _ := cmd.Flags().GetUint32("expiry")

		p, err := startPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		var res *client.Result
		err = runOne(cmd.Context(), p, func(cb client.Callback) (*client.Op, error) {
			return p.inst.Store(&client.StoreOptions{
				Mode:   mode,
				Key:    []byte(args[0]),
				Value:  []byte(args[1]),
				Expiry: expiry,
				Cas:    cas,
			}, func(r *client.Result) {
				res = r
				cb(r)
			})
		})
		if err != nil {
			return err
		}

		fmt.Printf("cas=%d\n", res.Cas)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Removes a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cas, _ := cmd.Flags().GetUint64("cas")

		p, err := startPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		var res *client.Result
		err = runOne(cmd.Context(), p, func(cb client.Callback) (*client.Op, error) {
			return p.inst.Delete(&client.DeleteOptions{
				Key: []byte(args[0]),
				Cas: cas,
			}, func(r *client.Result) {
				res = r
				cb(r)
			})
		})
		if err != nil {
			return err
		}

		fmt.Printf("cas=%d\n", res.Cas)
		return nil
	},
}

var incrCmd = &cobra.Command{
	Use:   "incr <key> [delta]",
	Short: "Adjusts a counter, a negative delta decrements it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta := int64(1)
		if len(args) > 1 {
			parsed, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid delta %q: %w", args[1], err)
			}
			delta = parsed
		}
		initial, _ := cmd.Flags().GetUint64("initial")
		create, _ := cmd.Flags().GetBool("create")

		p, err := startPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		var res *client.Result
		err = runOne(cmd.Context(), p, func(cb client.Callback) (*client.Op, error) {
			return p.inst.Arithmetic(&client.ArithmeticOptions{
				Key:     []byte(args[0]),
				Delta:   delta,
				Initial: initial,
				Create:  create,
			}, func(r *client.Result) {
				res = r
				cb(r)
			})
		})
		if err != nil {
			return err
		}

		fmt.Printf("%d\n", res.Counter)
		return nil
	},
}

func init() {
	timingsCmd.Flags().String("key", "counter", "the counter key to increment")
	timingsCmd.Flags().Int("iterations", 100, "how many increments to time")

	setCmd.Flags().Bool("add", false, "fail if the document already exists")
	setCmd.Flags().Bool("replace", false, "fail if the document does not exist")
	setCmd.Flags().Uint64("cas", 0, "only store if the document cas matches")
	setCmd.Flags().Uint32("expiry", 0, "document expiry")
	setCmd.MarkFlagsMutuallyExclusive("add", "replace")

	deleteCmd.Flags().Uint64("cas", 0, "only delete if the document cas matches")

	incrCmd.Flags().Uint64("initial", 0, "value to create the counter with")
	incrCmd.Flags().Bool("create", false, "create the counter if it does not exist")
}

// runOne schedules a single operation and drives the instance until it
// completes, returning the operation's own error if it failed.
func runOne(ctx context.Context, p *pipeline, schedule func(cb client.Callback) (*client.Op, error)) error {
	var opErr error
	op, err := schedule(func(res *client.Result) {
		opErr = res.Err
	})
	if err != nil {
		return err
	}

	err = p.inst.Wait(ctx, op)
	if err != nil {
		p.logger.Debug("wait failed",
			zap.Uint32("opaque", op.Opaque()),
			zap.Error(err))
		return err
	}

	return opErr
}

var publishTopologyCmd = &cobra.Command{
	Use:   "publish-topology",
	Short: "Polls the bucket config and publishes every new vbucket map to etcd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		env, err := setupEnvironment(ctx)
		if err != nil {
			return err
		}

		if len(env.config.etcdEndpoints) == 0 {
			return fmt.Errorf("publishing requires --etcd-endpoints")
		}

		pollingProvider, bucketName, err := env.pollingProvider()
		if err != nil {
			return err
		}

		etcdProvider, etcdClient, err := env.etcdProvider(bucketName)
		if err != nil {
			return err
		}
		defer etcdClient.Close()

		mapsCh, err := pollingProvider.WatchTopology(ctx)
		if err != nil {
			return err
		}

		for m := range mapsCh {
			err := etcdProvider.PublishTopology(ctx, m)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				env.logger.Warn("failed to publish topology",
					zap.Uint64("revision", m.Revision()),
					zap.Error(err))
				continue
			}

			env.logger.Info("published topology",
				zap.String("bucket", bucketName),
				zap.Uint64("revision", m.Revision()),
				zap.Int("nodes", m.NumNodes()))
		}

		return nil
	},
}
