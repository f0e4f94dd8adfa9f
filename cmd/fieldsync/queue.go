package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/fieldsync/pkg/config"
	"github.com/cuemby/fieldsync/pkg/interceptor"
	"github.com/cuemby/fieldsync/pkg/queue"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/cuemby/fieldsync/pkg/worker"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and pending writes",
	Long: `Show connectivity and the number of pending writes.

A running worker is asked over its control endpoint; otherwise the store
is read directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		reply, err := sendRemote(cmd.Context(), cfg, worker.Message{Type: worker.MsgGetOfflineStatus})
		if err == nil && reply.Status != nil {
			fmt.Printf("Worker:      running on %s\n", cfg.Listen)
			fmt.Printf("Offline:     %t\n", reply.Status.IsOffline)
			fmt.Printf("Queued:      %d\n", reply.Status.QueuedItems)
			fmt.Printf("Generation:  %s\n", reply.Status.Generation)
			return nil
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.CountRequests()
		if err != nil {
			return err
		}
		gen, err := store.ActiveGeneration()
		if err != nil {
			return err
		}
		cached, err := store.CountCacheEntries()
		if err != nil {
			return err
		}
		fmt.Println("Worker:      not running")
		fmt.Printf("Queued:      %d\n", n)
		fmt.Printf("Generation:  %s\n", gen)
		fmt.Printf("Cached:      %d\n", cached)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		reply, err := sendRemote(cmd.Context(), cfg, worker.Message{Type: worker.MsgForceSync})
		if err != nil {
			// No worker running: replay with a short-lived one
			w, err := worker.New(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			w.Start(ctx)
			res, syncErr := w.Client().ForceSync(ctx)
			if err := w.Stop(); err != nil {
				return err
			}
			if syncErr != nil {
				return syncErr
			}
			reply.Sync = &res
		}

		res := reply.Sync
		if res == nil {
			return fmt.Errorf("worker returned no sync result")
		}
		fmt.Printf("✓ Replayed %d, failed %d, skipped %d, remaining %d\n",
			res.Replayed, res.Failed, res.Skipped, res.Remaining)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending writes in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("%w (stop the worker or use 'fieldsync status')", err)
		}
		defer store.Close()

		pending, err := queue.New(store).ListPending(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pending)
		}
		if len(pending) == 0 {
			fmt.Println("No pending writes")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tMETHOD\tURL\tORDERING KEY\tKIND\tENQUEUED")
		for _, req := range pending {
			kind := "write"
			if req.Checkpoint {
				kind = "checkpoint"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				req.ID, req.Method, req.URL, req.OrderingKey, kind,
				req.EnqueuedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop ID",
	Short: "Remove a pending write",
	Long: `Remove a pending write the backend will never accept.

A failed replay stops the pass, so such a write holds back every write
queued after it. Find its ID with 'fieldsync queue list'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid queue id %q", args[0])
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("%w (stop the worker first)", err)
		}
		defer store.Close()

		q := queue.New(store)
		pending, err := q.ListPending(cmd.Context())
		if err != nil {
			return err
		}
		for _, req := range pending {
			if req.ID != id {
				continue
			}
			if err := q.Remove(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Dropped %d: %s %s\n", id, req.Method, req.URL)
			return nil
		}
		return fmt.Errorf("no pending write with id %d", id)
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDropCmd)
	queueListCmd.Flags().Bool("json", false, "Print as JSON")
}

// sendRemote delivers msg to a worker listening on cfg.Listen
func sendRemote(ctx context.Context, cfg *config.Config, msg worker.Message) (worker.Reply, error) {
	var reply worker.Reply
	body, err := json.Marshal(msg)
	if err != nil {
		return reply, err
	}

	addr := cfg.Listen
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+interceptor.ControlPath, bytes.NewReader(body))
	if err != nil {
		return reply, err
	}
	req.Header.Set("Content-Type", "application/json")

	timeout := 2 * time.Second
	if msg.Type == worker.MsgForceSync {
		timeout = 5 * time.Minute
	}
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return reply, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reply, fmt.Errorf("worker answered %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return reply, fmt.Errorf("invalid worker reply: %w", err)
	}
	return reply, nil
}
