package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"Foreman/backend/go/internal/eventbus"
	"Foreman/backend/go/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
)

var (
	emitData     string
	emitFolder   string
	emitObject   string
	emitUser     string
	emitAs       string
	pendingSub   string
	watchRedis   string
	watchRedisDB int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Emit events and inspect pending receipts",
}

var emitCmd = &cobra.Command{
	Use:   "emit [event-key]",
	Short: "Emit an event as the token's subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := eventbus.EmitRequest{
			EmitterID:      emitAs,
			Key:            args[0],
			TargetUserID:   emitUser,
			TargetFolderID: emitFolder,
			TargetObjectID: emitObject,
		}
		if err := models.ValidateEventKey(req.Key); err != nil {
			return err
		}
		if emitData != "" {
			if err := json.Unmarshal([]byte(emitData), &req.Data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}
		var out struct {
			Event       models.Event `json:"event"`
			Subscribers []string     `json:"subscribers"`
		}
		if err := call("POST", "/api/v1/events", req, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Event emitted: %s\n", out.Event.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "Receipts created: %d\n", len(out.Subscribers))
		for _, s := range out.Subscribers {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", s)
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List unclaimed receipts grouped by subscriber and event key",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/events/pending"
		if pendingSub != "" {
			path += "?subscriber=" + url.QueryEscape(pendingSub)
		}
		var out struct {
			Pending []models.PendingCount `json:"pending"`
		}
		if err := call("GET", path, nil, &out); err != nil {
			return err
		}
		if len(out.Pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending events.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SUBSCRIBER\tEVENT KEY\tCOUNT")
		for _, p := range out.Pending {
			fmt.Fprintf(w, "%s\t%s\t%d\n", p.Subscriber, p.EventKey, p.Count)
		}
		return w.Flush()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [subscriber]",
	Short: "Print \"events pending\" signals for a subscriber from Redis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb := redis.NewClient(&redis.Options{Addr: watchRedis, DB: watchRedisDB, Password: os.Getenv("FOREMAN_REDIS_PASSWORD")})
		defer rdb.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		signals, err := eventbus.NewRedisSignaler(rdb).Listen(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Waiting for signals...\n", eventbus.ChannelName(args[0]))
		for s := range signals {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", s.Subscriber, s.EventKey, s.Count)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(emitCmd, pendingCmd, watchCmd)

	emitCmd.Flags().StringVar(&emitData, "data", "", "event data as a JSON object")
	emitCmd.Flags().StringVar(&emitFolder, "folder", "", "target folder id")
	emitCmd.Flags().StringVar(&emitObject, "object", "", "target object id (requires --folder)")
	emitCmd.Flags().StringVar(&emitUser, "user", "", "target user id")
	emitCmd.Flags().StringVar(&emitAs, "as", "", "emit on behalf of another app (operator tokens only)")

	pendingCmd.Flags().StringVar(&pendingSub, "subscriber", "", "only show this subscriber (operator tokens only)")

	watchCmd.Flags().StringVar(&watchRedis, "redis", envOr("FOREMAN_REDIS_ADDR", "localhost:6379"), "Redis address")
	watchCmd.Flags().IntVar(&watchRedisDB, "redis-db", 0, "Redis database")
}
