package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/busrpc/internal/bus"
	"github.com/sawpanic/busrpc/internal/config"
	"github.com/sawpanic/busrpc/internal/rpc"
)

const (
	appName = "busrpc"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "RPC-over-broker demo client",
		Version: version,
		Long: `busrpc layers request/response and streaming semantics on top of a
topic-based message broker. These subcommands run a loopback echo responder
against the in-memory broker so the full round trip is observable without
external infrastructure.`,
	}
	// accept snake_case flag spellings, matching the config file keys
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Run synchronous echo round trips",
		RunE:  runPing,
	}
	pingCmd.Flags().Int("count", 5, "Number of requests")
	pingCmd.Flags().String("payload", "ping", "Request payload")
	pingCmd.Flags().Duration("timeout", 5*time.Second, "Per-request timeout")

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Run a streaming aggregation session",
		RunE:  runStream,
	}
	streamCmd.Flags().StringSlice("parts", []string{"a", "b", "c"}, "Stream message payloads")
	streamCmd.Flags().Duration("timeout", 10*time.Second, "Aggregate response timeout")

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Run a mixed workload and print the metrics snapshot",
		RunE:  runMetrics,
	}
	metricsCmd.Flags().Int("requests", 10, "Number of sync requests in the workload")

	rootCmd.AddCommand(pingCmd, streamCmd, metricsCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (*rpc.Client, *rpc.Responder, func(), error) {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, nil, err
		}
		cfg = loaded
	}

	broker := bus.NewMemoryBroker(bus.Config{ClientID: appName, DefaultQueues: cfg.TopicQueues})
	ctx := context.Background()
	if err := broker.Start(ctx); err != nil {
		return nil, nil, nil, err
	}

	responder := rpc.EchoResponder(broker, cfg.RequestTopic, cfg.ResponseTopicPrefix)
	if err := responder.Start(ctx); err != nil {
		return nil, nil, nil, err
	}

	client, err := rpc.NewWithBroker(cfg, broker)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {
		client.Close(ctx)
		responder.Stop(ctx)
		broker.Stop(ctx)
	}
	return client, responder, cleanup, nil
}

func runPing(cmd *cobra.Command, args []string) error {
	client, _, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	count, _ := cmd.Flags().GetInt("count")
	payload, _ := cmd.Flags().GetString("payload")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx := context.Background()
	for i := 0; i < count; i++ {
		start := time.Now()
		resp, err := client.SendSync(ctx, []byte(payload), timeout)
		if err != nil {
			return fmt.Errorf("request %d: %w", i+1, err)
		}
		fmt.Printf("reply %d: %q (%.2fms)\n", i+1, resp.Payload, float64(time.Since(start).Microseconds())/1000)
	}

	s := client.Metrics().Snapshot()
	fmt.Printf("requests=%d ok=%d mean_latency=%s\n", s.TotalRequests, s.SuccessfulRequests, s.MeanLatency)
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	client, _, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	count, _ := cmd.Flags().GetInt("requests")
	ctx := context.Background()
	for i := 0; i < count; i++ {
		if _, err := client.SendSync(ctx, []byte("workload"), 5*time.Second); err != nil {
			return err
		}
	}
	sessionID, err := client.StreamStart()
	if err != nil {
		return err
	}
	for _, part := range []string{"a", "b", "c"} {
		if err := client.StreamSend(ctx, sessionID, []byte(part)); err != nil {
			return err
		}
	}
	if _, err := client.StreamEnd(ctx, sessionID, 10*time.Second); err != nil {
		return err
	}

	out, err := json.MarshalIndent(client.Metrics().Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStream(cmd *cobra.Command, args []string) error {
	client, _, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	parts, _ := cmd.Flags().GetStringSlice("parts")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx := context.Background()
	sessionID, err := client.StreamStart()
	if err != nil {
		return err
	}
	fmt.Printf("session %s\n", sessionID)
	for _, part := range parts {
		if err := client.StreamSend(ctx, sessionID, []byte(part)); err != nil {
			return err
		}
	}
	resp, err := client.StreamEnd(ctx, sessionID, timeout)
	if err != nil {
		return err
	}
	fmt.Printf("aggregate: %q success=%v\n", resp.Payload, resp.Success)
	return nil
}
