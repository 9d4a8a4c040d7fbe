package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/stockline/eventcore"
	"github.com/stockline/eventcore/internal/rabbitmq"
)

func newTopologyCommand(load configLoader) *cobra.Command {
	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect the broker topology",
	}

	var file string
	topologyShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the topology the hub declares",
		Long: `Print the exchanges, queues and bindings declared on start, including the
dead-letter exchange and queue paired with every service queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolveTopology(load, file)
			if err != nil {
				return err
			}
			printTopology(cmd.OutOrStdout(), t.Expand())
			return nil
		},
	}
	topologyShowCmd.Flags().StringVarP(&file, "file", "f", "", "Topology YAML (overrides TOPOLOGY_PATH)")

	topologyCmd.AddCommand(topologyShowCmd)
	return topologyCmd
}

func resolveTopology(load configLoader, file string) (rabbitmq.Topology, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return rabbitmq.Topology{}, fmt.Errorf("failed to read topology: %w", err)
		}
		return rabbitmq.ParseTopology(data)
	}

	cfg, _ := load()
	t, ok, err := cfg.LoadTopology()
	if err != nil {
		return rabbitmq.Topology{}, err
	}
	if !ok {
		t = eventcore.DefaultTopology(cfg.ServiceQueue)
	}
	return t, nil
}

func printTopology(w io.Writer, t rabbitmq.Topology) {
	fmt.Fprintf(w, "%-40s %-10s %-10s %-10s\n", "Exchange", "Kind", "Durable", "Auto Delete")
	printRule(w, 75)
	for _, ex := range t.Exchanges {
		fmt.Fprintf(w, "%-40s %-10s %-10t %-10t\n", ex.Name, ex.Kind, ex.Durable, ex.AutoDelete)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-40s %-10s %-12s %s\n", "Queue", "Durable", "Max Retries", "Arguments")
	printRule(w, 100)
	for _, q := range t.Queues {
		fmt.Fprintf(w, "%-40s %-10t %-12d %s\n", q.Name, q.Durable, q.MaxRetries, formatArgs(q.Arguments))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-40s %-30s %s\n", "Queue", "Exchange", "Routing Key")
	printRule(w, 100)
	for _, b := range t.Bindings {
		fmt.Fprintf(w, "%-40s %-30s %s\n", b.Queue, b.Exchange, b.RoutingKey)
	}
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out string
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, args[k])
	}
	return out
}
