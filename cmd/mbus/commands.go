package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/topology"
)

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <topology.yaml>",
		Short: "Print the broker operations a topology file needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := topology.LoadFile(args[0])
			if err != nil {
				return err
			}
			plan, err := topology.Build(nodes)
			if err != nil {
				return err
			}
			printPlan(plan)
			return nil
		},
	}
}

func applyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <topology.yaml>",
		Short: "Declare and bind every exchange and queue in a topology file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := topology.LoadFile(args[0])
			if err != nil {
				return err
			}
			plan, err := topology.Build(nodes)
			if err != nil {
				return err
			}

			bus, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			planner, err := bus.Topology()
			if err != nil {
				return err
			}
			if err := planner.ApplyPlan(ctx, plan); err != nil {
				return err
			}
			fmt.Printf("Applied %d exchanges and %d queues (%d skipped)\n",
				countDeclares(plan.Exchanges), countDeclares(plan.Queues), len(plan.Skipped))
			return nil
		},
	}
}

func deleteQueueCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-queue <name>",
		Short: "Delete a queue and report how many messages it held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			planner, err := bus.Topology()
			if err != nil {
				return err
			}
			ok, err := planner.DeleteQueueNoWait(ctx, args[0])
			if errors.Is(err, topology.ErrDeleteAcknowledgementMissing) {
				fmt.Printf("Delete of %s sent, broker did not acknowledge\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %s (%d messages dropped)\n", args[0], ok.MessageCount)
			return nil
		},
	}
}

func existsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:       "exists <exchange|queue> <name>",
		Short:     "Check whether an exchange or queue exists",
		Args:      cobra.MatchAll(cobra.ExactArgs(2), validKind),
		ValidArgs: []string{"exchange", "queue"},
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			planner, err := bus.Topology()
			if err != nil {
				return err
			}

			var exists bool
			if args[0] == "exchange" {
				exists, err = planner.ExchangeExists(ctx, args[1])
			} else {
				exists, err = planner.QueueExists(ctx, args[1])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %s exists: %t\n", args[0], args[1], exists)
			return nil
		},
	}
}

func validKind(cmd *cobra.Command, args []string) error {
	if args[0] != "exchange" && args[0] != "queue" {
		return fmt.Errorf("unknown kind %q, want exchange or queue", args[0])
	}
	return nil
}

func produceCmd(g *globals) *cobra.Command {
	var messageType string
	cmd := &cobra.Command{
		Use:   "produce <topology.yaml> <queue-node-id> <body>...",
		Short: "Publish one message per body towards a queue node",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := findQueueNode(args[0], args[1])
			if err != nil {
				return err
			}
			msgs := lo.Map(args[2:], func(body string, _ int) contracts.Message {
				return contracts.NewMessage(messageType, []byte(body))
			})

			bus, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			producer, err := bus.Producer()
			if err != nil {
				return err
			}
			if err := producer.Produce(ctx, node, msgs...); err != nil {
				return err
			}
			fmt.Printf("Published %d messages with routing key %s\n", len(msgs), node.RoutingKey)
			return nil
		},
	}
	cmd.Flags().StringVarP(&messageType, "type", "t", "", "Message type")
	return cmd
}

func consumeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "consume <topology.yaml> <queue-node-id>",
		Short: "Print messages arriving on a queue node until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := findQueueNode(args[0], args[1])
			if err != nil {
				return err
			}

			bus, openCtx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			consumer, err := bus.Consumer()
			if err != nil {
				return err
			}

			ctx, stop := signalContext(context.WithoutCancel(openCtx))
			defer stop()
			sub, err := consumer.Consume(ctx, node, func(_ context.Context, msg contracts.Message) error {
				fmt.Printf("%s %s %s\n", msg.ID, msg.Type, msg.Body)
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Printf("Consuming %s... Press Ctrl+C to stop\n", sub.Queue())
			<-sub.Done()
			return nil
		},
	}
}

func healthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health [queue...]",
		Short: "Check the connection, the channel pool and optional queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, ctx, cancel, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer bus.Close()

			report, err := bus.Health(ctx, args...)
			if err != nil {
				return err
			}

			names := lo.Keys(report.Checks)
			sort.Strings(names)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
			for _, name := range names {
				res := report.Checks[name]
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, res.Status, res.Message)
			}
			fmt.Fprintf(w, "overall\t%s\t%s\n", report.Status, report.Duration)
			return w.Flush()
		},
	}
}

func configCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change bus settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the settings read from the config store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.store()
			if err != nil {
				return err
			}
			defer store.Close()

			props, err := store.Properties(cmd.Context())
			if err != nil {
				return err
			}
			settings, err := config.ParseSettings(props)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "HOST\t%s:%d\n", settings.Host, settings.Port)
			fmt.Fprintf(w, "VHOST\t%s\n", settings.VHost)
			fmt.Fprintf(w, "EXCHANGE\t%s\n", settings.Exchange)
			fmt.Fprintf(w, "CHANNEL POOL\t%t\n", settings.UseChannelPool)
			fmt.Fprintf(w, "POOL\tmaxTotal=%d maxIdle=%d maxWait=%s\n",
				settings.Pool.MaxTotal, settings.Pool.MaxIdle, settings.Pool.MaxWait)
			return w.Flush()
		},
	}

	set := &cobra.Command{
		Use:   "set <key=value>...",
		Short: "Write settings to the redis config hash",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.redisAddr == "" {
				return errors.New("config set needs --redis")
			}
			values := make(map[string]string, len(args))
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				values[k] = v
			}
			if _, err := config.ParseSettings(config.NewProperties(values)); err != nil {
				return err
			}

			store, err := g.store()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.(*config.RedisStore).Put(cmd.Context(), values)
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func findQueueNode(path, id string) (*contracts.Node, error) {
	nodes, err := topology.LoadFile(path)
	if err != nil {
		return nil, err
	}
	node, ok := lo.Find(nodes, func(n contracts.Node) bool { return n.ID == id })
	if !ok {
		return nil, fmt.Errorf("no node with id %s in %s", id, path)
	}
	return &node, nil
}

func countDeclares(steps []topology.Step) int {
	return lo.CountBy(steps, func(s topology.Step) bool {
		return s.Op == topology.OpDeclareExchange || s.Op == topology.OpDeclareQueue
	})
}

func printPlan(plan *topology.Plan) {
	if plan.Empty() {
		fmt.Println("Nothing to apply")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTEP")
	for i, step := range plan.Steps() {
		fmt.Fprintf(w, "%d\t%s\n", i+1, step)
	}
	w.Flush()

	if len(plan.Skipped) == 0 {
		return
	}
	skipped := append([]topology.Skip(nil), plan.Skipped...)
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].NodeID < skipped[j].NodeID })
	fmt.Println("\nSkipped:")
	for _, s := range skipped {
		fmt.Printf("  %s: %s\n", s.NodeID, s.Reason)
	}
}
