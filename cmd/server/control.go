package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/salahayoub/restfleet/pkg/cluster"
	"github.com/salahayoub/restfleet/pkg/config"
	"github.com/salahayoub/restfleet/pkg/fleet"
	"github.com/salahayoub/restfleet/pkg/storage"
	"github.com/salahayoub/restfleet/pkg/transport"
	"github.com/salahayoub/restfleet/pkg/tui"
)

// controlTimeout bounds one control call from the CLI.
const controlTimeout = 20 * time.Second

// ErrFleetDown is returned when no live member has a control address.
var ErrFleetDown = errors.New("no live fleet member found")

func newShutdownCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Shut the whole fleet down",
		Long: `Ask the fleet to shut down. The request goes to the manager, or to any
live member when no manager is up, and is routed to the secretary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()
			return runShutdown(ctx, cfg, cmd.OutOrStdout(), cliLogger())
		},
	}
}

func newStatusCommand(global *GlobalFlags) *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a fleet member as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()
			return runStatus(ctx, cfg, int16(id), cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&id, "id", -1, "Member to ask, the manager when negative")
	return cmd
}

func newTopCommand(global *GlobalFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Watch the fleet in a terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.Load()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			app := tui.NewApp(tui.NewStoreFetcher(reg, cluster.Plan(cfg.Topology)), interval)
			return app.Run()
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval")
	return cmd
}

// openRegistry opens the coordination store of cfg read side.
func openRegistry(cfg *config.Config) (*cluster.Registry, error) {
	store, err := storage.NewBoltStore(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination store at %s: %w", cfg.StorePath(), err)
	}
	return cluster.NewRegistry(store, cfg.Topology.DeadAfter(), cluster.ProcessProbe{}), nil
}

// controlTarget picks the member to send a control request to: id when it
// is not negative, otherwise the manager, the secretary, then any live member.
func controlTarget(ctx context.Context, reg *cluster.Registry, id int16) (cluster.InstanceRecord, error) {
	if id >= 0 {
		rec, ok, err := reg.Instance(ctx, id)
		if err != nil {
			return cluster.InstanceRecord{}, err
		}
		if !ok || !reg.Alive(rec) || rec.ControlAddr == "" {
			return cluster.InstanceRecord{}, fmt.Errorf("instance %d is not running", id)
		}
		return rec, nil
	}

	elector := cluster.NewElector(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, role := range []cluster.Role{cluster.RoleManager, cluster.RoleSecretary} {
		rec, ok, err := elector.CurrentHolder(ctx, role)
		if err != nil {
			return cluster.InstanceRecord{}, err
		}
		if ok && rec.ControlAddr != "" {
			return rec, nil
		}
	}

	records, err := reg.Instances(ctx)
	if err != nil {
		return cluster.InstanceRecord{}, err
	}
	for _, rec := range records {
		if reg.Alive(rec) && rec.ControlAddr != "" {
			return rec, nil
		}
	}
	return cluster.InstanceRecord{}, ErrFleetDown
}

func runShutdown(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) error {
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	target, err := controlTarget(ctx, reg, -1)
	if err != nil {
		return err
	}

	client := transport.NewClient()
	defer client.Close()

	logger.Debug("sending shutdown", "instance", target.ID, "addr", target.ControlAddr)
	acked, err := client.SendShutdown(ctx, target.ControlAddr, fleet.OperatorID)
	if err != nil {
		return fmt.Errorf("shutdown via instance %d: %w", target.ID, err)
	}
	if !acked {
		fmt.Fprintf(out, "no secretary reachable, instance %d stopped\n", target.ID)
		return nil
	}
	fmt.Fprintln(out, "fleet shutdown acknowledged")
	return nil
}

func runStatus(ctx context.Context, cfg *config.Config, id int16, out io.Writer) error {
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	target, err := controlTarget(ctx, reg, id)
	if err != nil {
		return err
	}

	client := transport.NewClient()
	defer client.Close()

	body, err := client.SendStatus(ctx, target.ControlAddr)
	if err != nil {
		return fmt.Errorf("status of instance %d: %w", target.ID, err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}
