package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"sentinel-overwatch/pkg/lifecycle"
	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/session"
)

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Plan and run missions"}
	cmd.AddCommand(
		missionListCmd(),
		missionCreateCmd(),
		missionShowCmd(),
		missionTransitionCmd(),
		missionSummaryCmd(),
		missionExportCmd(),
		missionAssetsCmd(),
	)
	return cmd
}

// withMission loads the mission named by id into a state machine.
func withMission(cmd *cobra.Command, id string, fn func(a *app, m *lifecycle.MissionMachine) error) error {
	return withApp(func(a *app) error {
		s, err := newSession(a, session.Hooks{})
		if err != nil {
			return err
		}
		m, err := s.Mission(commandContext(cmd), id)
		if err != nil {
			return err
		}
		return fn(a, m)
	})
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				missions, err := a.record.ListMissions(commandContext(cmd))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(missions))
				for _, m := range missions {
					rows = append(rows, table.Row{m.ID, m.Name, m.Status, len(m.Steps), len(m.Assets)})
				}
				return render(missions, table.Row{"ID", "Name", "Status", "Steps", "Assets"}, rows)
			})
		},
	}
}

func missionCreateCmd() *cobra.Command {
	var summary string
	var todos []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a mission in the planned state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ontology.CreateMissionRequest{Name: args[0], Summary: summary}
			for _, t := range todos {
				req.Todos = append(req.Todos, ontology.TodoItem{Text: t})
			}
			return withApp(func(a *app) error {
				m, err := a.record.CreateMission(commandContext(cmd), req)
				if err != nil {
					return err
				}
				return render(m, table.Row{"ID", "Name", "Status"}, []table.Row{{m.ID, m.Name, m.Status}})
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "mission summary")
	cmd.Flags().StringArrayVar(&todos, "todo", nil, "checklist item (repeatable)")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				mission := m.Mission()
				if structured() {
					return printStructured(mission)
				}

				fmt.Printf("%s  %s  [%s]\n", mission.ID, mission.Name, m.Displayed())
				if mission.Summary != "" {
					fmt.Println(mission.Summary)
				}
				if next := lifecycle.MissionNext(mission.Status); len(next) > 0 {
					fmt.Println("next:", joinStatuses(next))
				}

				rows := make([]table.Row, 0, len(mission.Steps))
				for _, s := range mission.Steps {
					shown, _ := m.DisplayedStep(s.ID)
					actions := ""
					if lifecycle.ProgressionOffered(mission.Status, shown) {
						actions = joinStatuses(lifecycle.StepNext(shown))
					}
					rows = append(rows, table.Row{s.Order, s.ID, s.Name, s.Type, shown, s.AssetID, actions})
				}
				return render(mission.Steps, table.Row{"#", "ID", "Name", "Type", "Status", "Asset", "Next"}, rows)
			})
		},
	}
}

func joinStatuses[T ~string](list []T) string {
	parts := make([]string, len(list))
	for i, s := range list {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func missionTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <mission-id> <status>",
		Short: "Move a mission to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				if err := m.Request(commandContext(cmd), ontology.MissionStatus(args[1])); err != nil {
					return err
				}
				fmt.Printf("mission %s is %s\n", args[0], m.Status())
				return nil
			})
		},
	}
}

func missionSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <mission-id> <text>",
		Short: "Replace the mission summary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				return m.UpdateSummary(commandContext(cmd), args[1])
			})
		},
	}
}

func missionExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <mission-id>",
		Short: "Download the mission export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				artifact, err := m.Export(commandContext(cmd))
				if err != nil {
					return err
				}
				path := out
				if path == "" {
					path = artifact.Filename
				}
				if err := os.WriteFile(path, artifact.Data, 0644); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d bytes)\n", path, len(artifact.Data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default: server file name)")
	return cmd
}

func missionAssetsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assets", Short: "Attach or detach mission assets"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "attach <mission-id> <asset-id>",
			Short: "Attach an asset to a mission",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
					return m.AttachAsset(commandContext(cmd), args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "detach <mission-id> <asset-id>",
			Short: "Detach an asset from a mission",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
					return m.DetachAsset(commandContext(cmd), args[1])
				})
			},
		},
	)
	return cmd
}

func stepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "step", Short: "Edit and progress mission steps"}

	var stepType, route string
	add := &cobra.Command{
		Use:   "add <mission-id> <name>",
		Short: "Append a step to a mission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ontology.CreateStepRequest{Name: args[1], Type: stepType}
			if route != "" {
				r, err := parseRoute(route)
				if err != nil {
					return err
				}
				req.Route = r
			}
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				return m.AppendStep(commandContext(cmd), req)
			})
		},
	}
	add.Flags().StringVar(&stepType, "type", ontology.StepTypeMovement, "movement, staging, observation or extraction")
	add.Flags().StringVar(&route, "route", "", "lon,lat;lon,lat[;...] origin, waypoints and destination")

	transition := &cobra.Command{
		Use:   "transition <mission-id> <step-id> <status>",
		Short: "Move a step to a new status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				return m.RequestStep(commandContext(cmd), args[1], ontology.StepStatus(args[2]))
			})
		},
	}

	bind := &cobra.Command{
		Use:   "bind <mission-id> <step-id> <asset-id>",
		Short: "Bind an asset to a movement step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				return m.BindAsset(commandContext(cmd), args[1], args[2])
			})
		},
	}

	unbind := &cobra.Command{
		Use:   "unbind <mission-id> <step-id>",
		Short: "Clear the asset binding of a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				return m.UnbindAsset(commandContext(cmd), args[1])
			})
		},
	}

	move := &cobra.Command{
		Use:   "move <mission-id> <step-id> <order>",
		Short: "Change the position of a step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid order %q", args[2])
			}
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				return m.ReorderStep(commandContext(cmd), args[1], order)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <mission-id> <step-id>",
		Short: "Delete a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMission(cmd, args[0], func(a *app, m *lifecycle.MissionMachine) error {
				return m.DeleteStep(commandContext(cmd), args[1])
			})
		},
	}

	cmd.AddCommand(add, transition, bind, unbind, move, del)
	return cmd
}

// parseRoute reads "lon,lat;lon,lat[;...]": the first point is the
// origin, the last the destination, anything between a waypoint.
func parseRoute(s string) (*ontology.StepRoute, error) {
	parts := strings.Split(s, ";")
	if len(parts) < 2 {
		return nil, fmt.Errorf("route needs at least an origin and a destination")
	}
	points := make([]ontology.Position, 0, len(parts))
	for _, part := range parts {
		p, err := parseLonLat(part)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return &ontology.StepRoute{
		Origin:      points[0],
		Destination: points[len(points)-1],
		Waypoints:   points[1 : len(points)-1],
	}, nil
}

func parseLonLat(s string) (ontology.Position, error) {
	lon, lat, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return ontology.Position{}, fmt.Errorf("invalid point %q, want lon,lat", s)
	}
	return parsePosition(strings.TrimSpace(lon), strings.TrimSpace(lat))
}

func assetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "asset", Short: "Inspect assets"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List assets known to the system of record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				assets, err := a.record.ListAssets(commandContext(cmd))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(assets))
				for _, asset := range assets {
					rows = append(rows, table.Row{asset.ID, asset.Name, asset.Category})
				}
				return render(assets, table.Row{"ID", "Name", "Type"}, rows)
			})
		},
	})
	return cmd
}
