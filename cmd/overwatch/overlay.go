package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/overlay"
	"sentinel-overwatch/pkg/session"
)

// withOverlay hands fn a manager primed with the current POIs and
// situation reports.
func withOverlay(cmd *cobra.Command, fn func(m *overlay.Manager) error) error {
	return withApp(func(a *app) error {
		s, err := newSession(a, session.Hooks{})
		if err != nil {
			return err
		}
		m := s.Overlay()
		if err := m.Refresh(commandContext(cmd)); err != nil {
			return err
		}
		return fn(m)
	})
}

func poiCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "poi", Short: "Manage points of interest"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List points of interest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOverlay(cmd, func(m *overlay.Manager) error {
				pois := m.POIs()
				rows := make([]table.Row, 0, len(pois))
				for _, p := range pois {
					rows = append(rows, table.Row{p.ID, p.Name, p.Category, p.ThreatLevel, coords(p.Coordinates), p.PinColor()})
				}
				return render(pois, table.Row{"ID", "Name", "Type", "Threat", "Lon, Lat", "Pin"}, rows)
			})
		},
	}

	var req ontology.CreatePOIRequest
	create := &cobra.Command{
		Use:   "create <name> <lon> <lat>",
		Short: "Drop a point of interest",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePosition(args[1], args[2])
			if err != nil {
				return err
			}
			req.Name, req.Lon, req.Lat = args[0], p.Longitude, p.Latitude
			return withOverlay(cmd, func(m *overlay.Manager) error {
				return m.CreatePOI(commandContext(cmd), req)
			})
		},
	}
	create.Flags().StringVar(&req.Category, "type", ontology.CategoryLocation, "point category")
	create.Flags().StringVar(&req.Urgency, "urgency", ontology.UrgencyRoutine, "routine, elevated, urgent or critical")
	create.Flags().StringVar(&req.Description, "description", "", "free text")
	create.Flags().StringVar(&req.AssetID, "asset", "", "asset to link")

	del := &cobra.Command{
		Use:   "delete <poi-id>",
		Short: "Delete a point of interest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOverlay(cmd, func(m *overlay.Manager) error {
				return m.DeletePOI(commandContext(cmd), args[0])
			})
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}

func sitrepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sitrep", Short: "File and track situation reports"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List situation reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOverlay(cmd, func(m *overlay.Manager) error {
				reports := m.Sitreps()
				rows := make([]table.Row, 0, len(reports))
				for _, r := range reports {
					where := r.GridRef
					if r.Location != nil {
						where = coords(r.Location.Coordinates)
					}
					rows = append(rows, table.Row{r.ID, r.Type, r.Severity, r.Status, r.Unit, where, r.Description})
				}
				if !structured() {
					fmt.Printf("%d active\n", m.ActiveSitreps())
				}
				return render(reports, table.Row{"ID", "Type", "Severity", "Status", "Unit", "Where", "Description"}, rows)
			})
		},
	}

	var (
		req      ontology.CreateSitrepRequest
		location string
	)
	create := &cobra.Command{
		Use:   "create <type> <severity> <description>",
		Short: "File a situation report",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type, req.Severity, req.Description = args[0], args[1], args[2]
			p, err := parseLonLat(location)
			if err != nil {
				return err
			}
			req.Lon, req.Lat = p.Longitude, p.Latitude
			return withOverlay(cmd, func(m *overlay.Manager) error {
				return m.CreateSitrep(commandContext(cmd), req)
			})
		},
	}
	create.Flags().StringVar(&req.Unit, "unit", "", "reporting unit")
	create.Flags().StringVar(&req.GridRef, "grid", "", "grid reference")
	create.Flags().StringVar(&req.ActionTaken, "action", "", "action already taken")
	create.Flags().StringVar(&location, "at", "", "lon,lat of the report")
	_ = create.MarkFlagRequired("at")

	transition := func(use, short, to string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <sitrep-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withOverlay(cmd, func(m *overlay.Manager) error {
					return m.TransitionSitrep(commandContext(cmd), args[0], to)
				})
			},
		}
	}

	cmd.AddCommand(list, create,
		transition("ack", "Acknowledge a report", ontology.SitrepAcknowledged),
		transition("resolve", "Resolve a report", ontology.SitrepResolved),
	)
	return cmd
}
