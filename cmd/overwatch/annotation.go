package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"sentinel-overwatch/pkg/crdt"
	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/session"
)

// annotationKind binds a CLI noun to its collection in the room document.
type annotationKind struct {
	use        string
	noun       string
	collection string
	put        func(*session.Session, context.Context, ontology.Annotation) error
	remove     func(*session.Session, context.Context, string) error
}

var (
	roiKind = annotationKind{
		use:        "roi",
		noun:       "region of interest",
		collection: crdt.CollectionROIs,
		put:        (*session.Session).PutROI,
		remove:     (*session.Session).RemoveROI,
	}
	routeKind = annotationKind{
		use:        "route",
		noun:       "route",
		collection: crdt.CollectionRoutes,
		put:        (*session.Session).PutRoute,
		remove:     (*session.Session).RemoveRoute,
	}
)

// annotationView is an annotation with its geometry decoded, so YAML
// output shows GeoJSON rather than bytes.
type annotationView struct {
	ID         string         `json:"id" yaml:"id"`
	Geometry   any            `json:"geometry,omitempty" yaml:"geometry,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

func annotationCmd(k annotationKind) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   k.use,
		Short: fmt.Sprintf("Edit shared %ss in the room", k.noun),
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "how long to wait for the relay")

	list := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %ss", k.noun),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoom(cmd, timeout, func(ctx context.Context, s *session.Session) error {
				anns, err := s.Annotations(ctx, k.collection)
				if err != nil {
					return err
				}
				views := make([]annotationView, 0, len(anns))
				rows := make([]table.Row, 0, len(anns))
				for _, a := range anns {
					view := annotationView{ID: a.ID, Properties: a.Properties}
					if len(a.Geometry) > 0 {
						_ = json.Unmarshal(a.Geometry, &view.Geometry)
					}
					views = append(views, view)
					rows = append(rows, table.Row{a.ID, geometryType(a.Geometry), formatProps(a.Properties)})
				}
				return render(views, table.Row{"ID", "Geometry", "Properties"}, rows)
			})
		},
	}

	var geometry string
	var props []string
	put := &cobra.Command{
		Use:   "put <id>",
		Short: fmt.Sprintf("Create or replace a %s", k.noun),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readGeometry(geometry)
			if err != nil {
				return err
			}
			properties, err := parseProps(props)
			if err != nil {
				return err
			}
			a := ontology.Annotation{ID: args[0], Geometry: raw, Properties: properties}
			if err := a.Validate(); err != nil {
				return err
			}
			return withRoom(cmd, timeout, func(ctx context.Context, s *session.Session) error {
				return k.put(s, ctx, a)
			})
		},
	}
	put.Flags().StringVar(&geometry, "geometry", "", "GeoJSON geometry, or @file to read it from a file")
	put.Flags().StringArrayVar(&props, "prop", nil, "property as key=value; repeatable")
	_ = put.MarkFlagRequired("geometry")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: fmt.Sprintf("Remove a %s", k.noun),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoom(cmd, timeout, func(ctx context.Context, s *session.Session) error {
				return k.remove(s, ctx, args[0])
			})
		},
	}

	cmd.AddCommand(list, put, rm)
	return cmd
}

func readGeometry(arg string) (json.RawMessage, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read geometry: %w", err)
		}
		return json.RawMessage(data), nil
	}
	return json.RawMessage(arg), nil
}

// parseProps turns repeated key=value flags into annotation properties.
// Values stay strings; later keys win.
func parseProps(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("property %q is not key=value", pair)
		}
		if key == ontology.FieldGeometry {
			return nil, fmt.Errorf("property %q is reserved; use --geometry", key)
		}
		out[key] = value
	}
	return out, nil
}

func formatProps(props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, props[k]))
	}
	return strings.Join(parts, ", ")
}

func geometryType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "-"
	}
	g, err := ontology.ParseGeometry(raw)
	if err != nil {
		return "invalid"
	}
	return g.Type().String()
}
