package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"sentinel-overwatch/pkg/ontology"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "Manage the stored credential"}
	cmd.AddCommand(authLoginCmd(), authLogoutCmd(), authStatusCmd())
	return cmd
}

func authLoginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a credential for the system of record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			return withApp(func(a *app) error {
				if err := a.store.SetToken(token); err != nil {
					return err
				}
				fmt.Println("credential stored")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "credential to store")
	return cmd
}

func authLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := a.store.ClearToken(); err != nil {
					return err
				}
				fmt.Println("signed out")
				return nil
			})
		},
	}
}

func authStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which credential is in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				stored, err := a.store.Token()
				if err != nil {
					return err
				}
				source := "none"
				switch {
				case stored != "":
					source = "stored"
				case a.cfg.Token != "":
					source = "configured"
				}
				return render(map[string]string{"credential": source}, table.Row{"Credential"}, []table.Row{{source}})
			})
		},
	}
}

func homeBaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "homebase", Short: "Show or set the home base"}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the home base",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				p, err := a.store.HomeBase()
				if err != nil {
					return err
				}
				return render(p, table.Row{"Lon", "Lat"}, []table.Row{{p.Longitude, p.Latitude}})
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <lon> <lat>",
		Short: "Set the home base",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePosition(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				return a.store.SetHomeBase(p)
			})
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func parsePosition(lonArg, latArg string) (ontology.Position, error) {
	lon, err := strconv.ParseFloat(lonArg, 64)
	if err != nil {
		return ontology.Position{}, fmt.Errorf("invalid longitude %q", lonArg)
	}
	lat, err := strconv.ParseFloat(latArg, 64)
	if err != nil {
		return ontology.Position{}, fmt.Errorf("invalid latitude %q", latArg)
	}
	p := ontology.Position{Longitude: lon, Latitude: lat}
	return p, p.Validate()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
