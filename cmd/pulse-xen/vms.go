package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-xen/internal/api"
	"github.com/rcourtman/pulse-xen/internal/config"
	"github.com/rcourtman/pulse-xen/internal/logging"
	"github.com/rcourtman/pulse-xen/internal/monitoring"
)

var (
	vmsJSON  bool
	vmsNames []string
)

var vmsCmd = &cobra.Command{
	Use:   "vms",
	Short: "List the VMs and control domains of the pool and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		initLogging(cfg)
		defer logging.Shutdown()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		registry, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer registry.Synchronizer().Stop()

		vms, controlDomains := registry.ListControllable()
		patterns := api.ParsePatterns(vmsNames...)
		vms = api.FilterByName(vms, patterns)
		controlDomains = api.FilterByName(controlDomains, patterns)
		return printVMs(cmd.OutOrStdout(), vms, controlDomains, vmsJSON)
	},
}

func init() {
	vmsCmd.Flags().BoolVar(&vmsJSON, "json", false, "print JSON instead of a table")
	vmsCmd.Flags().StringSliceVar(&vmsNames, "name", nil, "only list entities whose name matches a wildcard pattern")
}

func printVMs(out io.Writer, vms, controlDomains []*monitoring.VirtualMachine, asJSON bool) error {
	if asJSON {
		view := api.InventoryView{VMs: []api.VMView{}, ControlDomains: []api.VMView{}}
		for _, vm := range vms {
			view.VMs = append(view.VMs, api.NewVMView(vm, nil))
		}
		for _, cd := range controlDomains {
			view.ControlDomains = append(view.ControlDomains, api.NewVMView(cd, nil))
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tUUID\tPOWER STATE")
	for _, vm := range append(vms, controlDomains...) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", vm.Kind(), vm.Name(), vm.UUID(), vm.PowerState())
	}
	return w.Flush()
}
