package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Tech-Reformist/update-manager/internal/refs"
)

var refsCmd = &cobra.Command{
	Use:   "refs [remote]",
	Short: "List refs",
	Long:  "List local refs and the refs pulled from every remote, or only those of one remote.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRefs,
}

func init() {
	rootCmd.AddCommand(refsCmd)
}

func runRefs(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	var namespaces []string
	if len(args) == 1 {
		namespaces = []string{args[0]}
	} else {
		remotes, err := r.Refs().Namespaces()
		if err != nil {
			return err
		}
		namespaces = append([]string{refs.Local}, remotes...)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	count := 0
	for _, ns := range namespaces {
		listed, err := r.Refs().List(ns)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(listed))
		for name := range listed {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%s\n", refs.Refspec(ns, name), listed[name])
			count++
		}
	}
	if count == 0 {
		fmt.Println("(no refs)")
		return nil
	}
	return w.Flush()
}
