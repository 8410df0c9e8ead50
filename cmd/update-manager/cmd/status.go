package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/Tech-Reformist/update-manager/internal/sysroot"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deployments",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, sys, err := e.openSysroot(cmd.Context())
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	all := append(sys.Deployments(), sys.Staged()...)
	if len(all) == 0 {
		fmt.Println("(no deployments)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tSTATE\tOS\tCOMMIT\tORIGIN\tID")
	for _, d := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			index(d), d.State, d.OSName, short(d.Commit), d.Origin, d.ID)
	}
	return w.Flush()
}

func short(d digest.Digest) string {
	if enc := d.Encoded(); len(enc) > 12 {
		return enc[:12]
	}
	return d.String()
}

func index(d *sysroot.Deployment) string {
	if d.Index < 0 {
		return "-"
	}
	return fmt.Sprint(d.Index)
}
