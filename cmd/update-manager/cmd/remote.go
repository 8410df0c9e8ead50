package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Tech-Reformist/update-manager/internal/repo"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage remotes",
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add a remote",
	Long:  "Add a remote. Supported urls are oci://, docker://, https://, http:// and file://.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemoteAdd,
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remotes",
	Args:  cobra.NoArgs,
	RunE:  runRemoteList,
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a remote and its refs",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteRemove,
}

var remoteInsecure bool

func init() {
	remoteAddCmd.Flags().BoolVar(&remoteInsecure, "insecure", false, "allow plain http registries")

	remoteCmd.AddCommand(remoteAddCmd, remoteListCmd, remoteRemoveCmd)
	rootCmd.AddCommand(remoteCmd)
}

func runRemoteAdd(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	return r.AddRemote(repo.Remote{Name: args[0], URL: args[1], Insecure: remoteInsecure})
}

func runRemoteList(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	remotes := r.Remotes()
	if len(remotes) == 0 {
		fmt.Println("(no remotes)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tINSECURE")
	for _, rem := range remotes {
		fmt.Fprintf(w, "%s\t%s\t%t\n", rem.Name, rem.URL, rem.Insecure)
	}
	return w.Flush()
}

func runRemoteRemove(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	return r.RemoveRemote(args[0])
}
