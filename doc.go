// Package updatemanager keeps a device's operating system up to date from a
// content-addressed repository of commits.
//
// A device holds a repository under <sysroot>/ostree/repo and a set of
// deployments, bootable checkouts of commits, under <sysroot>/ostree/deploy.
// An update pulls a ref from a remote, checks the new commit out beside the
// running system and atomically makes it the next boot target. The running
// deployment stays untouched and remains available as the rollback.
//
// Basic usage:
//
//	result, err := updatemanager.Update(ctx, updatemanager.Request{
//	    Sysroot:    "/sysroot",
//	    OSName:     "myos",
//	    RemoteName: "linuxmint",
//	    RemoteURL:  "oci://registry.example.com/myos",
//	    Ref:        "myOS/amd64/stable",
//	})
//	if err != nil {
//	    var step *updatemanager.StepError
//	    if errors.As(err, &step) {
//	        os.Exit(step.ExitCode())
//	    }
//	}
//	fmt.Println("next boot:", result.Commit)
//
// Remotes are addressed by URL scheme: oci://, docker://, https:// and
// http:// talk to an OCI registry, file:// to another repository on disk.
package updatemanager
