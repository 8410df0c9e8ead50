package main

import "github.com/Tech-Reformist/update-manager/cmd/update-manager/cmd"

func main() {
	cmd.Execute()
}
