package main

import "edunexus.org/cmd/edunexus/cmd"

func main() {
	cmd.Execute()
}
