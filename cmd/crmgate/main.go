package main

import "github.com/jmcleod/crmgate/cmd/crmgate/cmd"

func main() {
	cmd.Execute()
}
