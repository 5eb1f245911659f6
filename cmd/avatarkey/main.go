package main

import "github.com/jmcleod/avatarkey/cmd/avatarkey/cmd"

func main() {
	cmd.Execute()
}
