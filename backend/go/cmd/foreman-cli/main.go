package main

import "Foreman/backend/go/cmd/foreman-cli/cmd"

func main() {
	cmd.Execute()
}
