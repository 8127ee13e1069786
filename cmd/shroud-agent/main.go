package main

import (
	"os"

	"shroudtun/internal/agentapp"
)

func main() {
	os.Exit(agentapp.Run())
}
