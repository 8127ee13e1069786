package main

import (
	"os"

	"shroudtun/internal/proxyapp"
)

func main() {
	os.Exit(proxyapp.Run())
}
