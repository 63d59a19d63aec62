package main

import (
	"os"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
