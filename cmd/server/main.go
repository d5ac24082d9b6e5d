package main

import (
	"os"

	"github.com/scribescope/backend/internal/cli"
	"github.com/sirupsen/logrus"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := cli.Execute(cli.BuildInfo{Version: Version, BuildTime: BuildTime}); err != nil {
		logrus.WithField("err", err.Error()).Error("scribescope failed")
		os.Exit(1)
	}
}
