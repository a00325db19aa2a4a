// Command cellswarm joins a topic on the local network and logs every
// connection the swarm makes.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("cellswarm failed")
		os.Exit(1)
	}
}
