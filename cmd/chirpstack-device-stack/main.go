package main

import (
	"github.com/brocaar/chirpstack-device-stack/cmd/chirpstack-device-stack/cmd"
)

// version is set by the compiler.
var version string

func main() {
	cmd.Execute(version)
}
