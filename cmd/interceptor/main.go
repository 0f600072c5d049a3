/*
This command runs the interceptor: the native reverse proxy in front of a
backend, the Envoy external processor gRPC service, or both, driving the
interceptor filter.

For the list of command line options, run:

	interceptor -help

Options can also be loaded from a YAML file passed with -config-file.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	proxyexample "github.com/allen-munsch/envoy-rust-proxy-example"
	"github.com/allen-munsch/envoy-rust-proxy-example/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	log.SetLevel(cfg.ApplicationLogLevel)
	if err := proxyexample.Run(cfg.ToOptions()); err != nil {
		log.Fatal(err)
	}
}
