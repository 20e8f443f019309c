package cmd

// Version is set at build time:
//
//	go build -ldflags "-X github.com/halfmoonsec/cleargate/cmd.Version=1.2.3"
var Version = "0.1.0-dev"
