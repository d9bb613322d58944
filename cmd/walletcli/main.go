package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[walletcli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "walletcli"
	app.Usage = "control plane for a nostr wallet connect service"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name: "connect",
			Usage: "nostr+walletconnect:// connection string, " +
				"replaces service, relay and secret",
			EnvVar: "WALLETCLI_CONNECT",
		},
		cli.StringFlag{
			Name:  "service",
			Usage: "hex pubkey of the wallet service",
		},
		cli.StringSliceFlag{
			Name:  "relay",
			Usage: "relay to reach the service on",
		},
		cli.StringFlag{
			Name:   "secret",
			Usage:  "hex encoded client private key",
			EnvVar: "WALLETCLI_SECRET",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait for the reply",
			Value: defaultTimeout,
		},
	}
	app.Commands = []cli.Command{
		getInfoCommand,
		getBalanceCommand,
		makeInvoiceCommand,
		makeInvoiceForCommand,
		payInvoiceCommand,
		listTransactionsCommand,
		lookupInvoiceCommand,
		addPubkeyCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
