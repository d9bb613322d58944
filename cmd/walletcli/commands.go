package main

import (
	"errors"
	"strconv"

	"github.com/nostrband/walletd/nwc"

	"github.com/urfave/cli"
)

var getInfoCommand = cli.Command{
	Name:  "getinfo",
	Usage: "Show node and service info.",
	Action: func(c *cli.Context) error {
		return call(c, nwc.MethodGetInfo, nil)
	},
}

var getBalanceCommand = cli.Command{
	Name:  "getbalance",
	Usage: "Show the wallet balance in msat.",
	Action: func(c *cli.Context) error {
		return call(c, nwc.MethodGetBalance, nil)
	},
}

var makeInvoiceCommand = cli.Command{
	Name:      "makeinvoice",
	Usage:     "Create an invoice crediting this wallet.",
	ArgsUsage: "amount_msat",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "desc",
			Usage: "invoice description",
		},
		cli.StringFlag{
			Name:  "desc_hash",
			Usage: "hex encoded description hash",
		},
		cli.Int64Flag{
			Name:  "expiry",
			Usage: "invoice expiry in seconds",
		},
	},
	Action: func(c *cli.Context) error {
		amount, err := parseAmount(c)
		if err != nil {
			return err
		}

		return call(c, nwc.MethodMakeInvoice,
			&nwc.MakeInvoiceParams{
				Amount:          amount,
				Description:     c.String("desc"),
				DescriptionHash: c.String("desc_hash"),
				Expiry:          c.Int64("expiry"),
			})
	},
}

var makeInvoiceForCommand = cli.Command{
	Name:      "makeinvoicefor",
	Usage:     "Create an invoice crediting another pubkey.",
	ArgsUsage: "pubkey amount_msat",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "desc",
			Usage: "invoice description",
		},
		cli.Int64Flag{
			Name:  "expiry",
			Usage: "invoice expiry in seconds",
		},
		cli.StringFlag{
			Name:  "zap",
			Usage: "serialized zap request event",
		},
	},
	Action: func(c *cli.Context) error {
		args := c.Args()
		if len(args) < 2 {
			return errors.New("pubkey and amount_msat required")
		}
		amount, err := strconv.ParseInt(args.Get(1), 10, 64)
		if err != nil {
			return errors.New("amount_msat must be an integer")
		}

		return call(c, nwc.MethodMakeInvoiceFor,
			&nwc.MakeInvoiceForParams{
				MakeInvoiceParams: nwc.MakeInvoiceParams{
					Amount:      amount,
					Description: c.String("desc"),
					Expiry:      c.Int64("expiry"),
				},
				Pubkey:     args.First(),
				ZapRequest: c.String("zap"),
			})
	},
}

var payInvoiceCommand = cli.Command{
	Name:      "payinvoice",
	Usage:     "Pay a bolt11 invoice.",
	ArgsUsage: "invoice",
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name: "amt",
			Usage: "amount in msat, only for invoices without " +
				"an amount",
		},
	},
	Action: func(c *cli.Context) error {
		if !c.Args().Present() {
			return errors.New("invoice argument required")
		}

		return call(c, nwc.MethodPayInvoice, &nwc.PayInvoiceParams{
			Invoice: c.Args().First(),
			Amount:  c.Int64("amt"),
		})
	},
}

var listTransactionsCommand = cli.Command{
	Name:  "listtransactions",
	Usage: "List the wallet's transaction history.",
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "from",
			Usage: "earliest creation time as unix timestamp",
		},
		cli.Int64Flag{
			Name:  "until",
			Usage: "latest creation time as unix timestamp",
		},
		cli.IntFlag{
			Name:  "limit",
			Usage: "max number of transactions",
		},
		cli.IntFlag{
			Name:  "offset",
			Usage: "number of transactions to skip",
		},
		cli.BoolFlag{
			Name:  "unpaid",
			Usage: "include unpaid transactions",
		},
		cli.StringFlag{
			Name:  "type",
			Usage: "restrict to incoming or outgoing",
		},
	},
	Action: func(c *cli.Context) error {
		return call(c, nwc.MethodListTransactions,
			&nwc.ListTransactionsParams{
				From:   c.Int64("from"),
				Until:  c.Int64("until"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
				Unpaid: c.Bool("unpaid"),
				Type:   c.String("type"),
			})
	},
}

var lookupInvoiceCommand = cli.Command{
	Name:  "lookupinvoice",
	Usage: "Look up a transaction by payment hash or invoice.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "payment_hash",
			Usage: "hex encoded payment hash",
		},
		cli.StringFlag{
			Name:  "invoice",
			Usage: "bolt11 invoice",
		},
	},
	Action: func(c *cli.Context) error {
		hash := c.String("payment_hash")
		invoice := c.String("invoice")
		if hash == "" && invoice == "" {
			return errors.New("payment_hash or invoice required")
		}

		return call(c, nwc.MethodLookupInvoice,
			&nwc.LookupInvoiceParams{
				PaymentHash: hash,
				Invoice:     invoice,
			})
	},
}

var addPubkeyCommand = cli.Command{
	Name:      "addpubkey",
	Usage:     "Provision a wallet for a pubkey (admin only).",
	ArgsUsage: "pubkey",
	Action: func(c *cli.Context) error {
		if !c.Args().Present() {
			return errors.New("pubkey argument required")
		}

		return call(c, nwc.MethodAddPubkey, &nwc.AddPubkeyParams{
			Pubkey: c.Args().First(),
		})
	},
}

func parseAmount(c *cli.Context) (int64, error) {
	if !c.Args().Present() {
		return 0, errors.New("amount_msat argument required")
	}

	amount, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil {
		return 0, errors.New("amount_msat must be an integer")
	}

	return amount, nil
}
