package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nostrband/walletd/nwc"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/urfave/cli"
)

const defaultTimeout = 30 * time.Second

// connection is the resolved client side of a wallet connect pairing.
type connection struct {
	servicePubkey string
	relays        []string
	secret        string
	clientPubkey  string
	timeout       time.Duration
}

// parseConnection resolves the connection from either the
// nostr+walletconnect:// string or the individual flags.
func parseConnection(c *cli.Context) (*connection, error) {
	conn := &connection{
		servicePubkey: c.GlobalString("service"),
		relays:        c.GlobalStringSlice("relay"),
		secret:        c.GlobalString("secret"),
		timeout:       c.GlobalDuration("timeout"),
	}

	if raw := c.GlobalString("connect"); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("bad connection string: %w",
				err)
		}
		if u.Scheme != "nostr+walletconnect" {
			return nil, errors.New("connection string must use " +
				"the nostr+walletconnect scheme")
		}

		conn.servicePubkey = u.Host
		if conn.servicePubkey == "" {
			conn.servicePubkey = u.Opaque
		}
		query := u.Query()
		conn.relays = query["relay"]
		conn.secret = query.Get("secret")
	}

	if conn.servicePubkey == "" {
		return nil, errors.New("service pubkey required, use " +
			"--service or --connect")
	}
	if len(conn.relays) == 0 {
		return nil, errors.New("at least one relay required")
	}
	if conn.secret == "" {
		return nil, errors.New("client secret required, use " +
			"--secret or --connect")
	}

	pubkey, err := nostr.GetPublicKey(conn.secret)
	if err != nil {
		return nil, fmt.Errorf("bad client secret: %w", err)
	}
	conn.clientPubkey = pubkey

	return conn, nil
}

// call sends one request to the service and returns the decoded reply.
func call(c *cli.Context, method string, params interface{}) error {
	conn, err := parseConnection(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), conn.timeout,
	)
	defer cancel()

	secret, err := nip04.ComputeSharedSecret(
		conn.servicePubkey, conn.secret,
	)
	if err != nil {
		return err
	}

	content, err := json.Marshal(&nwc.Request{
		Method: method,
		Params: mustMarshal(params),
	})
	if err != nil {
		return err
	}
	encrypted, err := nip04.Encrypt(string(content), secret)
	if err != nil {
		return err
	}

	expiration := time.Now().Add(conn.timeout).Unix()
	req := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nwc.KindRequest,
		Content:   encrypted,
		Tags: nostr.Tags{
			{"p", conn.servicePubkey},
			{"expiration", fmt.Sprintf("%d", expiration)},
		},
	}
	if err := req.Sign(conn.secret); err != nil {
		return err
	}

	relay, err := connectAny(ctx, conn.relays)
	if err != nil {
		return err
	}
	defer relay.Close()

	// Subscribe for the reply before publishing so it can't be missed.
	since := nostr.Now()
	sub, err := relay.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{nwc.KindReply},
		Tags:  nostr.TagMap{"e": []string{req.ID}},
		Since: &since,
	}})
	if err != nil {
		return err
	}
	defer sub.Unsub()

	if err := relay.Publish(ctx, req); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return errors.New("relay closed the " +
					"subscription")
			}
			if ev.PubKey != conn.servicePubkey {
				continue
			}

			return printReply(ev, secret)

		case <-ctx.Done():
			return errors.New("timed out waiting for reply")
		}
	}
}

// connectAny returns a connection to the first reachable relay.
func connectAny(ctx context.Context, relays []string) (*nostr.Relay, error) {
	var lastErr error
	for _, r := range relays {
		relay, err := nostr.RelayConnect(ctx, r)
		if err == nil {
			return relay, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("no relay reachable: %w", lastErr)
}

// printReply decrypts a reply event and prints its result as indented JSON.
// Protocol errors become command errors.
func printReply(ev *nostr.Event, secret []byte) error {
	plaintext, err := nip04.Decrypt(ev.Content, secret)
	if err != nil {
		return fmt.Errorf("unable to decrypt reply: %w", err)
	}

	var reply struct {
		ResultType string          `json:"result_type"`
		Error      *nwc.Error      `json:"error"`
		Result     json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal([]byte(plaintext), &reply); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}

	if reply.Error != nil {
		return fmt.Errorf("%s: %s", reply.Error.Code,
			reply.Error.Message)
	}

	var out strings.Builder
	if err := json.Indent(&out, reply.Result, "", "    "); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, out.String())

	return nil
}

func mustMarshal(v interface{}) json.RawMessage {
	if v == nil {
		return json.RawMessage("{}")
	}

	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return data
}
