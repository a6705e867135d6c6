package main

import (
	"encoding/json"
	"fmt"
	"os"

	oauth "github.com/haileyok/atproto-session-broker"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "authd-helper",
		Usage: "key management for the confidential client",
		Commands: []*cli.Command{
			runGenerateJwk,
			runPublicJwks,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateJwk = &cli.Command{
	Name:  "generate-jwk",
	Usage: "write a new ES256 private key, suitable for --client-secret-jwk",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name: "prefix",
		},
		&cli.StringFlag{
			Name:  "out",
			Value: "./client-jwk.json",
		},
	},
	Action: func(cmd *cli.Context) error {
		var prefix *string
		if cmd.String("prefix") != "" {
			inputPrefix := cmd.String("prefix")
			prefix = &inputPrefix
		}

		key, err := oauth.GenerateKey(prefix)
		if err != nil {
			return err
		}

		b, err := json.Marshal(key)
		if err != nil {
			return err
		}

		return os.WriteFile(cmd.String("out"), b, 0600)
	},
}

var runPublicJwks = &cli.Command{
	Name:      "public-jwks",
	Usage:     "print the public key set for a private key file",
	ArgsUsage: "<private-jwk-file>",
	Action: func(cmd *cli.Context) error {
		if cmd.Args().Len() != 1 {
			return fmt.Errorf("expected a private key file")
		}

		b, err := os.ReadFile(cmd.Args().First())
		if err != nil {
			return err
		}

		key, err := oauth.ParseJWKFromBytes(b)
		if err != nil {
			return err
		}

		jwks, err := oauth.CreateJwksResponseObject(key)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(jwks, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(out))
		return nil
	},
}
