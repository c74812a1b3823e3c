/*
 * Copyright (c) Johan Stenstam, johani@johani.org
 */
package cli

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agneevX/technitium-dns/dnssec"
)

var Zonename string
var api *dnssec.Api

var RootCmd = &cobra.Command{
	Use:   "dns-cli",
	Short: "CLI for the zone signing engine admin API",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		baseurl := viper.GetString("cli.baseurl")
		apikey := viper.GetString("cli.apikey")
		if baseurl == "" {
			baseurl = os.Getenv("DNS_API_BASEURL")
		}
		if apikey == "" {
			apikey = os.Getenv("DNS_API_KEY")
		}
		api = dnssec.NewClient("dns-cli", baseurl, apikey, "X-API-Key",
			dnssec.Globals.Verbose, dnssec.Globals.Debug)
	},
}

var PingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send ping to the server to see if it is alive",
	Run: func(cmd *cobra.Command, args []string) {
		resp := SendCommand(dnssec.CommandPost{Command: "ping"}, "/ping")
		fmt.Println(resp.Msg)
	},
}

var signAlg, signNxProof string
var signIterations uint16
var signSaltLen int
var signDnskeyTtl uint32
var signRolloverDays int

var SignZoneCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a zone (generates a KSK and a ZSK, builds the denial chain)",
	Run: func(cmd *cobra.Command, args []string) {
		resp := SendCommand(dnssec.CommandPost{
			Command:    "sign-zone",
			Zone:       Zonename,
			Algorithm:  signAlg,
			NxProof:    signNxProof,
			Iterations: signIterations,
			SaltLength: signSaltLen,
			DnskeyTTL:  signDnskeyTtl,
			Rollover:   signRolloverDays,
		}, "/command")
		fmt.Println(resp.Msg)
	},
}

var UnsignZoneCmd = &cobra.Command{
	Use:   "unsign",
	Short: "Remove all DNSSEC records and keys from a zone",
	Run: func(cmd *cobra.Command, args []string) {
		resp := SendCommand(dnssec.CommandPost{Command: "unsign-zone", Zone: Zonename}, "/command")
		fmt.Println(resp.Msg)
	},
}

var ConvertCmd = &cobra.Command{
	Use:   "convert (nsec|nsec3)",
	Short: "Convert a signed zone between NSEC and NSEC3 denial",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		command := "convert-to-nsec"
		if args[0] == "nsec3" {
			command = "convert-to-nsec3"
		}
		resp := SendCommand(dnssec.CommandPost{
			Command:    command,
			Zone:       Zonename,
			Iterations: signIterations,
			SaltLength: signSaltLen,
		}, "/command")
		fmt.Println(resp.Msg)
	},
}

var Nsec3ParamsCmd = &cobra.Command{
	Use:   "nsec3-params",
	Short: "Replace the NSEC3 chain with new iterations/salt",
	Run: func(cmd *cobra.Command, args []string) {
		resp := SendCommand(dnssec.CommandPost{
			Command:    "update-nsec3-params",
			Zone:       Zonename,
			Iterations: signIterations,
			SaltLength: signSaltLen,
		}, "/command")
		fmt.Println(resp.Msg)
	},
}

var PropertiesCmd = &cobra.Command{
	Use:   "properties",
	Short: "Show the DNSSEC properties of a zone",
	Run: func(cmd *cobra.Command, args []string) {
		resp := SendCommand(dnssec.CommandPost{Command: "get-properties", Zone: Zonename}, "/command")
		fmt.Println(resp.Msg)
		for _, line := range resp.Names {
			fmt.Println(line)
		}
	},
}

var keyid uint16
var dnskeyTtl uint32
var keyFile, keyType string

var KeystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Key management: list, rollover, retire, publish, delete, update-ttl, import, export",
}

func keystoreSubCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			resp := SendKeystoreCommand(dnssec.KeystorePost{
				Command:    "dnssec-mgmt",
				SubCommand: use,
				Zone:       Zonename,
				Keyid:      keyid,
				Ttl:        dnskeyTtl,
				KeyType:    keyType,
				Filename:   keyFile,
			})
			if use == "list" {
				for k, v := range resp.Dnskeys {
					fmt.Printf("%s: %s %s (retiring: %t)\n", k, v.KeyType, v.State, v.Retiring)
				}
				return
			}
			fmt.Println(resp.Msg)
		},
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&Zonename, "zone", "z", "", "Zone name")
	RootCmd.PersistentFlags().BoolVarP(&dnssec.Globals.Verbose, "verbose", "v", false, "Verbose mode")
	RootCmd.PersistentFlags().BoolVarP(&dnssec.Globals.Debug, "debug", "d", false, "Debug mode")

	SignZoneCmd.Flags().StringVar(&signAlg, "algorithm", "ECDSAP256SHA256", "DNSKEY algorithm")
	SignZoneCmd.Flags().StringVar(&signNxProof, "nx-proof", "nsec", "Denial type: nsec | nsec3")
	SignZoneCmd.Flags().Uint16Var(&signIterations, "iterations", 0, "NSEC3 iterations")
	SignZoneCmd.Flags().IntVar(&signSaltLen, "salt-length", 0, "NSEC3 salt length (bytes)")
	SignZoneCmd.Flags().Uint32Var(&signDnskeyTtl, "dnskey-ttl", 86400, "DNSKEY TTL")
	SignZoneCmd.Flags().IntVar(&signRolloverDays, "zsk-rollover-days", 90, "ZSK rollover period")

	ConvertCmd.Flags().Uint16Var(&signIterations, "iterations", 0, "NSEC3 iterations")
	ConvertCmd.Flags().IntVar(&signSaltLen, "salt-length", 0, "NSEC3 salt length (bytes)")
	Nsec3ParamsCmd.Flags().Uint16Var(&signIterations, "iterations", 0, "NSEC3 iterations")
	Nsec3ParamsCmd.Flags().IntVar(&signSaltLen, "salt-length", 0, "NSEC3 salt length (bytes)")

	KeystoreCmd.PersistentFlags().Uint16Var(&keyid, "keyid", 0, "Key tag")
	KeystoreCmd.PersistentFlags().Uint32Var(&dnskeyTtl, "ttl", 0, "DNSKEY TTL (update-ttl)")
	KeystoreCmd.PersistentFlags().StringVar(&keyFile, "file", "", "Key file basename (import/export)")
	KeystoreCmd.PersistentFlags().StringVar(&keyType, "keytype", "", "KSK | ZSK (import)")
	for use, short := range map[string]string{
		"list":       "List the zone's keys and their states",
		"rollover":   "Start a rollover for a key",
		"retire":     "Mark a key retiring",
		"publish":    "Publish all generated keys",
		"delete":     "Delete a key that was never published",
		"update-ttl": "Update the DNSKEY TTL",
		"import":     "Import a key pair from .key/.private files",
		"export":     "Export a key pair to .key/.private files",
	} {
		KeystoreCmd.AddCommand(keystoreSubCmd(use, short))
	}

	RootCmd.AddCommand(PingCmd, SignZoneCmd, UnsignZoneCmd, ConvertCmd, Nsec3ParamsCmd, PropertiesCmd, KeystoreCmd)
}

func SendCommand(data dnssec.CommandPost, endpoint string) dnssec.CommandResponse {
	var resp dnssec.CommandResponse

	bytebuf, err := json.Marshal(data)
	if err != nil {
		log.Fatalf("Error marshalling command: %v", err)
	}
	_, buf, err := api.Post(endpoint, bytebuf)
	if err != nil {
		log.Fatalf("Error from api.Post: %v", err)
	}
	if err := json.Unmarshal(buf, &resp); err != nil {
		log.Fatalf("Error unmarshalling response: %v", err)
	}
	if resp.Error {
		fmt.Printf("Error: %s\n", resp.ErrorMsg)
		os.Exit(1)
	}
	return resp
}

func SendKeystoreCommand(data dnssec.KeystorePost) dnssec.KeystoreResponse {
	var resp dnssec.KeystoreResponse

	bytebuf, err := json.Marshal(data)
	if err != nil {
		log.Fatalf("Error marshalling keystore command: %v", err)
	}
	_, buf, err := api.Post("/keystore", bytebuf)
	if err != nil {
		log.Fatalf("Error from api.Post: %v", err)
	}
	if err := json.Unmarshal(buf, &resp); err != nil {
		log.Fatalf("Error unmarshalling response: %v", err)
	}
	if resp.Error {
		fmt.Printf("Error: %s\n", resp.ErrorMsg)
		os.Exit(1)
	}
	return resp
}
