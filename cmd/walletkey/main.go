// Package main provides a CLI tool for generating development wallet keys
// for the local connector.
package main

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/student-mobility/session-agent/internal/wallet"
)

func main() {
	var (
		existing = flag.String("key", "", "Existing hex private key to inspect instead of generating one")
		account  = flag.String("account", "0.0.1001", "Ledger account id written to the env output")
		network  = flag.String("network", "testnet", "Ledger network written to the env output")
	)
	flag.Parse()

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if *existing != "" {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(*existing, "0x"))
	} else {
		key, err = crypto.GenerateKey()
	}
	if err != nil {
		log.Fatalf("Failed to load key: %v", err)
	}

	privateHex := strings.TrimPrefix(hexutil.Encode(crypto.FromECDSA(key)), "0x")
	publicDER := wallet.DERPublicKey(&key.PublicKey)

	fmt.Printf("# public key (DER): %s\n", publicDER)
	fmt.Println("WALLET_PROJECT_ID=local")
	fmt.Printf("WALLET_NETWORK=%s\n", *network)
	fmt.Printf("WALLET_ACCOUNT_ID=%s\n", *account)
	fmt.Printf("WALLET_PRIVATE_KEY=%s\n", privateHex)
}
