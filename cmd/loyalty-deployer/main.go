package main

import (
	"log"
	"os"

	"omniloyalty/cmd/internal/passphrase"
	"omniloyalty/services/deployer"
)

func main() {
	err := deployer.Main(func(envVar string) deployer.Passphrase {
		return passphrase.NewSource(envVar, "deployer keystore")
	})
	if err != nil {
		log.Printf("loyalty-deployer: %v", err)
	}
	os.Exit(deployer.ExitCode(err))
}
