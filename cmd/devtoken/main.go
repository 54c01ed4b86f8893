// Command devtoken mints a buyer access token for local testing.  In
// production tokens come from the identity provider.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/ticket-hold-checkout/internal/utils"
)

func main() {
	buyer := flag.String("buyer", "", "buyer id placed in the sub claim")
	role := flag.String("role", utils.BuyerRole, "role claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *buyer == "" {
		log.Fatal("usage: JWT_SECRET=... devtoken -buyer <id> [-role CUSTOMER] [-ttl 1h]")
	}

	tok, err := utils.NewAccessToken(secret, *buyer, *role, *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(tok.Token)
}
