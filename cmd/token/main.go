// token выпускает JWT оператора для operator API.
//
//	JWT_SECRET=... go run ./cmd/token -subject alice -ttl 72h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"copytrade/internal/api/auth"

	"github.com/joho/godotenv"
)

func main() {
	subject := flag.String("subject", "operator", "token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET not set")
		os.Exit(1)
	}

	token, err := auth.NewService(secret, *ttl).GenerateToken(*subject)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to generate token:", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
