package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/config"
	"github.com/ilnaes/padsync/internal/server"
)

var (
	port = flag.Int("port", 0, "listen port, overrides PADSYNC_PORT")
	sign = flag.String("sign", "", "print a bearer token for this user id and exit")
	name = flag.String("name", "", "display name for -sign")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	if *sign != "" {
		if cfg.JWTSecret == "" {
			log.Fatal("PADSYNC_JWT_SECRET is required to sign tokens")
		}
		token, err := server.SignToken([]byte(cfg.JWTSecret), common.NewIdentity(*sign, *name))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}
