package main

import (
	"github.com/joho/godotenv"

	"github.com/helixml/deskpool/api/cmd/deskpool"
)

func main() {
	_ = godotenv.Load()
	deskpool.Execute()
}
