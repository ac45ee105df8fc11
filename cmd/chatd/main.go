package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("chatd", "a fault-tolerant chat server", NewService())
}
