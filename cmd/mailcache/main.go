// Package main provides the entry point for the mailcache CLI.
package main

import (
	"github.com/colthorp/mailcache-go/internal/cli"
)

func main() {
	cli.Execute()
}
