/*
 * Copyright (c) Johan Stenstam, johani@johani.org
 */
package main

import (
	"github.com/agneevX/technitium-dns/cli"
)

func main() {
	cli.RootCmd.Execute()
}
