package main

import (
	"gymbot-backend/cmd/clubos-cli/commands"
	"gymbot-backend/lib/util/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
