//	@title			Hookline API
//	@version		1.0
//	@description	Hookline is a universal webhook ingestion and dispatch platform
//	@termsOfService	https://github.com/hookline/hookline

//	@contact.name	Hookline Support
//	@contact.url	https://github.com/hookline/hookline

//	@license.name	MIT
//	@license.url	https://github.com/hookline/hookline/blob/main/LICENSE

//	@BasePath	/api/v1

//	@tag.name			webhooks
//	@tag.description	Webhook ingestion operations

//	@tag.name			health
//	@tag.description	Liveness and readiness probes

package main

import (
	"os"

	"github.com/hookline/hookline/cli"
)

func main() {
	cmd := cli.RootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
