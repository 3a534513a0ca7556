// Command orgbridge runs the organization-scoped authorization server and
// tool gateway.
package main

import "github.com/orgbridge/orgbridge/cmd/orgbridge/cmd"

func main() {
	cmd.Execute()
}
