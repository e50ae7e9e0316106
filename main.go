// The main package for the spiderfleet executable.
package main

import (
	"github.com/JakeFAU/spiderfleet/cmd"
)

func main() {
	cmd.Execute()
}
