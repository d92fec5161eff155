// Binary nckd is the content-addressed sandbox build daemon.
package main

import (
	"github.com/nickelpack/nck/internal/cli"
)

func main() {
	cli.Main()
}
