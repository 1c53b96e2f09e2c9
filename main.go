// The main package for the bandcamp-crawler executable.
package main

import (
	"github.com/JakeFAU/bandcamp-crawler/cmd"
)

func main() {
	cmd.Execute()
}
