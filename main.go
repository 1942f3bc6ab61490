// The main package for the sitecloner executable.
package main

import (
	"github.com/JakeFAU/sitecloner/cmd"
)

func main() {
	cmd.Execute()
}
