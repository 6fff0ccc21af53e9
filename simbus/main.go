// Command simbus runs a co-simulation bus server.
package main

import "github.com/sarchlab/simbus/simbus/cmd"

func main() {
	cmd.Execute()
}
