// Command gpuvm builds and exercises GPU page trees on a simulated GPU.
package main

import (
	"github.com/sarchlab/gpuvm/cmd"
	"github.com/tebeka/atexit"
)

func main() {
	atexit.Exit(cmd.Execute())
}
