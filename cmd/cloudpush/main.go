package main

import (
	"os"

	"github.com/bianoble/cloudpush/cmd/cloudpush/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
